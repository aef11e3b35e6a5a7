package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/huh/spinner"
	"github.com/spf13/cobra"
)

// StatusBox renders a titled box with key-value fields.
//
//	StatusBox("Stake", [][2]string{{"Amount", "2.5 DAI"}, {"Reward", "0.0025"}})
func StatusBox(title string, fields [][2]string) string {
	if !isTTY() {
		return statusBoxPlain(title, fields)
	}

	var sb strings.Builder
	sb.WriteString(StyleHeader.Render(title))
	sb.WriteString("\n")
	for _, f := range fields {
		sb.WriteString(StyleLabel.Render(f[0]) + StyleValue.Render(f[1]) + "\n")
	}
	return StyleBox.Render(strings.TrimRight(sb.String(), "\n"))
}

func statusBoxPlain(title string, fields [][2]string) string {
	var sb strings.Builder
	sb.WriteString(title + "\n")
	sb.WriteString(strings.Repeat("=", len(title)) + "\n")
	for _, f := range fields {
		sb.WriteString(fmt.Sprintf("%-16s %s\n", f[0]+":", f[1]))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Success prints a success message.
func Success(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleSuccess.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[OK] "+msg)
	}
}

// Error prints an error message.
func Error(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleError.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[ERROR] "+msg)
	}
}

// Warning prints a warning message.
func Warning(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleWarning.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[WARN] "+msg)
	}
}

// Info prints an informational message.
func Info(w io.Writer, msg string) {
	if isTTY() {
		fmt.Fprintln(w, StyleInfo.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[INFO] "+msg)
	}
}

// Hint renders a dim hint/suggestion message.
func Hint(msg string) string {
	if !isTTY() {
		return "  " + msg
	}
	return "  " + StyleDim.Render(msg)
}

// WithSpinner runs fn while showing a spinner with the given message.
// Returns the error from fn.
func WithSpinner(w io.Writer, msg string, fn func() error) error {
	if !isTTY() {
		fmt.Fprintf(w, "%s...\n", msg)
		return fn()
	}

	var fnErr error
	err := spinner.New().
		Title(msg).
		Action(func() {
			fnErr = fn()
		}).
		Run()
	if err != nil {
		return err
	}
	return fnErr
}

// Confirm asks a yes/no question. Without a terminal it returns false, so
// scripted use has to pass --yes.
func Confirm(title, description string) (bool, error) {
	if !isInteractive() {
		return false, nil
	}

	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Send").
				Negative("Cancel").
				Value(&ok),
		),
	).Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// FormatAddress truncates an Ethereum address for display.
func FormatAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// messageWriter is where progress and warnings go: stdout, or stderr when
// stdout carries JSON.
func messageWriter(cmd *cobra.Command) io.Writer {
	if jsonOutput() {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
