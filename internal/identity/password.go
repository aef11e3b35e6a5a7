package identity

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/stakeboard/stakeboard/internal/config"
	"github.com/stakeboard/stakeboard/internal/logging"
)

// EnvWalletPassword supplies the keystore password non-interactively.
const EnvWalletPassword = "STAKEBOARD_WALLET_PASSWORD"

// ErrNoPassword is returned when no password source produced a value.
var ErrNoPassword = errors.New("wallet password not available")

// PasswordOptions selects the password sources tried by ResolvePassword.
type PasswordOptions struct {
	File       string
	UseKeyring bool
	Account    string // keyring item suffix
	Prompt     bool   // fall back to an interactive prompt on a terminal

	// promptFn replaces the terminal prompt in tests.
	promptFn func() (string, error)
}

// PasswordOptionsFromConfig maps the wallet config section.
func PasswordOptionsFromConfig(cfg config.WalletConfig, prompt bool) PasswordOptions {
	return PasswordOptions{
		File:       cfg.PasswordFile,
		UseKeyring: cfg.UseKeyring,
		Account:    cfg.Account,
		Prompt:     prompt,
	}
}

// ResolvePassword tries, in order: the password file, STAKEBOARD_WALLET_PASSWORD,
// the platform keyring, and an interactive prompt.
func ResolvePassword(opts PasswordOptions) (string, error) {
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		if pw := strings.TrimRight(string(data), "\r\n"); pw != "" {
			return pw, nil
		}
	}

	if pw := os.Getenv(EnvWalletPassword); pw != "" {
		return pw, nil
	}

	if opts.UseKeyring {
		pw, err := RetrieveWalletPassword(opts.Account)
		if err != nil {
			logging.Debug("keyring lookup failed", logging.Err(err))
		} else if pw != "" {
			return pw, nil
		}
	}

	if opts.Prompt {
		prompt := opts.promptFn
		if prompt == nil {
			prompt = func() (string, error) { return promptPassword(os.Stderr) }
		}
		pw, err := prompt()
		if err != nil {
			return "", err
		}
		if pw != "" {
			return pw, nil
		}
	}

	return "", ErrNoPassword
}

// promptPassword reads a password from the terminal with echo disabled.
func promptPassword(w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoPassword
	}
	fmt.Fprint(w, "Wallet password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}
