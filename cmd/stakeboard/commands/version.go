package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionView struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the version of the stakeboard CLI and build information.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := versionView{
				Version:   GetVersion(),
				Commit:    GetCommit(),
				BuildDate: BuildDate,
				GoVersion: GetGoVersion(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, v)
			}
			fmt.Fprintln(out, StatusBox("stakeboard", [][2]string{
				{"Version", v.Version},
				{"Commit", v.Commit},
				{"Build Date", v.BuildDate},
				{"Go Version", v.GoVersion},
				{"OS/Arch", v.Platform},
			}))
			return nil
		},
	}
}
