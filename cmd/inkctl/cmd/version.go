package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := versionInfo()
		return printOutput(cmd.OutOrStdout(), info, func(w io.Writer) {
			fmt.Fprintf(w, "inkctl version %s\n", info["version"])
			fmt.Fprintf(w, "Git commit: %s\n", info["gitCommit"])
			fmt.Fprintf(w, "Built: %s\n", info["buildTime"])
			fmt.Fprintf(w, "Go version: %s\n", info["goVersion"])
			fmt.Fprintf(w, "OS/Arch: %s/%s\n", info["goos"], info["goarch"])
		})
	},
}

func versionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"gitCommit": GitCommit,
		"buildTime": BuildTime,
		"goVersion": runtime.Version(),
		"goos":      runtime.GOOS,
		"goarch":    runtime.GOARCH,
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
