package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/bmpipe/internal/version"
)

var cmdVersion = &cobra.Command{
	Use:   "version",
	Short: "Print bmpipe version along with dependency information.",
	Run: func(_ *cobra.Command, _ []string) {
		v := version.Current()

		fmt.Printf(
			"commit: %s\nbranch: %s\ngit summary: %s\nbuildDate: %s\nversion: %s\nGo version: %s\nbmclib version: %s\nnats.go version: %s\n",
			v.GitCommit, v.GitBranch, v.GitSummary, v.BuildDate, v.AppVersion, v.GoVersion, v.BmclibVersion, v.NatsVersion)
	},
}

func init() {
	rootCmd.AddCommand(cmdVersion)
}
