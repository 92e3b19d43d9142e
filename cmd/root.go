package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/bmpipe/internal/model"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "bmpipe",
	Short: "bmpipe moves bare-metal servers from first power-on to monitored readiness",
	Long: `bmpipe is a set of independent processes connected by message queues,
each process advances a device one step along its lifecycle in the inventory.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func logLevelFromFlag() int {
	switch logLevel {
	case "debug":
		return model.LogLevelDebug
	case "trace":
		return model.LogLevelTrace
	default:
		return model.LogLevelInfo
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file (default is to read env vars only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "set logging level - info, debug, trace")
}
