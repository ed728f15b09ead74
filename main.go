package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "callpulse",
	Short: "Real-time call analysis over websocket sessions",
	Long: `callpulse ingests live audio and transcript text from a sales call, runs
concurrent scoring passes against an external scoring service and streams partial
and combined results back to the connected client.

Config is read from --config, or from config/$CONFIG_ENV/config.yaml, and can be
overridden with CALLPULSE_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: config/$CONFIG_ENV/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
