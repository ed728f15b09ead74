package main

import (
	"github.com/spf13/cobra"

	cfg "github.com/maastricht-university/callpulse/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, _, err := cfg.Load(configPath)
		if err != nil {
			return err
		}
		out, err := conf.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
