package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration mcpd would run with, merged from the config file, the
MCPD_ environment variables and the flags, as YAML. The output is a valid config file.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}

	if used := v.ConfigFileUsed(); used != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", used)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
