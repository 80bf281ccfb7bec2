package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/camrelay/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective settings",
	Long: `Load the configuration (file, CAMRELAY_* environment overrides and defaults),
validate it and print the effective configuration as YAML.

Examples:
  camrelay validate -c /etc/camrelay/camrelay.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
