package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var logLevelCmd = &cobra.Command{
	Use:       "log-level [level]",
	Short:     "Show or change the relay log level",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"trace", "debug", "info", "warn", "error"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		level := ""
		if len(args) == 1 {
			level = args[0]
		}
		return runLogLevel(cmd.Context(), client, level, cmd.OutOrStdout())
	},
}

func runLogLevel(ctx context.Context, client ControlClient, level string, out io.Writer) error {
	previous, err := client.SetLogLevel(ctx, level)
	if err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	if level == "" {
		fmt.Fprintf(out, "log level: %s\n", previous)
		return nil
	}
	fmt.Fprintf(out, "✓ Log level changed from %s to %s\n", previous, level)
	return nil
}
