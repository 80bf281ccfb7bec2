package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the running relay to re-read its configuration file.

Logging settings apply immediately; device and transport changes need a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return runReload(cmd.Context(), client, cmd.OutOrStdout())
	},
}

// runReload is the body of reloadCmd.
func runReload(ctx context.Context, client ControlClient, out io.Writer) error {
	if err := client.ConfigReload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
