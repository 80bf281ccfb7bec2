package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	Long: `Query the running relay for its status.

Shows: session, device state, negotiated format, connection state, frame and byte
counters and the current frame rate.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client ControlClient, out io.Writer) error {
	st, err := client.RelayStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query relay status: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}
