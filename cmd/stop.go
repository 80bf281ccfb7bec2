package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/camrelay/internal/command"
	"firestige.xyz/camrelay/internal/daemon"
)

var stopTimeout time.Duration

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running relay",
	Long: `Stop the running relay gracefully.

The relay finishes the frame in transmission, stops capture and exits. If the
control socket does not answer, SIGTERM is sent to the process in the PID file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		fallback := func() error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return daemon.StopDaemon(cfg.Control.PIDFile, stopTimeout)
		}
		return runStop(cmd.Context(), client, fallback, cmd.OutOrStdout())
	},
}

func init() {
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second,
		"how long to wait for the process to exit when signalled")
}

func runStop(ctx context.Context, client ControlClient, fallback func() error, out io.Writer) error {
	err := client.RelayShutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}

	// The relay answered, so report its refusal instead of signalling.
	var rpcErr *command.ErrorInfo
	if errors.As(err, &rpcErr) || fallback == nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	if ferr := fallback(); ferr != nil {
		return fmt.Errorf("failed to stop: %v; signal fallback: %w", err, ferr)
	}
	fmt.Fprintln(out, "✓ Relay stopped")
	return nil
}
