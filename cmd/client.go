package cmd

import (
	"context"
	"time"

	"firestige.xyz/camrelay/internal/command"
	"firestige.xyz/camrelay/internal/relay"
)

// ControlClient is the control socket surface used by the subcommands.
type ControlClient interface {
	RelayStatus(ctx context.Context) (*relay.Status, error)
	RelayShutdown(ctx context.Context) error
	ConfigReload(ctx context.Context) error
	SetLogLevel(ctx context.Context, level string) (string, error)
}

const clientTimeout = 10 * time.Second

// newClient connects to --socket, or to control.socket from the config.
func newClient() (ControlClient, error) {
	path := socketPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Control.Socket
	}
	return command.NewUDSClient(path, clientTimeout), nil
}
