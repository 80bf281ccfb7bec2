// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"firestige.xyz/camrelay/internal/config"
	"firestige.xyz/camrelay/internal/daemon"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd runs the relay when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "camrelay [host port]",
	Short: "camrelay - relay V4L2 camera frames to a network peer",
	Long: `camrelay captures frames from a V4L2 device through memory-mapped buffers and
relays them to a network peer, either over a reconnecting stream connection or
as segmented datagrams (unicast or multicast).

With no arguments the peer comes from the configuration file, or the compiled-in
defaults (127.0.0.1:8000 for stream, 225.0.0.37:8000 for datagram).

Examples:
  camrelay                              # relay with defaults
  camrelay 192.168.1.20 8000            # relay to a given peer
  camrelay -c /etc/camrelay/camrelay.yml
  camrelay status                       # query a running relay`,
	Version:       Version,
	Args:          peerArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, port, err := parsePeer(args)
		if err != nil {
			return err
		}
		return runRelay(host, port)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default: compiled-in defaults)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"control socket path (default: control.socket from config)")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(logLevelCmd)
	rootCmd.AddCommand(validateCmd)
}

// peerArgs accepts zero arguments or exactly a host and a port.
func peerArgs(_ *cobra.Command, args []string) error {
	if len(args) != 0 && len(args) != 2 {
		return fmt.Errorf("expected no arguments or <host> <port>, got %d argument(s)", len(args))
	}
	return nil
}

func parsePeer(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, nil
	}
	if err := peerArgs(nil, args); err != nil {
		return "", 0, err
	}
	host := args[0]
	if host == "" || (net.ParseIP(host) == nil && !validHostname(host)) {
		return "", 0, fmt.Errorf("invalid host %q", host)
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", args[1])
	}
	return host, port, nil
}

func validHostname(host string) bool {
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

func runRelay(host string, port int) error {
	d, err := daemon.New(daemon.Options{
		ConfigPath: configFile,
		Host:       host,
		Port:       port,
		Version:    Version,
	})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	return d.Run()
}

// loadConfig loads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}
