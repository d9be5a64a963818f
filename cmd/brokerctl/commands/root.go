// Package commands implements the brokerctl command tree.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/client"
	"github.com/rovekit/rovekit-go/pkg/config"
	"github.com/rovekit/rovekit-go/pkg/transport"
)

// Exit codes.
const (
	ExitFailure = 1

	// ExitBusy means the capability is held by another client.
	ExitBusy = 2
)

// Globals are the connection flags shared by every command.
type Globals struct {
	Socket     string
	Broker     string
	ConfigPath string
	Timeout    time.Duration
	ClientName string
}

// SocketPath resolves the broker socket: --socket wins, otherwise the named
// broker is looked up in the configuration.
func (g *Globals) SocketPath() (string, error) {
	if g.Socket != "" {
		return g.Socket, nil
	}
	cfg := config.Default()
	if g.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(g.ConfigPath); err != nil {
			return "", err
		}
	}
	b, ok := cfg.Broker(g.Broker)
	if !ok {
		return "", fmt.Errorf("no broker named %q in the configuration", g.Broker)
	}
	return b.Socket, nil
}

// Dial connects to the selected broker.
func (g *Globals) Dial(ctx context.Context) (*client.Client, error) {
	path, err := g.SocketPath()
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, path, client.Config{
		Name:      g.ClientName,
		Timeout:   g.Timeout,
		KeepAlive: transport.KeepAliveConfig{PingInterval: -1},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// NewRootCommand builds the brokerctl command tree.
func NewRootCommand() *cobra.Command {
	g := &Globals{}
	root := &cobra.Command{
		Use:   "brokerctl",
		Short: "Inspect and drive capability brokers",
		Long: `brokerctl talks to a running brokerd over its Unix sockets.

The broker is picked by name from the configuration (--broker, default
"controller") or given directly with --socket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.Socket, "socket", "s", "", "broker socket path")
	pf.StringVarP(&g.Broker, "broker", "b", "controller", "broker name in the configuration")
	pf.StringVarP(&g.ConfigPath, "config", "c", "", "configuration file (default: built-in simulated car)")
	pf.DurationVar(&g.Timeout, "timeout", 5*time.Second, "request timeout")
	pf.StringVar(&g.ClientName, "name", "brokerctl", "client name reported to the broker")

	root.AddCommand(
		newListCommand(g),
		newInvokeCommand(g),
		newWatchCommand(g),
		newShellCommand(g),
		newLogCommand(),
	)
	return root
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, capability.ErrAlreadyHeld):
		return ExitBusy
	}
	return ExitFailure
}

// Describe turns a command error into the message printed to the user.
func Describe(err error) string {
	if errors.Is(err, capability.ErrAlreadyHeld) {
		return fmt.Sprintf("resource busy: %v", err)
	}
	return err.Error()
}
