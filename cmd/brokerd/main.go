// Command brokerd runs the capability brokers of a car kit. Each configured
// broker gets its own driver and Unix domain socket.
//
// Usage:
//
//	brokerd [flags]
//
// Flags:
//
//	-c, --config string        Configuration file (default: built-in simulated car)
//	    --log-level string     Override the configured log level
//	    --protocol-log string  Override the configured protocol capture file
//	    --trace-protocol       Echo protocol events to the debug log
//	    --only strings         Run only the named brokers
//	    --socket-dir string    Place every socket in this directory
//
// Examples:
//
//	# Run all four brokers with simulated hardware
//	brokerd
//
//	# Run the real car, capturing protocol traffic
//	brokerd -c /etc/rovekit/car.yaml --protocol-log /var/log/rovekit/proto.cbor
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rovekit/rovekit-go/pkg/broker"
	"github.com/rovekit/rovekit-go/pkg/config"
	"github.com/rovekit/rovekit-go/pkg/drivers"
	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/service"
	"github.com/rovekit/rovekit-go/pkg/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "brokerd: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	logLevel    string
	protocolLog string
	trace       bool
	only        []string
	socketDir   string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("brokerd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "configuration file (default: built-in simulated car)")
	fs.StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	fs.StringVar(&opts.protocolLog, "protocol-log", "", "override the configured protocol capture file")
	fs.BoolVar(&opts.trace, "trace-protocol", false, "echo protocol events to the debug log")
	fs.StringSliceVar(&opts.only, "only", nil, "run only the named brokers")
	fs.StringVar(&opts.socketDir, "socket-dir", "", "place every broker socket in this directory")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

// loadConfig reads the configuration and applies the flag overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.protocolLog != "" {
		cfg.ProtocolLog = opts.protocolLog
	}
	if opts.socketDir != "" {
		for i := range cfg.Brokers {
			cfg.Brokers[i].Socket = filepath.Join(opts.socketDir, filepath.Base(cfg.Brokers[i].Socket))
		}
	}
	if len(opts.only) > 0 {
		var kept []config.Broker
		for _, name := range opts.only {
			b, ok := cfg.Broker(name)
			if !ok {
				return nil, fmt.Errorf("no broker named %q", name)
			}
			kept = append(kept, b)
		}
		cfg.Brokers = kept
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env is what every broker of the process shares.
type env struct {
	logger   *slog.Logger
	protoLog log.Logger
	clock    clock.Clock
	terminal io.Writer

	// ready is called once a broker accepts connections.
	ready func(name, socket string)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, ready func(name, socket string)) (err error) {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	e := env{
		logger:   logger,
		protoLog: log.NoopLogger{},
		clock:    clock.New(),
		terminal: stdout,
		ready:    ready,
	}
	var sinks []log.Logger
	if opts.trace {
		sinks = append(sinks, log.NewSlogAdapter(logger))
	}
	if cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, fl.Close()) }()
		sinks = append(sinks, fl)
		logger.Info("capturing protocol events", "path", cfg.ProtocolLog)
	}
	if len(sinks) > 0 {
		e.protoLog = log.NewMultiLogger(sinks...)
	}

	return runBrokers(ctx, cfg, e)
}

// runBrokers runs every configured broker until ctx ends or one of them
// fails, in which case the others are stopped too.
func runBrokers(ctx context.Context, cfg *config.Config, e env) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range cfg.Brokers {
		g.Go(func() error {
			return runBroker(gctx, b, e)
		})
	}
	return g.Wait()
}

func runBroker(ctx context.Context, bc config.Broker, e env) error {
	logger := e.logger.With("broker", bc.Name)

	if err := os.MkdirAll(filepath.Dir(bc.Socket), 0o755); err != nil {
		return fmt.Errorf("broker %s: %w", bc.Name, err)
	}

	driver, err := drivers.Open(ctx, bc, drivers.Options{
		Clock:    e.clock,
		Logger:   logger,
		Terminal: e.terminal,
	})
	if err != nil {
		return err
	}

	b, err := broker.New(ctx, brokerConfig(bc, driver, e, logger))
	if err != nil {
		return multierr.Append(err, driver.Close())
	}

	svc, err := service.New(b, serviceConfig(bc, e, logger))
	if err != nil {
		return multierr.Append(err, b.Close())
	}
	if err := svc.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("broker %s: %w", bc.Name, err), b.Close())
	}
	logger.Info("broker ready", "socket", bc.Socket, "family", bc.Family.String(), "driver", bc.Driver,
		"capabilities", len(b.List()))
	if e.ready != nil {
		e.ready(bc.Name, bc.Socket)
	}

	<-ctx.Done()
	return svc.Stop()
}

func brokerConfig(bc config.Broker, d broker.Driver, e env, logger *slog.Logger) broker.Config {
	return broker.Config{
		Name:             bc.Name,
		Family:           bc.Family,
		Driver:           d,
		WatchdogInterval: bc.Watchdog.Expiry.Std(),
		WatchdogSweep:    bc.Watchdog.Sweep.Std(),
		IdleWindow:       bc.IdleRelease.Std(),
		StreamInterval:   bc.StreamInterval.Std(),
		StreamBuffer:     bc.StreamBuffer,
		Clock:            e.clock,
		Logger:           logger,
		ProtocolLogger:   e.protoLog,
	}
}

func serviceConfig(bc config.Broker, e env, logger *slog.Logger) service.Config {
	return service.Config{
		SocketPath: bc.Socket,
		KeepAlive: transport.KeepAliveConfig{
			PingInterval:   bc.KeepAlive.Interval.Std(),
			PongTimeout:    bc.KeepAlive.Timeout.Std(),
			MaxMissedPongs: bc.KeepAlive.MaxMissed,
		},
		Logger:         logger,
		ProtocolLogger: e.protoLog,
	}
}
