// Command battery-monitor shows the battery charge on the car display and
// beeps when it runs low. It is an ordinary broker client: it acquires the
// battery reader and buzzer of the controller broker and the console of the
// display broker.
//
// Usage:
//
//	battery-monitor [flags]
//
// Flags:
//
//	-c, --config string             Configuration file (default: built-in simulated car)
//	    --controller-socket string  Controller broker socket (overrides the configuration)
//	    --display-socket string     Display broker socket (overrides the configuration)
//	    --interval duration         Check interval (default: configured, 10s)
//	    --log-level string          Log level (default "info")
//	    --once                      Check once, print the reading and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/client"
	"github.com/rovekit/rovekit-go/pkg/config"
	"github.com/rovekit/rovekit-go/pkg/monitor"
	"github.com/rovekit/rovekit-go/pkg/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "battery-monitor: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath       string
	controllerSocket string
	displaySocket    string
	interval         time.Duration
	logLevel         string
	once             bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("battery-monitor", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "configuration file (default: built-in simulated car)")
	fs.StringVar(&opts.controllerSocket, "controller-socket", "", "controller broker socket")
	fs.StringVar(&opts.displaySocket, "display-socket", "", "display broker socket")
	fs.DurationVar(&opts.interval, "interval", 0, "check interval (default: configured)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&opts.once, "once", false, "check once, print the reading and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

// resolve fills the sockets and interval from the configuration where the
// flags left them empty.
func resolve(opts options) (options, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return opts, err
		}
	}
	lookup := func(name, what string) (string, error) {
		b, ok := cfg.Broker(name)
		if !ok {
			return "", fmt.Errorf("no %s broker %q in the configuration", what, name)
		}
		return b.Socket, nil
	}
	var err error
	if opts.controllerSocket == "" {
		if opts.controllerSocket, err = lookup(cfg.Monitor.Controller, "controller"); err != nil {
			return opts, err
		}
	}
	if opts.displaySocket == "" {
		if opts.displaySocket, err = lookup(cfg.Monitor.Display, "display"); err != nil {
			return opts, err
		}
	}
	if opts.interval <= 0 {
		opts.interval = cfg.Monitor.Interval.Std()
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts, err = resolve(opts); err != nil {
		return err
	}
	logger, err := config.NewLogger(stderr, opts.logLevel)
	if err != nil {
		return err
	}

	dial := func(path string) (*client.Client, error) {
		return client.Dial(ctx, path, client.Config{
			Name:      "battery-monitor",
			KeepAlive: transport.KeepAliveConfig{PingInterval: -1},
			Logger:    logger,
		})
	}
	ctrl, err := dial(opts.controllerSocket)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	defer func() { err = multierr.Append(err, ctrl.Close()) }()
	disp, err := dial(opts.displaySocket)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	defer func() { err = multierr.Append(err, disp.Close()) }()

	mcfg, err := acquire(ctx, ctrl, disp, logger)
	if err != nil {
		return err
	}
	mcfg.Interval = opts.interval

	m, err := monitor.New(mcfg)
	if err != nil {
		return err
	}

	if opts.once {
		r, err := m.Check(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d mV %d%%", r.Millivolts, r.Percent)
		if r.Low {
			fmt.Fprint(stdout, " LOW")
		}
		fmt.Fprintln(stdout)
		return nil
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	logger.Info("battery monitor running", "interval", opts.interval)

	select {
	case <-ctx.Done():
	case <-ctrl.Done():
		err = fmt.Errorf("controller broker disconnected: %s", ctrl.Reason())
	case <-disp.Done():
		err = fmt.Errorf("display broker disconnected: %s", disp.Reason())
	}
	return multierr.Append(err, m.Stop())
}

// acquire takes the capability handles the monitor needs. The handles are
// released when the clients close.
func acquire(ctx context.Context, ctrl, disp *client.Client, logger *slog.Logger) (monitor.Config, error) {
	bh, err := ctrl.AcquireKind(ctx, capability.KindBatteryVoltageReader)
	if err != nil {
		return monitor.Config{}, fmt.Errorf("battery: %w", err)
	}
	ch, err := disp.AcquireKind(ctx, capability.KindConsole)
	if err != nil {
		return monitor.Config{}, fmt.Errorf("console: %w", err)
	}
	cfg := monitor.Config{
		Battery: client.Battery{Handle: bh},
		Display: client.Console{Handle: ch},
		Logger:  logger,
	}
	if zh, err := ctrl.AcquireKind(ctx, capability.KindBuzzer); err != nil {
		logger.Warn("no buzzer, low battery warnings stay silent", "error", err)
	} else {
		cfg.Buzzer = client.Buzzer{Handle: zh}
	}
	return cfg, nil
}
