// Package drivers builds the hardware driver of a configured broker.
package drivers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/rovekit/rovekit-go/pkg/broker"
	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/config"
	"github.com/rovekit/rovekit-go/pkg/drivers/camera"
	"github.com/rovekit/rovekit-go/pkg/drivers/controller"
	"github.com/rovekit/rovekit-go/pkg/drivers/display"
	"github.com/rovekit/rovekit-go/pkg/drivers/uplink"
)

// Options are process-wide driver settings.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Terminal receives the output of terminal display drivers.
	Terminal io.Writer
}

// Open creates the driver configured for b.
func Open(_ context.Context, b config.Broker, opts Options) (broker.Driver, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("broker", b.Name, "driver", b.Driver)

	switch b.Driver {
	case config.DriverSim:
		return openSim(b, opts)

	case config.DriverSerial:
		var port controller.PortOptions
		if b.Serial != nil {
			port = *b.Serial
		}
		board, err := controller.OpenSerial(b.Device, port, logger)
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", b.Name, err)
		}
		return board, nil

	case config.DriverTerminal:
		if opts.Terminal == nil {
			return nil, fmt.Errorf("broker %s: terminal driver without an output", b.Name)
		}
		dc := displayConfig(b)
		r := display.NewTerminalRenderer(opts.Terminal, dc.Columns)
		r.ClearScreen = true
		dc.Renderer = r
		return display.New(dc), nil

	case config.DriverWebSocket:
		header := http.Header{}
		if b.Uplink.Token != "" {
			header.Set("Authorization", "Bearer "+b.Uplink.Token)
		}
		link, err := uplink.NewWebSocketLink(uplink.WebSocketConfig{
			URL:    b.Uplink.URL,
			Header: header,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", b.Name, err)
		}
		return uplink.New(link, 0), nil
	}
	return nil, fmt.Errorf("broker %s: unknown driver %q", b.Name, b.Driver)
}

func openSim(b config.Broker, opts Options) (broker.Driver, error) {
	switch b.Family {
	case capability.FamilyController:
		return controller.NewSim(controller.SimConfig{Clock: opts.Clock}), nil
	case capability.FamilyCamera:
		cc := camera.Config{Clock: opts.Clock}
		if c := b.Camera; c != nil {
			cc.Width, cc.Height, cc.FPS = c.Width, c.Height, c.FPS
			cc.Gray, cc.Compress = c.Gray, c.Compress
		}
		return camera.New(cc)
	case capability.FamilyDisplay:
		return display.New(displayConfig(b)), nil
	case capability.FamilyUplink:
		return uplink.New(&uplink.MemoryLink{}, 0), nil
	}
	return nil, fmt.Errorf("broker %s: no simulated driver for family %s", b.Name, b.Family)
}

func displayConfig(b config.Broker) display.Config {
	var dc display.Config
	if d := b.Display; d != nil {
		dc.Rows, dc.Columns = d.Rows, d.Columns
	}
	return dc
}
