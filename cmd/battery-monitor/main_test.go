package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovekit/rovekit-go/pkg/broker"
	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/drivers/controller"
	"github.com/rovekit/rovekit-go/pkg/drivers/display"
	"github.com/rovekit/rovekit-go/pkg/service"
	"github.com/rovekit/rovekit-go/pkg/transport"
)

func serve(t *testing.T, name string, family capability.Family, drv broker.Driver) string {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := broker.New(context.Background(), broker.Config{
		Name:   name,
		Family: family,
		Driver: drv,
		Logger: quiet,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), name+".sock")
	svc, err := service.New(b, service.Config{
		SocketPath: path,
		KeepAlive:  transport.KeepAliveConfig{PingInterval: -1},
		Logger:     quiet,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return path
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--controller-socket", "/run/c.sock", "--interval", "2s", "--once"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "/run/c.sock", opts.controllerSocket)
	assert.Equal(t, 2*time.Second, opts.interval)
	assert.True(t, opts.once)
	assert.Equal(t, "info", opts.logLevel)

	_, err = parseFlags([]string{"extra"}, io.Discard)
	assert.Error(t, err)
}

func TestResolveFromDefaults(t *testing.T) {
	opts, err := resolve(options{displaySocket: "/run/d.sock"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rovekit/controller.sock", opts.controllerSocket)
	assert.Equal(t, "/run/d.sock", opts.displaySocket)
	assert.Equal(t, 10*time.Second, opts.interval)
}

func TestRunOnce(t *testing.T) {
	ctrl := serve(t, "controller", capability.FamilyController, controller.NewSim(controller.SimConfig{Seed: 11}))
	renderer := &display.MemoryRenderer{}
	disp := serve(t, "display", capability.FamilyDisplay, display.New(display.Config{
		Rows:     8,
		Columns:  40,
		Renderer: renderer,
	}))

	var out bytes.Buffer
	err := run(context.Background(), []string{
		"--controller-socket", ctrl,
		"--display-socket", disp,
		"--log-level", "error",
		"--once",
	}, &out, io.Discard)
	require.NoError(t, err)

	assert.Contains(t, out.String(), " mV ")
	assert.Contains(t, out.String(), "%")
	require.Positive(t, renderer.Renders())
	pct := renderer.Last().BatteryPercent
	assert.GreaterOrEqual(t, pct, 0)
	assert.LessOrEqual(t, pct, 100)
}

func TestRunUntilCancelled(t *testing.T) {
	ctrl := serve(t, "controller", capability.FamilyController, controller.NewSim(controller.SimConfig{Seed: 12}))
	renderer := &display.MemoryRenderer{}
	disp := serve(t, "display", capability.FamilyDisplay, display.New(display.Config{Renderer: renderer}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{
			"--controller-socket", ctrl,
			"--display-socket", disp,
			"--interval", "10ms",
			"--log-level", "error",
		}, io.Discard, io.Discard)
	}()

	require.Eventually(t, func() bool {
		return renderer.Renders() >= 2 && renderer.Last().BatteryPercent >= 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestRunMissingBroker(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), []string{
		"--controller-socket", filepath.Join(dir, "none.sock"),
		"--display-socket", filepath.Join(dir, "none.sock"),
		"--once",
	}, io.Discard, io.Discard)
	assert.ErrorContains(t, err, "controller")
}
