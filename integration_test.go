package rovekit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rovekit/rovekit-go/pkg/broker"
	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/client"
	"github.com/rovekit/rovekit-go/pkg/drivers/camera"
	"github.com/rovekit/rovekit-go/pkg/drivers/controller"
	"github.com/rovekit/rovekit-go/pkg/drivers/display"
	"github.com/rovekit/rovekit-go/pkg/monitor"
	"github.com/rovekit/rovekit-go/pkg/service"
	"github.com/rovekit/rovekit-go/pkg/transport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// startBroker serves drv on a fresh socket and returns the socket path.
func startBroker(t *testing.T, cfg broker.Config) string {
	t.Helper()
	cfg.Logger = quiet
	b, err := broker.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create %s broker: %v", cfg.Name, err)
	}

	path := filepath.Join(t.TempDir(), cfg.Name+".sock")
	svc, err := service.New(b, service.Config{
		SocketPath: path,
		KeepAlive:  transport.KeepAliveConfig{PingInterval: -1},
		Logger:     quiet,
	})
	if err != nil {
		t.Fatalf("Failed to create %s service: %v", cfg.Name, err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start %s service: %v", cfg.Name, err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return path
}

func dial(t *testing.T, path, name string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), path, client.Config{
		Name:      name,
		KeepAlive: transport.KeepAliveConfig{PingInterval: -1},
	})
	if err != nil {
		t.Fatalf("Failed to dial %s as %s: %v", path, name, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestE2E_WatchdogStopsSilentPilot tests that a pilot which stops sending
// commands has its throttle returned to neutral while still holding the motors.
func TestE2E_WatchdogStopsSilentPilot(t *testing.T) {
	ctx := context.Background()
	sim := controller.NewSim(controller.SimConfig{Seed: 21})
	path := startBroker(t, broker.Config{
		Name:             "controller",
		Family:           capability.FamilyController,
		Driver:           sim,
		WatchdogInterval: 100 * time.Millisecond,
		WatchdogSweep:    10 * time.Millisecond,
	})

	pilot := dial(t, path, "pilot")
	h, err := pilot.AcquireKind(ctx, capability.KindCarMotors)
	if err != nil {
		t.Fatalf("Failed to acquire motors: %v", err)
	}
	motors := client.CarMotors{Handle: h}
	if err := motors.On(ctx); err != nil {
		t.Fatalf("Failed to switch motors on: %v", err)
	}
	if err := motors.SetSteering(ctx, 20); err != nil {
		t.Fatalf("Failed to steer: %v", err)
	}
	if err := motors.SetThrottle(ctx, 40); err != nil {
		t.Fatalf("Failed to set throttle: %v", err)
	}
	if got := sim.Throttle(); got != 40 {
		t.Fatalf("Throttle mismatch: expected 40, got %v", got)
	}

	waitFor(t, "watchdog reset", func() bool {
		return sim.Throttle() == 0 && sim.Steering() == 0
	})

	// The handle survives the expiry and a fresh command is accepted.
	if err := motors.SetThrottle(ctx, 15); err != nil {
		t.Fatalf("Failed to set throttle after expiry: %v", err)
	}
	if got := sim.Throttle(); got != 15 {
		t.Errorf("Throttle mismatch after expiry: expected 15, got %v", got)
	}
}

// TestE2E_MotorHandoff tests that exclusive motors pass to a waiting client
// once the holder disconnects.
func TestE2E_MotorHandoff(t *testing.T) {
	ctx := context.Background()
	sim := controller.NewSim(controller.SimConfig{Seed: 22})
	path := startBroker(t, broker.Config{
		Name:   "controller",
		Family: capability.FamilyController,
		Driver: sim,
	})

	first := dial(t, path, "first")
	h, err := first.AcquireKind(ctx, capability.KindCarMotors)
	if err != nil {
		t.Fatalf("Failed to acquire motors: %v", err)
	}
	if err := (client.CarMotors{Handle: h}).SetThrottle(ctx, 30); err != nil {
		t.Fatalf("Failed to set throttle: %v", err)
	}

	second := dial(t, path, "second")
	if _, err := second.AcquireKind(ctx, capability.KindCarMotors); !errors.Is(err, capability.ErrAlreadyHeld) {
		t.Fatalf("Expected AlreadyHeld, got %v", err)
	}

	// Sensors stay shared while the motors are taken.
	if _, err := second.AcquireKind(ctx, capability.KindGyroscope); err != nil {
		t.Fatalf("Failed to acquire shared gyroscope: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close first client: %v", err)
	}

	var next *client.Handle
	waitFor(t, "motors to become free", func() bool {
		next, err = second.AcquireKind(ctx, capability.KindCarMotors)
		return err == nil
	})
	if sim.Throttle() != 0 {
		t.Errorf("Throttle not reset on disconnect: %v", sim.Throttle())
	}
	if next.ID() == h.ID() {
		t.Errorf("Handle id reused: %d", next.ID())
	}
}

// TestE2E_SharedStreams tests that two clients stream the same sensor
// concurrently with independent sequence numbers.
func TestE2E_SharedStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := startBroker(t, broker.Config{
		Name:           "controller",
		Family:         capability.FamilyController,
		Driver:         controller.NewSim(controller.SimConfig{Seed: 23}),
		StreamInterval: 5 * time.Millisecond,
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, name := range []string{"logger", "balancer"} {
		c := dial(t, path, name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.AcquireKind(ctx, capability.KindAccelerometer)
			if err != nil {
				errs <- err
				return
			}
			s, err := (client.Inertial{Handle: h}).Watch(ctx, client.SubscribeOptions{})
			if err != nil {
				errs <- err
				return
			}
			defer s.Close(ctx)
			var last uint64
			for range 5 {
				rec, err := s.Next(ctx)
				if err != nil {
					errs <- err
					return
				}
				if rec.Seq <= last {
					errs <- errors.New("sequence not increasing")
					return
				}
				last = rec.Seq
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Stream failed: %v", err)
	}
}

// TestE2E_CameraIdleRelease tests that the camera stays open briefly after
// the last release and is reused by a quick re-acquire.
func TestE2E_CameraIdleRelease(t *testing.T) {
	ctx := context.Background()
	sensor, err := camera.New(camera.Config{Width: 32, Height: 24, Gray: true, Seed: 24})
	if err != nil {
		t.Fatalf("Failed to create camera: %v", err)
	}
	path := startBroker(t, broker.Config{
		Name:       "camera",
		Family:     capability.FamilyCamera,
		Driver:     sensor,
		IdleWindow: 150 * time.Millisecond,
	})
	c := dial(t, path, "vision")

	capture := func() {
		t.Helper()
		h, err := c.AcquireKind(ctx, capability.KindCamera)
		if err != nil {
			t.Fatalf("Failed to acquire camera: %v", err)
		}
		frame, err := (client.Camera{Handle: h}).Capture(ctx)
		if err != nil {
			t.Fatalf("Failed to capture: %v", err)
		}
		if frame.Width != 32 || frame.Height != 24 {
			t.Errorf("Frame size mismatch: %dx%d", frame.Width, frame.Height)
		}
		if err := h.Release(ctx); err != nil {
			t.Fatalf("Failed to release camera: %v", err)
		}
	}

	capture()
	if !sensor.IsOpen() {
		t.Fatal("Camera closed immediately after release")
	}
	capture()
	if sensor.Opens() != 1 {
		t.Errorf("Camera reopened within the idle window: %d opens", sensor.Opens())
	}

	waitFor(t, "idle close", func() bool { return !sensor.IsOpen() })
	if sensor.Closes() != 1 {
		t.Errorf("Close count mismatch: expected 1, got %d", sensor.Closes())
	}

	capture()
	if sensor.Opens() != 2 {
		t.Errorf("Open count mismatch after idle close: expected 2, got %d", sensor.Opens())
	}
}

// TestE2E_BatteryWarningOnDisplay tests the battery monitor reading the
// controller broker and warning through the display broker.
func TestE2E_BatteryWarningOnDisplay(t *testing.T) {
	ctx := context.Background()
	sim := controller.NewSim(controller.SimConfig{Seed: 25})
	ctrlPath := startBroker(t, broker.Config{
		Name:   "controller",
		Family: capability.FamilyController,
		Driver: sim,
	})
	renderer := &display.MemoryRenderer{}
	dispPath := startBroker(t, broker.Config{
		Name:   "display",
		Family: capability.FamilyDisplay,
		Driver: display.New(display.Config{Renderer: renderer}),
	})

	ctrl := dial(t, ctrlPath, "battery-monitor")
	disp := dial(t, dispPath, "battery-monitor")
	bh, err := ctrl.AcquireKind(ctx, capability.KindBatteryVoltageReader)
	if err != nil {
		t.Fatalf("Failed to acquire battery: %v", err)
	}
	zh, err := ctrl.AcquireKind(ctx, capability.KindBuzzer)
	if err != nil {
		t.Fatalf("Failed to acquire buzzer: %v", err)
	}
	ch, err := disp.AcquireKind(ctx, capability.KindConsole)
	if err != nil {
		t.Fatalf("Failed to acquire console: %v", err)
	}

	m, err := monitor.New(monitor.Config{
		Battery: client.Battery{Handle: bh},
		Display: client.Console{Handle: ch},
		Buzzer:  client.Buzzer{Handle: zh},
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("Failed to create monitor: %v", err)
	}

	sim.SetMillivolts(8400)
	r, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if r.Percent != 100 || r.Low {
		t.Errorf("Full battery reading mismatch: %+v", r)
	}
	if got := renderer.Last().BatteryPercent; got != 100 {
		t.Errorf("Display percent mismatch: expected 100, got %d", got)
	}

	sim.SetMillivolts(6600)
	r, err = m.Check(ctx)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !r.Low {
		t.Errorf("Expected low reading, got %+v", r)
	}
	state := renderer.Last()
	if !strings.Contains(state.Text(), monitor.WarningText) {
		t.Errorf("Warning not shown, console text %q", state.Text())
	}
	playing, err := (client.Buzzer{Handle: zh}).IsPlaying(ctx)
	if err != nil {
		t.Fatalf("IsPlaying failed: %v", err)
	}
	if !playing {
		t.Error("Buzzer silent on low battery")
	}
}
