// Package monitor implements the battery monitor: a background client that
// periodically reads the battery voltage, shows the charge on the display and
// sounds a warning when the battery runs low.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/multierr"

	"github.com/rovekit/rovekit-go/pkg/drivers/controller"
)

// Defaults of the battery monitor.
const (
	DefaultInterval = 10 * time.Second

	// LowPercent is the charge below which the warning sounds.
	LowPercent = 10

	WarningNotes = "EEE"
	WarningText  = "Warning: Battery <10%"
)

// Battery reads the battery voltage.
type Battery interface {
	Millivolts(ctx context.Context) (int64, error)
}

// Display shows the charge and warnings.
type Display interface {
	SetBatteryPercent(ctx context.Context, percent int) error
	WriteText(ctx context.Context, text string) error
}

// Buzzer sounds the warning.
type Buzzer interface {
	Play(ctx context.Context, notes string) error
}

// Config configures a Monitor.
type Config struct {
	Battery Battery
	Display Display

	// Buzzer is optional.
	Buzzer Buzzer

	Interval time.Duration
	Logger   *slog.Logger
}

// Reading is the outcome of one check.
type Reading struct {
	Millivolts int64
	Percent    int
	Low        bool
}

// Monitor runs the periodic battery check.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	last      Reading
	checks    uint64
	failures  uint64
}

// New creates a monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Battery == nil || cfg.Display == nil {
		return nil, errors.New("monitor: battery and display are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{cfg: cfg, logger: cfg.Logger}, nil
}

// Percent converts a battery voltage to a charge percentage in [0, 100].
func Percent(millivolts int64) int {
	return int(math.Round(controller.BatteryFraction(int(millivolts)) * 100))
}

// Check runs one round: read, display and warn.
func (m *Monitor) Check(ctx context.Context) (Reading, error) {
	mv, err := m.cfg.Battery.Millivolts(ctx)
	if err != nil {
		m.recordFailure()
		return Reading{}, fmt.Errorf("read battery: %w", err)
	}
	r := Reading{Millivolts: mv, Percent: Percent(mv)}
	r.Low = r.Percent < LowPercent
	m.logger.Info("battery", "millivolts", r.Millivolts, "percent", r.Percent)

	var errs []error
	if err := m.cfg.Display.SetBatteryPercent(ctx, r.Percent); err != nil {
		errs = append(errs, fmt.Errorf("display percent: %w", err))
	}
	if r.Low {
		if m.cfg.Buzzer != nil {
			if err := m.cfg.Buzzer.Play(ctx, WarningNotes); err != nil {
				errs = append(errs, fmt.Errorf("buzzer: %w", err))
			}
		}
		if err := m.cfg.Display.WriteText(ctx, WarningText); err != nil {
			errs = append(errs, fmt.Errorf("display warning: %w", err))
		}
	}

	m.mu.Lock()
	m.last = r
	m.checks++
	m.mu.Unlock()

	if err := multierr.Combine(errs...); err != nil {
		m.recordFailure()
		return r, err
	}
	return r, nil
}

func (m *Monitor) recordFailure() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

// Start schedules the check every interval, starting now.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil {
		return errors.New("monitor: already started")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := m.Check(ctx); err != nil {
				m.logger.Warn("battery check failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("monitor: schedule: %w", err)
	}
	s.Start()
	m.scheduler = s
	return nil
}

// Stop stops the schedule and waits for a running check.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	s := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Stats reports the last reading and the check counters.
func (m *Monitor) Stats() (last Reading, checks, failures uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.checks, m.failures
}
