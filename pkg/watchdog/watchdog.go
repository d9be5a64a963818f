package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// Watchdog constants.
const (
	// DefaultInterval is the default command expiry interval.
	DefaultInterval = time.Second

	// MinInterval is the shortest accepted expiry interval.
	MinInterval = 10 * time.Millisecond
)

// Errors.
var (
	ErrInvalidInterval = errors.New("invalid watchdog interval")
	ErrUnknownChannel  = errors.New("unknown actuator channel")
)

// State is the state of one actuator channel.
type State uint8

const (
	// StateIdle means the channel holds its safe default.
	StateIdle State = iota

	// StateArmed means a commanded value is live and will expire.
	StateArmed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	default:
		return "UNKNOWN"
	}
}

// Key identifies an actuator channel of a capability.
type Key struct {
	Capability string
	Channel    string
}

// String returns "Capability.channel".
func (k Key) String() string {
	return k.Capability + "." + k.Channel
}

// Entry is a snapshot of one channel.
type Entry struct {
	Key         Key
	State       State
	Commanded   float64
	Safe        float64
	LastRenewed time.Time
}

// ExpiresAt returns when an armed entry expires.
func (e Entry) ExpiresAt(interval time.Duration) time.Time {
	return e.LastRenewed.Add(interval)
}

// entry is a channel with its expiry deadline. gen changes on every renew
// and reset so a deadline that fires late can tell it was superseded.
type entry struct {
	Entry
	gen      uint64
	deadline *clock.Timer
}

// ResetFunc writes the safe default of a channel to the driver. It is
// called with the Locker held.
type ResetFunc func(key Key, safe float64) error

// Config holds watchdog configuration.
type Config struct {
	// Interval is how long a command stays live without renewal.
	Interval time.Duration

	// SweepPeriod is the cadence at which resets that failed are retried.
	// Zero means Interval/4.
	SweepPeriod time.Duration

	// Locker serializes driver writes with the rest of the broker.
	// Nil means no locking.
	Locker sync.Locker

	// Clock drives deadlines and the sweep. Nil means the wall clock.
	Clock clock.Clock

	// Logger for operational messages. Nil means slog.Default().
	Logger *slog.Logger
}

// Stats counts watchdog activity.
type Stats struct {
	Renewals uint64
	Expiries uint64
	Resets   uint64
	Failures uint64
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// Watchdog tracks actuator channels and reverts them when commands stop.
//
// While started, every Renew arms a deadline one interval out and the
// channel is reset the moment it passes. A periodic sweep retries channels
// whose reset failed.
type Watchdog struct {
	mu sync.Mutex

	interval    time.Duration
	sweepPeriod time.Duration
	locker      sync.Locker
	clock       clock.Clock
	logger      *slog.Logger
	reset       ResetFunc

	entries map[Key]*entry
	stats   Stats

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	onStateChange func(key Key, oldState, newState State, reason string)
}

// New creates a watchdog that uses reset to write safe defaults.
func New(cfg Config, reset ResetFunc) (*Watchdog, error) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < MinInterval {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, cfg.Interval)
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = cfg.Interval / 4
	}
	if cfg.Locker == nil {
		cfg.Locker = nopLocker{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Watchdog{
		interval:    cfg.Interval,
		sweepPeriod: cfg.SweepPeriod,
		locker:      cfg.Locker,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		reset:       reset,
		entries:     make(map[Key]*entry),
	}, nil
}

// Interval returns the expiry interval.
func (w *Watchdog) Interval() time.Duration {
	return w.interval
}

// OnStateChange sets a callback for channel state changes. The callback
// runs with internal locks held and must not call back into the watchdog.
func (w *Watchdog) OnStateChange(fn func(key Key, oldState, newState State, reason string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStateChange = fn
}

// Register adds an idle channel with its safe default. Registering an
// existing channel is a no-op.
func (w *Watchdog) Register(key Key, safe float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[key]; ok {
		return
	}
	w.entries[key] = &entry{Entry: Entry{Key: key, State: StateIdle, Commanded: safe, Safe: safe}}
}

// Renew records a freshly written command and arms the channel.
// Call it after the driver accepted the value.
func (w *Watchdog) Renew(key Key, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, key)
	}
	old := e.State
	e.State = StateArmed
	e.Commanded = value
	e.LastRenewed = w.clock.Now()
	w.stats.Renewals++
	if w.running {
		w.armLocked(e, w.interval)
	}

	if old != StateArmed {
		w.notify(key, old, StateArmed, "set")
	}
	return nil
}

// Sweep resets every armed channel whose last renewal is at least one
// interval old. It returns the keys that expired. The background loop
// calls it periodically; tests may call it directly.
func (w *Watchdog) Sweep() []Key {
	w.locker.Lock()
	defer w.locker.Unlock()

	w.mu.Lock()
	now := w.clock.Now()
	var expired []*entry
	for _, e := range w.entries {
		if e.State == StateArmed && now.Sub(e.LastRenewed) >= w.interval {
			expired = append(expired, e)
		}
	}
	sortEntries(expired)
	keys := w.resetLocked(expired, "expired")
	w.stats.Expiries += uint64(len(keys))
	w.mu.Unlock()

	for _, k := range keys {
		w.logger.Warn("actuator command expired", "channel", k.String(), "interval", w.interval)
	}
	return keys
}

// armLocked replaces the deadline of e with one that fires after d.
func (w *Watchdog) armLocked(e *entry, d time.Duration) {
	w.disarmLocked(e)
	key, gen := e.Key, e.gen
	e.deadline = w.clock.AfterFunc(d, func() { w.expire(key, gen) })
}

func (w *Watchdog) disarmLocked(e *entry) {
	e.gen++
	if e.deadline != nil {
		e.deadline.Stop()
		e.deadline = nil
	}
}

// expire resets the channel key unless it was renewed or reset since the
// deadline for gen was armed.
func (w *Watchdog) expire(key Key, gen uint64) {
	w.locker.Lock()
	defer w.locker.Unlock()

	w.mu.Lock()
	e, ok := w.entries[key]
	if !ok || !w.running || e.gen != gen || e.State != StateArmed {
		w.mu.Unlock()
		return
	}
	e.deadline = nil
	keys := w.resetLocked([]*entry{e}, "expired")
	w.stats.Expiries += uint64(len(keys))
	w.mu.Unlock()

	if len(keys) > 0 {
		w.logger.Warn("actuator command expired", "channel", key.String(), "interval", w.interval)
	}
}

// Reset immediately writes the safe default of every armed channel of
// capability. An empty capability resets all channels.
func (w *Watchdog) Reset(capability, reason string) error {
	w.locker.Lock()
	defer w.locker.Unlock()
	return w.ResetHeld(capability, reason)
}

// ResetHeld is Reset for callers that already hold the Locker.
func (w *Watchdog) ResetHeld(capability, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var targets []*entry
	for k, e := range w.entries {
		if (capability == "" || k.Capability == capability) && e.State == StateArmed {
			targets = append(targets, e)
		}
	}
	sortEntries(targets)

	var err error
	for _, e := range targets {
		if rerr := w.writeSafe(e, reason); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

// resetLocked writes safe defaults and returns the keys that were reset.
// Channels whose write fails stay armed so the next sweep retries.
func (w *Watchdog) resetLocked(entries []*entry, reason string) []Key {
	var keys []Key
	for _, e := range entries {
		if err := w.writeSafe(e, reason); err != nil {
			w.logger.Error("watchdog reset failed", "channel", e.Key.String(), "error", err)
			continue
		}
		keys = append(keys, e.Key)
	}
	return keys
}

func (w *Watchdog) writeSafe(e *entry, reason string) error {
	if w.reset != nil {
		if err := w.reset(e.Key, e.Safe); err != nil {
			w.stats.Failures++
			return fmt.Errorf("reset %s: %w", e.Key, err)
		}
	}
	w.disarmLocked(e)
	old := e.State
	e.State = StateIdle
	e.Commanded = e.Safe
	w.stats.Resets++
	w.notify(e.Key, old, StateIdle, reason)
	return nil
}

func (w *Watchdog) notify(key Key, oldState, newState State, reason string) {
	if w.onStateChange != nil {
		w.onStateChange(key, oldState, newState, reason)
	}
}

// Entry returns a snapshot of one channel.
func (w *Watchdog) Entry(key Key) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Entries returns snapshots of all channels, ordered by key.
func (w *Watchdog) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e.Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Stats returns a snapshot of the counters.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Start enforces deadlines and runs the retry sweep until Stop is called
// or ctx is done. Channels armed before Start expire one interval after
// their last renewal.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	now := w.clock.Now()
	for _, e := range w.entries {
		if e.State == StateArmed {
			w.armLocked(e, max(e.ExpiresAt(w.interval).Sub(now), 0))
		}
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	ticker := w.clock.Ticker(w.sweepPeriod)
	w.mu.Unlock()

	go func() {
		defer close(doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				w.Sweep()
			}
		}
	}()
}

// Stop disarms all deadlines, ends the sweep and waits for it to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for _, e := range w.entries {
		w.disarmLocked(e)
	}
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
}

func sortEntries(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
}
