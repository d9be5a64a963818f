// Package idle implements the idle-release countdown for devices that are
// expensive to open, such as the camera sensor.
//
// When the last handle of such a device is released the broker arms a
// Timer instead of closing the device. An acquire before expiry cancels the
// countdown and reuses the open device. On expiry the broker closes the
// device, but only if the countdown it armed is still the current one: each
// Arm and Cancel bumps a generation number, and Claim rejects stale ones.
package idle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultWindow is the default idle window.
const DefaultWindow = 60 * time.Second

// ErrInvalidWindow is returned for a non-positive window.
var ErrInvalidWindow = errors.New("invalid idle window")

// Timer is a cancellable, generation-checked countdown.
type Timer struct {
	mu sync.Mutex

	clock    clock.Clock
	window   time.Duration
	onExpire func(gen uint64)

	gen     uint64
	armed   bool
	timer   *clock.Timer
	armedAt time.Time
}

// NewTimer creates a timer that calls onExpire with the generation of the
// countdown that ran out. onExpire runs on its own goroutine and must call
// Claim before acting.
func NewTimer(window time.Duration, clk clock.Clock, onExpire func(gen uint64)) (*Timer, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWindow, window)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{
		clock:    clk,
		window:   window,
		onExpire: onExpire,
	}, nil
}

// Window returns the idle window.
func (t *Timer) Window() time.Duration {
	return t.window
}

// Arm starts a new countdown, replacing any running one, and returns its
// generation.
func (t *Timer) Arm() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	t.armed = true
	t.armedAt = t.clock.Now()

	gen := t.gen
	t.timer = t.clock.AfterFunc(t.window, func() {
		if t.onExpire != nil {
			t.onExpire(gen)
		}
	})
	return gen
}

// Cancel stops the running countdown. It returns true if one was running.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return false
	}
	t.stopLocked()
	t.gen++
	t.armed = false
	return true
}

// Claim reports whether gen is the running countdown and, if so, marks it
// consumed. Only the first Claim of a generation succeeds.
func (t *Timer) Claim(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed || gen != t.gen {
		return false
	}
	t.armed = false
	t.timer = nil
	return true
}

// Pending reports whether a countdown is running.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Remaining returns the time left on the running countdown, or zero.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return 0
	}
	remaining := t.window - t.clock.Since(t.armedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *Timer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
