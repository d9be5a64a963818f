package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	throttle = Key{Capability: "CarMotors", Channel: "throttle"}
	steering = Key{Capability: "CarMotors", Channel: "steering"}
)

// fakeDriver records the last value written per channel.
type fakeDriver struct {
	mu     sync.Mutex
	values map[Key]float64
	writes int
	fail   error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{values: make(map[Key]float64)}
}

func (d *fakeDriver) set(k Key, v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[k] = v
}

func (d *fakeDriver) reset(k Key, safe float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.values[k] = safe
	d.writes++
	return nil
}

func (d *fakeDriver) value(k Key) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[k]
}

func newTestWatchdog(t *testing.T, d *fakeDriver) (*Watchdog, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	w, err := New(Config{Interval: time.Second, Clock: clk}, d.reset)
	require.NoError(t, err)
	w.Register(throttle, 0)
	w.Register(steering, 0)
	return w, clk
}

func TestNewValidatesInterval(t *testing.T) {
	_, err := New(Config{Interval: time.Millisecond}, nil)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	w, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, w.Interval())
	assert.Equal(t, DefaultInterval/4, w.sweepPeriod)
}

func TestRenewUnknownChannel(t *testing.T) {
	w, _ := newTestWatchdog(t, newFakeDriver())
	err := w.Renew(Key{Capability: "CarMotors", Channel: "horn"}, 1)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestSweepExpiresStaleCommand(t *testing.T) {
	d := newFakeDriver()
	w, clk := newTestWatchdog(t, d)

	d.set(throttle, 50)
	require.NoError(t, w.Renew(throttle, 50))

	e, _ := w.Entry(throttle)
	assert.Equal(t, StateArmed, e.State)
	assert.Equal(t, 50.0, e.Commanded)

	clk.Add(999 * time.Millisecond)
	assert.Empty(t, w.Sweep())
	assert.Equal(t, 50.0, d.value(throttle))

	clk.Add(time.Millisecond)
	assert.Equal(t, []Key{throttle}, w.Sweep())
	assert.Equal(t, 0.0, d.value(throttle))

	e, _ = w.Entry(throttle)
	assert.Equal(t, StateIdle, e.State)
	assert.Equal(t, 0.0, e.Commanded)

	// Idle channels are not written again.
	assert.Empty(t, w.Sweep())
	assert.Equal(t, 1, d.writes)
	assert.Equal(t, uint64(1), w.Stats().Expiries)
}

func TestRenewKeepsCommandAlive(t *testing.T) {
	d := newFakeDriver()
	w, clk := newTestWatchdog(t, d)

	d.set(steering, 20)
	require.NoError(t, w.Renew(steering, 20))
	for i := 0; i < 10; i++ {
		clk.Add(500 * time.Millisecond)
		require.NoError(t, w.Renew(steering, 20))
		assert.Empty(t, w.Sweep())
	}
	assert.Equal(t, 20.0, d.value(steering))
}

func TestChannelsExpireIndependently(t *testing.T) {
	d := newFakeDriver()
	w, clk := newTestWatchdog(t, d)

	require.NoError(t, w.Renew(throttle, 30))
	clk.Add(600 * time.Millisecond)
	require.NoError(t, w.Renew(steering, -10))
	clk.Add(600 * time.Millisecond)

	assert.Equal(t, []Key{throttle}, w.Sweep())
	clk.Add(600 * time.Millisecond)
	assert.Equal(t, []Key{steering}, w.Sweep())
}

func TestResetCapability(t *testing.T) {
	d := newFakeDriver()
	w, _ := newTestWatchdog(t, d)
	other := Key{Capability: "Winch", Channel: "speed"}
	w.Register(other, 0)

	d.set(throttle, 80)
	d.set(other, 5)
	require.NoError(t, w.Renew(throttle, 80))
	require.NoError(t, w.Renew(other, 5))

	require.NoError(t, w.Reset("CarMotors", "disconnect"))
	assert.Equal(t, 0.0, d.value(throttle))
	assert.Equal(t, 5.0, d.value(other))

	e, _ := w.Entry(other)
	assert.Equal(t, StateArmed, e.State)

	require.NoError(t, w.Reset("", "shutdown"))
	assert.Equal(t, 0.0, d.value(other))
}

func TestFailedResetStaysArmed(t *testing.T) {
	d := newFakeDriver()
	w, clk := newTestWatchdog(t, d)

	require.NoError(t, w.Renew(throttle, 40))
	clk.Add(2 * time.Second)

	d.fail = errors.New("serial link down")
	assert.Empty(t, w.Sweep())
	e, _ := w.Entry(throttle)
	assert.Equal(t, StateArmed, e.State)
	assert.Equal(t, uint64(1), w.Stats().Failures)

	d.fail = nil
	assert.Equal(t, []Key{throttle}, w.Sweep())
}

func TestStateChangeCallback(t *testing.T) {
	d := newFakeDriver()
	w, clk := newTestWatchdog(t, d)

	var transitions []string
	w.OnStateChange(func(k Key, oldState, newState State, reason string) {
		transitions = append(transitions, k.String()+":"+oldState.String()+"->"+newState.String()+":"+reason)
	})

	require.NoError(t, w.Renew(throttle, 10))
	require.NoError(t, w.Renew(throttle, 12))
	clk.Add(time.Second)
	w.Sweep()

	assert.Equal(t, []string{
		"CarMotors.throttle:IDLE->ARMED:set",
		"CarMotors.throttle:ARMED->IDLE:expired",
	}, transitions)
}

func TestSweepHoldsLocker(t *testing.T) {
	var lock sync.Mutex
	d := newFakeDriver()
	clk := clock.NewMock()

	var heldDuringReset bool
	w, err := New(Config{Interval: time.Second, Clock: clk, Locker: &lock}, func(k Key, safe float64) error {
		heldDuringReset = !lock.TryLock()
		if !heldDuringReset {
			lock.Unlock()
		}
		return d.reset(k, safe)
	})
	require.NoError(t, err)
	w.Register(throttle, 0)

	require.NoError(t, w.Renew(throttle, 50))
	clk.Add(time.Second)
	w.Sweep()
	assert.True(t, heldDuringReset)
}

func TestBackgroundSweep(t *testing.T) {
	d := newFakeDriver()
	w, clk := newTestWatchdog(t, d)

	w.Start(context.Background())
	defer w.Stop()

	d.set(throttle, 50)
	require.NoError(t, w.Renew(throttle, 50))

	// Advance in sweep-sized steps so the ticker fires.
	require.Eventually(t, func() bool {
		clk.Add(250 * time.Millisecond)
		return d.value(throttle) == 0
	}, 2*time.Second, 5*time.Millisecond)

	w.Stop()
	assert.NotPanics(t, w.Stop)
}

func TestEntriesSorted(t *testing.T) {
	w, _ := newTestWatchdog(t, newFakeDriver())
	entries := w.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, steering, entries[0].Key)
	assert.Equal(t, throttle, entries[1].Key)
}

func newStartedWatchdog(t *testing.T, d *fakeDriver, locker sync.Locker) (*Watchdog, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	// A sweep period this long never ticks; only deadlines can reset.
	w, err := New(Config{Interval: time.Second, SweepPeriod: time.Hour, Clock: clk, Locker: locker}, d.reset)
	require.NoError(t, err)
	w.Register(throttle, 0)
	w.Register(steering, 0)
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w, clk
}

func TestDeadlineResetsAtInterval(t *testing.T) {
	d := newFakeDriver()
	w, clk := newStartedWatchdog(t, d, nil)

	clk.Add(10 * time.Millisecond)
	d.set(throttle, 50)
	require.NoError(t, w.Renew(throttle, 50))

	clk.Add(999 * time.Millisecond)
	assert.Never(t, func() bool { return d.value(throttle) != 50 }, 30*time.Millisecond, time.Millisecond)

	clk.Add(2 * time.Millisecond)
	require.Eventually(t, func() bool { return d.value(throttle) == 0 }, time.Second, time.Millisecond)
	e, _ := w.Entry(throttle)
	assert.Equal(t, StateIdle, e.State)
	assert.Equal(t, uint64(1), w.Stats().Expiries)
}

func TestRenewPushesDeadline(t *testing.T) {
	d := newFakeDriver()
	w, clk := newStartedWatchdog(t, d, nil)

	d.set(steering, 20)
	require.NoError(t, w.Renew(steering, 20))
	clk.Add(800 * time.Millisecond)
	require.NoError(t, w.Renew(steering, 25))
	d.set(steering, 25)

	clk.Add(300 * time.Millisecond)
	assert.Never(t, func() bool { return d.value(steering) != 25 }, 30*time.Millisecond, time.Millisecond)

	clk.Add(700 * time.Millisecond)
	require.Eventually(t, func() bool { return d.value(steering) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, d.writes)
}

func TestStartArmsPendingCommands(t *testing.T) {
	d := newFakeDriver()
	clk := clock.NewMock()
	w, err := New(Config{Interval: time.Second, SweepPeriod: time.Hour, Clock: clk}, d.reset)
	require.NoError(t, err)
	w.Register(throttle, 0)

	d.set(throttle, 60)
	require.NoError(t, w.Renew(throttle, 60))
	clk.Add(600 * time.Millisecond)

	w.Start(context.Background())
	defer w.Stop()
	clk.Add(400 * time.Millisecond)
	require.Eventually(t, func() bool { return d.value(throttle) == 0 }, time.Second, time.Millisecond)
}

func TestStopDisarmsDeadlines(t *testing.T) {
	d := newFakeDriver()
	w, clk := newStartedWatchdog(t, d, nil)

	d.set(throttle, 35)
	require.NoError(t, w.Renew(throttle, 35))
	w.Stop()

	clk.Add(5 * time.Second)
	assert.Never(t, func() bool { return d.value(throttle) != 35 }, 30*time.Millisecond, time.Millisecond)
	e, _ := w.Entry(throttle)
	assert.Equal(t, StateArmed, e.State)
}

func TestDeadlineWaitsForLocker(t *testing.T) {
	var lock sync.Mutex
	d := newFakeDriver()
	w, clk := newStartedWatchdog(t, d, &lock)

	d.set(throttle, 70)
	require.NoError(t, w.Renew(throttle, 70))

	lock.Lock()
	clk.Add(time.Second)
	assert.Never(t, func() bool { return d.value(throttle) != 70 }, 30*time.Millisecond, time.Millisecond)
	lock.Unlock()

	require.Eventually(t, func() bool { return d.value(throttle) == 0 }, time.Second, time.Millisecond)
}

func TestResetHeldSkipsLocker(t *testing.T) {
	var lock sync.Mutex
	d := newFakeDriver()
	w, _ := newStartedWatchdog(t, d, &lock)

	d.set(throttle, 45)
	require.NoError(t, w.Renew(throttle, 45))

	lock.Lock()
	require.NoError(t, w.ResetHeld("CarMotors", "released"))
	lock.Unlock()
	assert.Equal(t, 0.0, d.value(throttle))
}
