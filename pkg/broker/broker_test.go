package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/stream"
	"github.com/rovekit/rovekit-go/pkg/watchdog"
)

// fakeDriver records the values written to it.
type fakeDriver struct {
	mu     sync.Mutex
	descs  []capability.Descriptor
	values map[string]any
	writes []string
	reads  int
	opens  int
	closes int
	closed bool
}

func newFakeDriver(descs ...capability.Descriptor) *fakeDriver {
	return &fakeDriver{descs: descs, values: make(map[string]any)}
}

func (d *fakeDriver) Probe(context.Context) ([]capability.Descriptor, error) {
	return d.descs, nil
}

func (d *fakeDriver) Invoke(_ context.Context, capName, op string, args capability.Args) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op {
	case "set_throttle":
		d.values[capName+".throttle"] = args["throttle"]
	case "set_steering":
		d.values[capName+".steering"] = args["steering"]
	case "set_duty":
		d.values[fmt.Sprintf("%s.duty%v", capName, args["pin"])] = args["duty"]
	case "write_text":
		d.values[capName+".text"] = args["text"]
	case "read", "capture":
		d.reads++
		return capability.Vector{X: float64(d.reads)}, nil
	}
	d.writes = append(d.writes, capName+"."+op)
	return nil, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) value(key string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[key]
}

func (d *fakeDriver) count(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Count(d.writes, call)
}

// deviceDriver adds device open and close to fakeDriver.
type deviceDriver struct {
	*fakeDriver
}

func (d deviceDriver) OpenDevice(context.Context, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return nil
}

func (d deviceDriver) CloseDevice(string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

type stubDriver struct{ mock.Mock }

func (s *stubDriver) Probe(ctx context.Context) ([]capability.Descriptor, error) {
	ret := s.Called(ctx)
	var descs []capability.Descriptor
	if ret.Get(0) != nil {
		descs = ret.Get(0).([]capability.Descriptor)
	}
	return descs, ret.Error(1)
}

func (s *stubDriver) Invoke(ctx context.Context, capName, op string, args capability.Args) (any, error) {
	ret := s.Called(ctx, capName, op, args)
	return ret.Get(0), ret.Error(1)
}

func (s *stubDriver) Close() error {
	return s.Called().Error(0)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.StreamInterval == 0 {
		cfg.StreamInterval = time.Millisecond
	}
	b, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func controllerBroker(t *testing.T, clk clock.Clock) (*Broker, *fakeDriver) {
	t.Helper()
	drv := newFakeDriver(capability.ProbeFamily(capability.FamilyController, 1)...)
	return newTestBroker(t, Config{Driver: drv, Clock: clk}), drv
}

func TestNewRejectsForeignFamily(t *testing.T) {
	drv := newFakeDriver(capability.Describe(capability.KindCarMotors, 1))
	_, err := New(context.Background(), Config{Name: "camera", Family: capability.FamilyCamera, Driver: drv, Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Name: "none"})
	assert.Error(t, err)
}

func TestListSortedByName(t *testing.T) {
	b, _ := controllerBroker(t, nil)

	list := b.List()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}

	d, err := b.Lookup("CarMotors")
	require.NoError(t, err)
	assert.Equal(t, capability.Exclusive, d.Sharing)
}

func TestAcquireErrors(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	ctx := context.Background()

	_, err := b.Acquire(ctx, "c1", "Teleporter", 0)
	assert.ErrorIs(t, err, capability.ErrNotFound)

	_, err = b.Acquire(ctx, "c1", "Gyroscope", 7)
	assert.ErrorIs(t, err, capability.ErrVersionMismatch)

	h, err := b.Acquire(ctx, "c1", "Gyroscope", 1)
	require.NoError(t, err)
	assert.Equal(t, "c1", h.Owner)
	assert.Equal(t, "Gyroscope", h.Capability)
}

func TestConcurrentExclusiveAcquire(t *testing.T) {
	b, _ := controllerBroker(t, nil)

	const n = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		busy      atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Acquire(context.Background(), fmt.Sprintf("conn-%d", i), "CarMotors", 0)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, capability.ErrAlreadyHeld):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(n-1), busy.Load())
	assert.Equal(t, 1, b.Stats().HandlesLive)
}

func TestExclusiveReacquireBySameConnection(t *testing.T) {
	b, _ := controllerBroker(t, nil)

	_, err := b.Acquire(context.Background(), "c1", "CarMotors", 0)
	require.NoError(t, err)
	_, err = b.Acquire(context.Background(), "c1", "CarMotors", 0)
	assert.ErrorIs(t, err, capability.ErrAlreadyHeld)
}

func TestSharedHolderLimit(t *testing.T) {
	gyro := capability.Describe(capability.KindGyroscope, 1)
	gyro.MaxHolders = 2
	b := newTestBroker(t, Config{Driver: newFakeDriver(gyro)})
	ctx := context.Background()

	_, err := b.Acquire(ctx, "c1", "Gyroscope", 0)
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "c1", "Gyroscope", 0)
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "c2", "Gyroscope", 0)
	assert.ErrorIs(t, err, capability.ErrAlreadyHeld)
}

func TestReleaseErrors(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	ctx := context.Background()

	h, err := b.Acquire(ctx, "c1", "LEDs", 0)
	require.NoError(t, err)

	tests := []struct {
		name   string
		conn   string
		id     uint32
		before func()
		want   error
	}{
		{name: "never issued", conn: "c1", id: 999, want: capability.ErrNotOwner},
		{name: "zero id", conn: "c1", id: 0, want: capability.ErrNotOwner},
		{name: "other connection", conn: "c2", id: h.ID, want: capability.ErrNotOwner},
		{name: "owner", conn: "c1", id: h.ID},
		{name: "second release", conn: "c1", id: h.ID, want: capability.ErrAlreadyReleased},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Release(tt.conn, tt.id)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestReleaseConnectionFreesAllHandles(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	ctx := context.Background()

	for _, name := range []string{"CarMotors", "Gyroscope", "LEDs"} {
		_, err := b.Acquire(ctx, "doomed", name, 0)
		require.NoError(t, err)
	}
	other, err := b.Acquire(ctx, "survivor", "Gyroscope", 0)
	require.NoError(t, err)

	assert.Equal(t, 3, b.ReleaseConnection("doomed", "peer_gone"))
	assert.Empty(t, b.Handles("doomed"))
	assert.Equal(t, []Handle{other}, b.Handles("survivor"))
	assert.Equal(t, 0, b.ReleaseConnection("doomed", "peer_gone"))

	_, err = b.Acquire(ctx, "next", "CarMotors", 0)
	assert.NoError(t, err)
}

func TestInvokeValidation(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	ctx := context.Background()

	h, err := b.Acquire(ctx, "c1", "LEDs", 0)
	require.NoError(t, err)

	_, err = b.Invoke(ctx, "c1", h.ID, "self_destruct", nil)
	assert.ErrorIs(t, err, capability.ErrInvalidArgs)

	_, err = b.Invoke(ctx, "c1", h.ID, "set_led", capability.Args{"led": "red"})
	assert.ErrorIs(t, err, capability.ErrInvalidArgs)

	_, err = b.Invoke(ctx, "c2", h.ID, "led_map", nil)
	assert.ErrorIs(t, err, capability.ErrNotOwner)

	_, err = b.Invoke(ctx, "c1", h.ID, "set_led", capability.Args{"led": "red", "on": true})
	assert.NoError(t, err)

	require.NoError(t, b.Release("c1", h.ID))
	_, err = b.Invoke(ctx, "c1", h.ID, "led_map", nil)
	assert.ErrorIs(t, err, capability.ErrNotOwner)
}

func TestInvokeClampsActuators(t *testing.T) {
	b, drv := controllerBroker(t, clock.NewMock())
	ctx := context.Background()

	h, err := b.Acquire(ctx, "c1", "CarMotors", 0)
	require.NoError(t, err)

	_, err = b.Invoke(ctx, "c1", h.ID, "set_steering", capability.Args{"steering": 90})
	require.NoError(t, err)
	assert.Equal(t, 45.0, drv.value("CarMotors.steering"))

	_, err = b.Invoke(ctx, "c1", h.ID, "set_throttle", capability.Args{"throttle": int64(-250)})
	require.NoError(t, err)
	assert.Equal(t, -100.0, drv.value("CarMotors.throttle"))
}

func TestWatchdogExpiryWritesSafeDefault(t *testing.T) {
	clk := clock.NewMock()
	b, drv := controllerBroker(t, clk)
	ctx := context.Background()

	h, err := b.Acquire(ctx, "c1", "CarMotors", 0)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "c1", h.ID, "set_throttle", capability.Args{"throttle": 50.0})
	require.NoError(t, err)
	assert.Equal(t, 50.0, drv.value("CarMotors.throttle"))

	clk.Add(500 * time.Millisecond)
	assert.Empty(t, b.Watchdog().Sweep())
	assert.Equal(t, 50.0, drv.value("CarMotors.throttle"))

	// Renewal pushes the deadline out.
	_, err = b.Invoke(ctx, "c1", h.ID, "set_throttle", capability.Args{"throttle": 50.0})
	require.NoError(t, err)
	clk.Add(900 * time.Millisecond)
	assert.Empty(t, b.Watchdog().Sweep())

	clk.Add(200 * time.Millisecond)
	expired := b.Watchdog().Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, "CarMotors.throttle", expired[0].String())
	assert.Equal(t, 0.0, drv.value("CarMotors.throttle"))

	// The handle survives expiry.
	assert.Len(t, b.Handles("c1"), 1)
}

func TestStartedWatchdogResetsWithinInterval(t *testing.T) {
	clk := clock.NewMock()
	b, drv := controllerBroker(t, clk)
	ctx := context.Background()
	b.Start(ctx)

	h, err := b.Acquire(ctx, "pilot", "CarMotors", 0)
	require.NoError(t, err)
	clk.Add(10 * time.Millisecond)
	_, err = b.Invoke(ctx, "pilot", h.ID, "set_throttle", capability.Args{"throttle": 50.0})
	require.NoError(t, err)

	clk.Add(999 * time.Millisecond)
	assert.Never(t, func() bool { return drv.value("CarMotors.throttle") != 50.0 }, 30*time.Millisecond, time.Millisecond)

	// One millisecond past the interval, well before the next sweep tick.
	clk.Add(2 * time.Millisecond)
	require.Eventually(t, func() bool { return drv.value("CarMotors.throttle") == 0.0 }, time.Second, time.Millisecond)
}

func TestIndexedActuatorResetsItsPin(t *testing.T) {
	clk := clock.NewMock()
	b, drv := controllerBroker(t, clk)
	ctx := context.Background()
	b.Start(ctx)

	h, err := b.Acquire(ctx, "lamp", "PWMs", 0)
	require.NoError(t, err)

	_, err = b.Invoke(ctx, "lamp", h.ID, "set_duty", capability.Args{"pin": int64(4), "duty": 10.0})
	require.ErrorIs(t, err, capability.ErrInvalidArgs)

	_, err = b.Invoke(ctx, "lamp", h.ID, "set_duty", capability.Args{"pin": uint64(2), "duty": 140.0})
	require.NoError(t, err)
	assert.Equal(t, 100.0, drv.value("PWMs.duty2"), "duty is clamped")

	e, ok := b.Watchdog().Entry(watchdog.Key{Capability: "PWMs", Channel: "duty2"})
	require.True(t, ok)
	assert.Equal(t, watchdog.StateArmed, e.State)
	e, ok = b.Watchdog().Entry(watchdog.Key{Capability: "PWMs", Channel: "duty0"})
	require.True(t, ok)
	assert.Equal(t, watchdog.StateIdle, e.State)

	clk.Add(1001 * time.Millisecond)
	require.Eventually(t, func() bool { return drv.value("PWMs.duty2") == 0.0 }, time.Second, time.Millisecond)
	assert.Nil(t, drv.value("PWMs.duty0"), "untouched pins are left alone")
}

func TestResetOpDisablesSteeringLoop(t *testing.T) {
	clk := clock.NewMock()
	b, drv := controllerBroker(t, clk)
	ctx := context.Background()
	b.Start(ctx)

	h, err := b.Acquire(ctx, "pilot", "PidSteering", 0)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "pilot", h.ID, "enable", nil)
	require.NoError(t, err)

	e, ok := b.Watchdog().Entry(watchdog.Key{Capability: "PidSteering", Channel: "loop"})
	require.True(t, ok)
	assert.Equal(t, watchdog.StateArmed, e.State)
	assert.Equal(t, 1.0, e.Commanded)

	// A new set point keeps the loop alive.
	clk.Add(600 * time.Millisecond)
	_, err = b.Invoke(ctx, "pilot", h.ID, "set_point", capability.Args{"point": 15.0})
	require.NoError(t, err)
	clk.Add(600 * time.Millisecond)
	assert.Never(t, func() bool { return drv.count("PidSteering.disable") > 0 }, 30*time.Millisecond, time.Millisecond)

	clk.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return drv.count("PidSteering.disable") == 1 }, time.Second, time.Millisecond)
}

func TestCarMotorsHandoff(t *testing.T) {
	b, drv := controllerBroker(t, clock.NewMock())
	ctx := context.Background()

	a, err := b.Acquire(ctx, "A", "CarMotors", 0)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "A", a.ID, "set_throttle", capability.Args{"throttle": 30.0})
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "B", "CarMotors", 0)
	assert.ErrorIs(t, err, capability.ErrAlreadyHeld)

	require.NoError(t, b.Release("A", a.ID))
	assert.Equal(t, 0.0, drv.value("CarMotors.throttle"))

	bh, err := b.Acquire(ctx, "B", "CarMotors", 0)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "B", bh.ID, "set_steering", capability.Args{"steering": -10.0})
	assert.NoError(t, err)

	_, err = b.Invoke(ctx, "A", a.ID, "set_throttle", capability.Args{"throttle": 30.0})
	assert.ErrorIs(t, err, capability.ErrNotOwner)
}

func TestDisconnectResetsActuators(t *testing.T) {
	b, drv := controllerBroker(t, clock.NewMock())
	ctx := context.Background()

	h, err := b.Acquire(ctx, "A", "CarMotors", 0)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "A", h.ID, "set_throttle", capability.Args{"throttle": 80.0})
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "A", h.ID, "set_steering", capability.Args{"steering": 20.0})
	require.NoError(t, err)

	assert.Equal(t, 1, b.ReleaseConnection("A", "peer_gone"))
	assert.Equal(t, 0.0, drv.value("CarMotors.throttle"))
	assert.Equal(t, 0.0, drv.value("CarMotors.steering"))
}

// slowResetDriver blocks the throttle reset until gate is closed.
type slowResetDriver struct {
	*fakeDriver
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (d *slowResetDriver) Invoke(ctx context.Context, capName, op string, args capability.Args) (any, error) {
	if op == "set_throttle" && args["throttle"] == 0.0 {
		d.once.Do(func() { close(d.entered) })
		<-d.gate
	}
	return d.fakeDriver.Invoke(ctx, capName, op, args)
}

func TestHandoffCommandFollowsReset(t *testing.T) {
	drv := &slowResetDriver{
		fakeDriver: newFakeDriver(capability.ProbeFamily(capability.FamilyController, 1)...),
		entered:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
	b := newTestBroker(t, Config{Driver: drv, Clock: clock.NewMock()})
	ctx := context.Background()

	a, err := b.Acquire(ctx, "A", "CarMotors", 0)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "A", a.ID, "set_throttle", capability.Args{"throttle": 30.0})
	require.NoError(t, err)

	go b.ReleaseConnection("A", "peer_gone")
	<-drv.entered

	handedOver := make(chan error, 1)
	go func() {
		h, err := b.Acquire(ctx, "B", "CarMotors", 0)
		if err == nil {
			_, err = b.Invoke(ctx, "B", h.ID, "set_throttle", capability.Args{"throttle": 40.0})
		}
		handedOver <- err
	}()
	assert.Never(t, func() bool { return len(handedOver) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(drv.gate)
	require.NoError(t, <-handedOver)
	assert.Equal(t, 40.0, drv.value("CarMotors.throttle"))
	e, ok := b.Watchdog().Entry(watchdog.Key{Capability: "CarMotors", Channel: "throttle"})
	require.True(t, ok)
	assert.Equal(t, watchdog.StateArmed, e.State)
	assert.Equal(t, 40.0, e.Commanded)
}

func TestConcurrentDisplayWrites(t *testing.T) {
	drv := newFakeDriver(capability.ProbeFamily(capability.FamilyDisplay, 1)...)
	b := newTestBroker(t, Config{Driver: drv})
	ctx := context.Background()

	texts := []string{"hello from one", "hello from two"}
	var wg sync.WaitGroup
	for i, text := range texts {
		conn := fmt.Sprintf("c%d", i)
		h, err := b.Acquire(ctx, conn, "Console", 0)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Invoke(ctx, conn, h.ID, "write_text", capability.Args{"text": text})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Contains(t, texts, drv.value("Console.text"))
}

func TestDriverPanicIsHardwareFault(t *testing.T) {
	drv := &stubDriver{}
	drv.On("Probe", mock.Anything).Return([]capability.Descriptor(capability.ProbeFamily(capability.FamilyController, 1)), nil)
	drv.On("Invoke", mock.Anything, "Gyroscope", "read", mock.Anything).Run(func(mock.Arguments) {
		panic("i2c bus stuck")
	})
	drv.On("Invoke", mock.Anything, "LEDs", "led_map", mock.Anything).Return(map[string]int{"red": 1}, nil)
	drv.On("Invoke", mock.Anything, "Buzzer", "play", mock.Anything).Return(nil, errors.New("speaker unplugged"))
	drv.On("Invoke", mock.Anything, "Encoders", "read_counts", mock.Anything).
		Return(nil, fmt.Errorf("encoder 9: %w", capability.ErrInvalidArgs))
	drv.On("Close").Return(nil)

	b := newTestBroker(t, Config{Driver: drv})
	ctx := context.Background()

	gyro, err := b.Acquire(ctx, "c1", "Gyroscope", 0)
	require.NoError(t, err)
	leds, err := b.Acquire(ctx, "c1", "LEDs", 0)
	require.NoError(t, err)
	buzzer, err := b.Acquire(ctx, "c1", "Buzzer", 0)
	require.NoError(t, err)
	enc, err := b.Acquire(ctx, "c1", "Encoders", 0)
	require.NoError(t, err)

	_, err = b.Invoke(ctx, "c1", gyro.ID, "read", nil)
	assert.ErrorIs(t, err, capability.ErrHardwareFault)
	assert.Contains(t, err.Error(), "i2c bus stuck")

	// Other capabilities keep working and the lock was released.
	result, err := b.Invoke(ctx, "c1", leds.ID, "led_map", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"red": 1}, result)

	_, err = b.Invoke(ctx, "c1", buzzer.ID, "play", capability.Args{"notes": "EEE"})
	assert.ErrorIs(t, err, capability.ErrHardwareFault)

	_, err = b.Invoke(ctx, "c1", enc.ID, "read_counts", capability.Args{"index": 9})
	assert.ErrorIs(t, err, capability.ErrInvalidArgs)
	assert.NotErrorIs(t, err, capability.ErrHardwareFault)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Faults["Gyroscope"])
	assert.Equal(t, uint64(1), stats.Faults["Buzzer"])
	assert.Zero(t, stats.Faults["Encoders"])

	require.NoError(t, b.Close())
	drv.AssertExpectations(t)
}

func TestInvokeRevalidatesAfterLock(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	drv := &stubDriver{}
	drv.On("Probe", mock.Anything).Return([]capability.Descriptor(capability.ProbeFamily(capability.FamilyController, 1)), nil)
	drv.On("Invoke", mock.Anything, "LoopFrequency", "read", mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(120.0, nil).Once()
	drv.On("Close").Return(nil)

	b := newTestBroker(t, Config{Driver: drv})
	ctx := context.Background()

	slow, err := b.Acquire(ctx, "A", "LoopFrequency", 0)
	require.NoError(t, err)
	victim, err := b.Acquire(ctx, "B", "Gyroscope", 0)
	require.NoError(t, err)

	slowDone := make(chan error, 1)
	go func() {
		_, err := b.Invoke(ctx, "A", slow.ID, "read", nil)
		slowDone <- err
	}()
	<-entered

	victimDone := make(chan error, 1)
	go func() {
		_, err := b.Invoke(ctx, "B", victim.ID, "read", nil)
		victimDone <- err
	}()

	require.NoError(t, b.Release("B", victim.ID))
	close(release)

	assert.NoError(t, <-slowDone)
	assert.ErrorIs(t, <-victimDone, capability.ErrNotOwner)
	drv.AssertNotCalled(t, "Invoke", mock.Anything, "Gyroscope", "read", mock.Anything)
}

func cameraBroker(t *testing.T, clk clock.Clock) (*Broker, deviceDriver) {
	t.Helper()
	drv := deviceDriver{newFakeDriver(capability.ProbeFamily(capability.FamilyCamera, 1)...)}
	b := newTestBroker(t, Config{Driver: drv, Clock: clk, Family: capability.FamilyCamera})
	return b, drv
}

func TestIdleReleaseReuseAndReopen(t *testing.T) {
	clk := clock.NewMock()
	b, drv := cameraBroker(t, clk)
	ctx := context.Background()

	h, err := b.Acquire(ctx, "c1", "Camera", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Stats().DeviceOpens)

	require.NoError(t, b.Release("c1", h.ID))
	clk.Add(30 * time.Second)

	h, err = b.Acquire(ctx, "c2", "Camera", 0)
	require.NoError(t, err)
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.DeviceOpens)
	assert.Equal(t, uint64(1), stats.DeviceReuses)

	// The cancelled countdown must not close the device.
	clk.Add(45 * time.Second)
	assert.Equal(t, uint64(0), b.Stats().DeviceCloses)

	require.NoError(t, b.Release("c2", h.ID))
	clk.Add(61 * time.Second)
	require.Eventually(t, func() bool { return b.Stats().DeviceCloses == 1 }, time.Second, time.Millisecond)

	_, err = b.Acquire(ctx, "c3", "Camera", 0)
	require.NoError(t, err)
	stats = b.Stats()
	assert.Equal(t, uint64(2), stats.DeviceOpens)
	assert.Equal(t, uint64(1), stats.DeviceReuses)

	drv.mu.Lock()
	assert.Equal(t, 2, drv.opens)
	assert.Equal(t, 1, drv.closes)
	drv.mu.Unlock()
}

func TestSecondSharedHolderIsNotAReuse(t *testing.T) {
	b, _ := cameraBroker(t, clock.NewMock())
	ctx := context.Background()

	_, err := b.Acquire(ctx, "c1", "Camera", 0)
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "c2", "Camera", 0)
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.DeviceOpens)
	assert.Zero(t, stats.DeviceReuses)
}

func TestOpenFailureUndoesReservation(t *testing.T) {
	drv := &failingOpenDriver{fakeDriver: newFakeDriver(capability.ProbeFamily(capability.FamilyCamera, 1)...)}
	b := newTestBroker(t, Config{Driver: drv})

	_, err := b.Acquire(context.Background(), "c1", "Camera", 0)
	assert.ErrorIs(t, err, capability.ErrHardwareFault)
	assert.Zero(t, b.Stats().HandlesLive)
	assert.Equal(t, uint64(1), b.Stats().Faults["Camera"])
}

type failingOpenDriver struct {
	*fakeDriver
}

func (d *failingOpenDriver) OpenDevice(context.Context, string) error {
	return errors.New("no sensor on csi port")
}

func (d *failingOpenDriver) CloseDevice(string) error { return nil }

func TestStreamSequenceAndUnsubscribe(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := b.Acquire(ctx, "c1", "Gyroscope", 0)
	require.NoError(t, err)

	_, err = b.Subscribe(ctx, "c1", h.ID, "nonexistent", nil, SubscribeOptions{})
	assert.ErrorIs(t, err, capability.ErrInvalidArgs)

	s, err := b.Subscribe(ctx, "c1", h.ID, "read", nil, SubscribeOptions{Buffer: 64})
	require.NoError(t, err)
	assert.Equal(t, h.ID, s.HandleID())

	var last uint64
	for range 5 {
		rec, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, s.ID(), rec.StreamID)
		assert.Greater(t, rec.Seq, last)
		assert.IsType(t, capability.Vector{}, rec.Value)
		last = rec.Seq
	}

	assert.ErrorIs(t, b.Unsubscribe("c2", s.ID()), capability.ErrNotOwner)
	require.NoError(t, b.Unsubscribe("c1", s.ID()))
	assert.ErrorIs(t, b.Unsubscribe("c1", s.ID()), capability.ErrAlreadyReleased)

	for {
		if _, err = s.Next(ctx); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, stream.ErrClosed)
	<-s.Done()

	// A new stream starts counting again.
	s2, err := b.Subscribe(ctx, "c1", h.ID, "read", nil, SubscribeOptions{})
	require.NoError(t, err)
	rec, err := s2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
}

func TestStreamDropsOldestForSlowConsumer(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := b.Acquire(ctx, "c1", "Photoresistor", 0)
	require.NoError(t, err)
	s, err := b.Subscribe(ctx, "c1", h.ID, "read", nil, SubscribeOptions{Buffer: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Stats().StreamDrops >= 3 }, 2*time.Second, time.Millisecond)

	rec, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Greater(t, rec.Seq, uint64(1))
	assert.Equal(t, rec.Seq-1, rec.Dropped)
}

func TestStreamEndsOnReleaseAndDisconnect(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	drain := func(s *Stream) error {
		for {
			if _, err := s.Next(ctx); err != nil {
				return err
			}
		}
	}

	h, err := b.Acquire(ctx, "c1", "Accelerometer", 0)
	require.NoError(t, err)
	s, err := b.Subscribe(ctx, "c1", h.ID, "read", nil, SubscribeOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Release("c1", h.ID))
	assert.ErrorIs(t, drain(s), stream.ErrClosed)

	h, err = b.Acquire(ctx, "c2", "Accelerometer", 0)
	require.NoError(t, err)
	s, err = b.Subscribe(ctx, "c2", h.ID, "read", nil, SubscribeOptions{})
	require.NoError(t, err)
	b.ReleaseConnection("c2", "peer_gone")
	assert.ErrorIs(t, drain(s), capability.ErrDisconnected)

	assert.Zero(t, b.Stats().StreamsLive)
}

func TestSubscribeRejectsNonStreamable(t *testing.T) {
	b, _ := controllerBroker(t, nil)
	h, err := b.Acquire(context.Background(), "c1", "LEDs", 0)
	require.NoError(t, err)

	_, err = b.Subscribe(context.Background(), "c1", h.ID, "led_map", nil, SubscribeOptions{})
	assert.ErrorIs(t, err, capability.ErrInvalidArgs)
}

func TestCloseResetsAndShutsDown(t *testing.T) {
	clk := clock.NewMock()
	drv := newFakeDriver(capability.ProbeFamily(capability.FamilyController, 1)...)
	b, err := New(context.Background(), Config{Name: "test", Driver: drv, Clock: clk, Logger: quietLogger()})
	require.NoError(t, err)
	b.Start(context.Background())
	ctx := context.Background()

	h, err := b.Acquire(ctx, "c1", "CarMotors", 0)
	require.NoError(t, err)
	_, err = b.Invoke(ctx, "c1", h.ID, "set_throttle", capability.Args{"throttle": 60.0})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.Equal(t, 0.0, drv.value("CarMotors.throttle"))
	drv.mu.Lock()
	assert.True(t, drv.closed)
	drv.mu.Unlock()

	_, err = b.Acquire(ctx, "c1", "Gyroscope", 0)
	assert.ErrorIs(t, err, capability.ErrDisconnected)
	_, err = b.Invoke(ctx, "c1", h.ID, "on", nil)
	assert.ErrorIs(t, err, capability.ErrDisconnected)

	assert.NoError(t, b.Close())
}
