package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/idle"
	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/stream"
	"github.com/rovekit/rovekit-go/pkg/watchdog"
)

// Broker defaults.
const (
	DefaultStreamInterval = 50 * time.Millisecond
	DefaultStreamBuffer   = stream.DefaultCapacity
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = fmt.Errorf("broker closed: %w", capability.ErrDisconnected)

// Config configures a broker instance.
type Config struct {
	// Name identifies the broker in logs, e.g. "controller".
	Name string

	// Family restricts probed capabilities to one device family. Zero
	// accepts whatever the driver reports.
	Family capability.Family

	Driver Driver

	// WatchdogInterval is the actuator command expiry. Zero means 1s.
	WatchdogInterval time.Duration

	// WatchdogSweep is the sweep period. Zero means WatchdogInterval/4.
	WatchdogSweep time.Duration

	// IdleWindow is how long idle-release devices stay open after the last
	// release. Zero means 60s.
	IdleWindow time.Duration

	// StreamInterval paces stream reads when the subscriber asks for none.
	StreamInterval time.Duration

	// StreamBuffer is the default mailbox capacity of a stream.
	StreamBuffer int

	// Clock drives the watchdog, idle timers and stream pacing. Nil means
	// the wall clock.
	Clock clock.Clock

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Handle is a live claim on a capability.
type Handle struct {
	ID         uint32
	Capability string
	Owner      string
	AcquiredAt time.Time
	Descriptor capability.Descriptor
}

type handleState struct {
	Handle
	streams map[uint32]*Stream
}

type device struct {
	name string
	open bool
	idle *idle.Timer
}

// actuatorOp is how the watchdog drives one channel back to safe.
type actuatorOp struct {
	op    string
	param string

	index string
	pin   int
}

func (a actuatorOp) args(safe float64) capability.Args {
	args := capability.Args{}
	if a.param != "" {
		args[a.param] = safe
	}
	if a.index != "" {
		args[a.index] = int64(a.pin)
	}
	return args
}

// Broker multiplexes one driver across many connections.
type Broker struct {
	// hw serializes every driver call.
	hw sync.Mutex

	// mu guards the bookkeeping below.
	mu sync.Mutex

	name     string
	family   capability.Family
	driver   Driver
	devMgr   DeviceManager
	registry *capability.Registry
	clock    clock.Clock
	logger   *slog.Logger
	protoLog log.Logger
	watchdog *watchdog.Watchdog

	streamInterval time.Duration
	streamBuffer   int
	actuators      map[watchdog.Key]actuatorOp

	handles    map[uint32]*handleState
	holders    map[string]map[uint32]*handleState
	byConn     map[string]map[uint32]*handleState
	lastHandle uint32
	devices    map[string]*device
	streams    map[uint32]*Stream
	lastStream uint32
	closed     bool
	stats      counters

	wg sync.WaitGroup
}

// New probes the driver and builds a broker for the capabilities it reports.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	if cfg.Driver == nil {
		return nil, errors.New("broker: nil driver")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProtocolLogger == nil {
		cfg.ProtocolLogger = log.NoopLogger{}
	}
	if cfg.IdleWindow == 0 {
		cfg.IdleWindow = idle.DefaultWindow
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}

	descs, err := cfg.Driver.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", cfg.Name, err)
	}
	if cfg.Family != 0 {
		for _, d := range descs {
			if spec := d.Spec(); spec != nil && spec.Family != cfg.Family {
				return nil, fmt.Errorf("probe %s: %s does not belong to the %s family", cfg.Name, d.Name, cfg.Family)
			}
		}
	}
	registry, err := capability.NewRegistry(descs)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", cfg.Name, err)
	}

	b := &Broker{
		name:           cfg.Name,
		family:         cfg.Family,
		driver:         cfg.Driver,
		registry:       registry,
		clock:          cfg.Clock,
		logger:         cfg.Logger.With("broker", cfg.Name),
		protoLog:       cfg.ProtocolLogger,
		streamInterval: cfg.StreamInterval,
		streamBuffer:   cfg.StreamBuffer,
		actuators:      make(map[watchdog.Key]actuatorOp),
		handles:        make(map[uint32]*handleState),
		holders:        make(map[string]map[uint32]*handleState),
		byConn:         make(map[string]map[uint32]*handleState),
		devices:        make(map[string]*device),
		streams:        make(map[uint32]*Stream),
		stats:          newCounters(),
	}
	if dm, ok := cfg.Driver.(DeviceManager); ok {
		b.devMgr = dm
	}

	b.watchdog, err = watchdog.New(watchdog.Config{
		Interval:    cfg.WatchdogInterval,
		SweepPeriod: cfg.WatchdogSweep,
		Locker:      &b.hw,
		Clock:       cfg.Clock,
		Logger:      b.logger,
	}, b.writeSafe)
	if err != nil {
		return nil, err
	}
	b.watchdog.OnStateChange(func(key watchdog.Key, oldState, newState watchdog.State, reason string) {
		b.logState(log.StateEntityWatchdog, "", key.String(), oldState.String(), newState.String(), reason)
	})

	for _, d := range registry.List() {
		spec := d.Spec()
		dev := &device{name: d.Name}
		if spec.IdleRelease {
			dev.idle, err = idle.NewTimer(cfg.IdleWindow, cfg.Clock, func(gen uint64) {
				b.idleExpired(dev, gen)
			})
			if err != nil {
				return nil, err
			}
		}
		b.devices[d.Name] = dev

		for i := range spec.Operations {
			op := &spec.Operations[i]
			if op.Actuator == nil {
				continue
			}
			a := op.Actuator
			reset := actuatorOp{op: op.Name, param: a.Param, index: a.Index}
			if a.ResetOp != "" {
				reset = actuatorOp{op: a.ResetOp}
			}
			for i, channel := range a.ChannelNames() {
				key := watchdog.Key{Capability: d.Name, Channel: channel}
				reset.pin = i
				b.actuators[key] = reset
				b.watchdog.Register(key, a.Safe)
			}
		}
	}

	return b, nil
}

// Start runs the watchdog sweep until Close or until ctx is done.
func (b *Broker) Start(ctx context.Context) {
	b.watchdog.Start(ctx)
	b.logger.Info("broker started", "capabilities", b.registry.Len(), "watchdog_interval", b.watchdog.Interval())
}

// Name returns the broker name.
func (b *Broker) Name() string {
	return b.name
}

// Family returns the configured device family.
func (b *Broker) Family() capability.Family {
	return b.family
}

// Watchdog exposes the actuator watchdog.
func (b *Broker) Watchdog() *watchdog.Watchdog {
	return b.watchdog
}

// List returns the capability registry sorted by name.
func (b *Broker) List() []capability.Descriptor {
	return b.registry.List()
}

// Lookup returns the descriptor for name.
func (b *Broker) Lookup(name string) (capability.Descriptor, error) {
	return b.registry.Lookup(name)
}

// Acquire creates a handle on the named capability for connID. A version of
// zero accepts any capability version.
func (b *Broker) Acquire(ctx context.Context, connID, name string, version uint32) (Handle, error) {
	desc, err := b.registry.Lookup(name)
	if err != nil {
		return Handle{}, err
	}
	if version != 0 && version != desc.Version {
		return Handle{}, fmt.Errorf("%w: %s is version %d, client wants %d",
			capability.ErrVersionMismatch, name, desc.Version, version)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Handle{}, ErrClosed
	}
	holders := b.holders[name]
	if len(holders) >= desc.Holders() {
		b.mu.Unlock()
		if desc.Sharing == capability.Exclusive {
			return Handle{}, fmt.Errorf("%w: %s is held exclusively", capability.ErrAlreadyHeld, name)
		}
		return Handle{}, fmt.Errorf("%w: %s has %d holders", capability.ErrAlreadyHeld, name, len(holders))
	}
	first := len(holders) == 0

	b.lastHandle++
	h := &handleState{
		Handle: Handle{
			ID:         b.lastHandle,
			Capability: name,
			Owner:      connID,
			AcquiredAt: b.clock.Now(),
			Descriptor: desc,
		},
		streams: make(map[uint32]*Stream),
	}
	b.addHandleLocked(h)
	dev := b.devices[name]
	if dev.idle != nil {
		dev.idle.Cancel()
	}
	b.mu.Unlock()

	if err := b.ensureOpen(ctx, dev, first); err != nil {
		b.mu.Lock()
		b.removeHandleLocked(h)
		b.mu.Unlock()
		b.logger.Error("device open failed", "capability", name, "conn_id", connID, "error", err)
		return Handle{}, err
	}

	b.mu.Lock()
	b.stats.acquires++
	b.mu.Unlock()

	b.logger.Debug("handle acquired", "capability", name, "handle_id", h.ID, "conn_id", connID)
	b.logState(log.StateEntityHandle, connID, name, "", "acquired", fmt.Sprintf("handle %d", h.ID))
	return h.Handle, nil
}

// ensureOpen opens the device under the hardware lock unless it is open.
// first reports whether the acquire took the device from zero holders.
func (b *Broker) ensureOpen(ctx context.Context, dev *device, first bool) (err error) {
	b.hw.Lock()
	defer b.hw.Unlock()

	b.mu.Lock()
	open := dev.open
	if open && first {
		b.stats.reuses++
	}
	b.mu.Unlock()
	if open {
		return nil
	}

	if b.devMgr != nil {
		err = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = panicError(dev.name, "open", r)
				}
			}()
			if err := b.devMgr.OpenDevice(ctx, dev.name); err != nil {
				return driverError(dev.name, "open", err)
			}
			return nil
		}()
		if err != nil {
			b.mu.Lock()
			b.stats.faults[dev.name]++
			b.mu.Unlock()
			return err
		}
	}

	b.mu.Lock()
	dev.open = true
	b.stats.opens++
	b.mu.Unlock()
	b.logState(log.StateEntityDevice, "", dev.name, "closed", "open", "")
	return nil
}

// Release destroys a handle owned by connID. The last holder of an actuator
// capability resets it before anyone else can open it.
func (b *Broker) Release(connID string, handleID uint32) error {
	unlock := b.lockForReset(connID, handleID)
	b.mu.Lock()
	if _, live := b.handles[handleID]; !live && !b.closed && handleID != 0 && handleID <= b.lastHandle {
		b.mu.Unlock()
		unlock()
		return fmt.Errorf("%w: handle %d", capability.ErrAlreadyReleased, handleID)
	}
	h, err := b.ownedLocked(connID, handleID)
	if err != nil {
		b.mu.Unlock()
		unlock()
		return err
	}
	streams, last := b.releaseLocked(h)
	b.stats.releases++
	b.mu.Unlock()
	b.resetActuatorsHeld(h, last, "released")
	unlock()

	b.finishRelease(h, streams, nil, "released")
	return nil
}

// ReleaseConnection releases every handle owned by connID and returns how
// many were freed. Streams of those handles end with ErrDisconnected.
func (b *Broker) ReleaseConnection(connID, reason string) int {
	unlock := b.lockForReset(connID, 0)
	b.mu.Lock()
	owned := lo.Values(b.byConn[connID])
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })

	type released struct {
		h       *handleState
		streams []*Stream
		last    bool
	}
	var out []released
	for _, h := range owned {
		streams, last := b.releaseLocked(h)
		out = append(out, released{h, streams, last})
	}
	b.stats.releases += uint64(len(out))
	b.mu.Unlock()
	for _, r := range out {
		b.resetActuatorsHeld(r.h, r.last, reason)
	}
	unlock()

	for _, r := range out {
		b.finishRelease(r.h, r.streams, capability.ErrDisconnected, reason)
	}
	if len(out) > 0 {
		b.logger.Info("connection handles released", "conn_id", connID, "count", len(out), "reason", reason)
	}
	return len(out)
}

// releaseLocked removes h and its streams from the tables. It returns the
// streams to stop and whether h was the last holder of its capability.
func (b *Broker) releaseLocked(h *handleState) ([]*Stream, bool) {
	streams := lo.Values(h.streams)
	for _, s := range streams {
		delete(b.streams, s.id)
	}
	b.removeHandleLocked(h)

	last := len(b.holders[h.Capability]) == 0
	if last {
		if dev := b.devices[h.Capability]; dev.idle != nil && dev.open {
			dev.idle.Arm()
		}
	}
	return streams, last
}

// lockForReset takes the hardware lock when releasing handleID of connID,
// or every handle of connID when handleID is zero, may reset actuators. It
// returns the matching unlock.
func (b *Broker) lockForReset(connID string, handleID uint32) func() {
	b.mu.Lock()
	_, need := lo.Find(lo.Values(b.byConn[connID]), func(h *handleState) bool {
		return (handleID == 0 || h.ID == handleID) && len(h.Descriptor.Spec().Actuators()) > 0
	})
	b.mu.Unlock()
	if !need {
		return func() {}
	}
	b.hw.Lock()
	return b.hw.Unlock
}

// resetActuatorsHeld writes the safe defaults of h's capability when h was
// its last holder. The caller holds the hardware lock, so a new holder's
// first command lands after the reset.
func (b *Broker) resetActuatorsHeld(h *handleState, last bool, reason string) {
	if !last || len(h.Descriptor.Spec().Actuators()) == 0 {
		return
	}
	if err := b.watchdog.ResetHeld(h.Capability, reason); err != nil {
		b.logger.Error("actuator reset failed", "capability", h.Capability, "error", err)
	}
}

// finishRelease stops the released streams and records the release.
func (b *Broker) finishRelease(h *handleState, streams []*Stream, cause error, reason string) {
	for _, s := range streams {
		b.stopStream(s, cause)
	}
	b.logger.Debug("handle released", "capability", h.Capability, "handle_id", h.ID, "conn_id", h.Owner, "reason", reason)
	b.logState(log.StateEntityHandle, h.Owner, h.Capability, "acquired", "released", reason)
}

// idleExpired closes an idle-release device whose countdown ran out.
func (b *Broker) idleExpired(dev *device, gen uint64) {
	b.hw.Lock()
	defer b.hw.Unlock()

	b.mu.Lock()
	if b.closed || len(b.holders[dev.name]) > 0 || !dev.open || !dev.idle.Claim(gen) {
		b.mu.Unlock()
		return
	}
	dev.open = false
	b.stats.closes++
	b.mu.Unlock()

	if err := b.closeDevice(dev); err != nil {
		b.logger.Error("idle device close failed", "capability", dev.name, "error", err)
	}
	b.logger.Info("idle device closed", "capability", dev.name, "window", dev.idle.Window())
	b.logState(log.StateEntityDevice, "", dev.name, "open", "closed", "idle")
}

// closeDevice must be called with the hardware lock held.
func (b *Broker) closeDevice(dev *device) (err error) {
	if b.devMgr == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(dev.name, "close", r)
		}
	}()
	return b.devMgr.CloseDevice(dev.name)
}

// Invoke runs op on the capability behind handleID.
func (b *Broker) Invoke(ctx context.Context, connID string, handleID uint32, op string, args capability.Args) (any, error) {
	b.mu.Lock()
	h, err := b.ownedLocked(connID, handleID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	spec := h.Descriptor.Spec()
	o, ok := spec.Operation(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no operation %q", capability.ErrInvalidArgs, h.Capability, op)
	}
	if err := args.Validate(o); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", h.Capability, op, err)
	}

	var (
		channel   string
		commanded float64
	)
	if a := o.Actuator; a != nil {
		channel, commanded, err = a.Select(args)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", h.Capability, op, err)
		}
		if a.Param != "" {
			args = lo.Assign(args, capability.Args{a.Param: commanded})
		}
	}

	b.hw.Lock()
	defer b.hw.Unlock()

	b.mu.Lock()
	_, err = b.ownedLocked(connID, handleID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result, err := b.call(ctx, h.Capability, op, args)
	if err != nil {
		return nil, err
	}
	if o.Actuator != nil {
		key := watchdog.Key{Capability: h.Capability, Channel: channel}
		if err := b.watchdog.Renew(key, commanded); err != nil {
			b.logger.Error("watchdog renew failed", "channel", key.String(), "error", err)
		}
	}
	return result, nil
}

// call invokes the driver with the hardware lock held.
func (b *Broker) call(ctx context.Context, capName, op string, args capability.Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, panicError(capName, op, r)
		}
		if errors.Is(err, capability.ErrHardwareFault) {
			b.mu.Lock()
			b.stats.faults[capName]++
			b.mu.Unlock()
			b.logger.Warn("hardware fault", "capability", capName, "op", op, "error", err)
		}
	}()

	result, err = b.driver.Invoke(ctx, capName, op, args)
	if err != nil {
		return nil, driverError(capName, op, err)
	}
	return result, nil
}

// writeSafe is the watchdog reset function. The watchdog holds the
// hardware lock while calling it.
func (b *Broker) writeSafe(key watchdog.Key, safe float64) error {
	a, ok := b.actuators[key]
	if !ok {
		return fmt.Errorf("%w: %s", watchdog.ErrUnknownChannel, key)
	}
	_, err := b.call(context.Background(), key.Capability, a.op, a.args(safe))
	return err
}

// Handles returns the live handles of connID ordered by ID. An empty
// connID returns every live handle.
func (b *Broker) Handles(connID string) []Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	var src map[uint32]*handleState
	if connID == "" {
		src = b.handles
	} else {
		src = b.byConn[connID]
	}
	out := lo.MapToSlice(src, func(_ uint32, h *handleState) Handle { return h.Handle })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close shuts the broker down: actuators are reset, streams stopped,
// handles destroyed, devices and driver closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	streams := lo.Values(b.streams)
	handles := len(b.handles)
	b.streams = make(map[uint32]*Stream)
	b.handles = make(map[uint32]*handleState)
	b.holders = make(map[string]map[uint32]*handleState)
	b.byConn = make(map[string]map[uint32]*handleState)
	for _, dev := range b.devices {
		if dev.idle != nil {
			dev.idle.Cancel()
		}
	}
	b.mu.Unlock()

	b.watchdog.Stop()

	var err error
	if rerr := b.watchdog.Reset("", "shutdown"); rerr != nil {
		err = multierr.Append(err, rerr)
	}
	for _, s := range streams {
		b.stopStream(s, ErrClosed)
	}
	b.wg.Wait()

	b.hw.Lock()
	devs := lo.Values(b.devices)
	sort.Slice(devs, func(i, j int) bool { return devs[i].name < devs[j].name })
	for _, dev := range devs {
		b.mu.Lock()
		open := dev.open
		dev.open = false
		if open {
			b.stats.closes++
		}
		b.mu.Unlock()
		if !open {
			continue
		}
		if cerr := b.closeDevice(dev); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", dev.name, cerr))
		}
	}
	if cerr := b.driver.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close driver: %w", cerr))
	}
	b.hw.Unlock()

	b.logger.Info("broker closed", "handles_dropped", handles, "streams_stopped", len(streams))
	return err
}

// ownedLocked returns the live handle handleID if connID owns it. Released
// and never-issued handles are both ErrNotOwner here; only Release tells
// them apart.
func (b *Broker) ownedLocked(connID string, handleID uint32) (*handleState, error) {
	if b.closed {
		return nil, ErrClosed
	}
	h, ok := b.handles[handleID]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d is not live", capability.ErrNotOwner, handleID)
	}
	if h.Owner != connID {
		return nil, fmt.Errorf("%w: handle %d", capability.ErrNotOwner, handleID)
	}
	return h, nil
}

func (b *Broker) addHandleLocked(h *handleState) {
	b.handles[h.ID] = h
	if b.holders[h.Capability] == nil {
		b.holders[h.Capability] = make(map[uint32]*handleState)
	}
	b.holders[h.Capability][h.ID] = h
	if b.byConn[h.Owner] == nil {
		b.byConn[h.Owner] = make(map[uint32]*handleState)
	}
	b.byConn[h.Owner][h.ID] = h
}

func (b *Broker) removeHandleLocked(h *handleState) {
	delete(b.handles, h.ID)
	delete(b.holders[h.Capability], h.ID)
	if len(b.holders[h.Capability]) == 0 {
		delete(b.holders, h.Capability)
	}
	delete(b.byConn[h.Owner], h.ID)
	if len(b.byConn[h.Owner]) == 0 {
		delete(b.byConn, h.Owner)
	}
}

func (b *Broker) logState(entity log.StateEntity, connID, subject, oldState, newState, reason string) {
	b.protoLog.Log(log.Event{
		Timestamp:    b.clock.Now(),
		ConnectionID: connID,
		Layer:        log.LayerBroker,
		Category:     log.CategoryState,
		Role:         log.RoleBroker,
		Broker:       b.name,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
			Subject:  subject,
		},
	})
}
