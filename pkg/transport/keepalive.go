package transport

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Keep-alive defaults. Peers share a host, so a peer that misses three
// pings is gone rather than slow.
const (
	DefaultPingInterval   = 10 * time.Second
	DefaultPongTimeout    = 3 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures keep-alive behavior.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings. Negative disables keep-alive.
	PingInterval time.Duration

	// PongTimeout is how long a ping may stay unanswered. It is capped at
	// PingInterval.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of consecutive unanswered pings after
	// which the peer is declared dead.
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// Enabled reports whether the configuration turns keep-alive on.
func (c KeepAliveConfig) Enabled() bool {
	return c.PingInterval >= 0
}

// DetectionDelay is the longest a dead peer can go unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	c = c.withDefaults()
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.PongTimeout > c.PingInterval && c.PingInterval > 0 {
		c.PongTimeout = c.PingInterval
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// KeepAliveHooks connect a KeepAlive to its connection.
type KeepAliveHooks struct {
	// Ping sends a ping. A failed send counts as a missed pong.
	Ping func(seq uint32) error

	// Dead is called once when too many pings in a row go unanswered.
	Dead func()

	// Pong observes every ping answered in time.
	Pong func(seq uint32, rtt time.Duration)

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// KeepAliveStats is a snapshot of a KeepAlive.
type KeepAliveStats struct {
	// Sent is the number of pings sent, which is also the last sequence.
	Sent     uint32
	Answered uint32

	// Missed counts consecutive unanswered pings.
	Missed int

	LastRTT  time.Duration
	MaxRTT   time.Duration
	LastPing time.Time
	LastPong time.Time
}

// KeepAlive pings a peer and arms a deadline for each ping. A pong clears
// the deadline and the miss count; an expired deadline adds a miss.
type KeepAlive struct {
	cfg   KeepAliveConfig
	hooks KeepAliveHooks
	clock clock.Clock
	pongs chan uint32

	mu      sync.Mutex
	stop    chan struct{}
	running bool
	stats   KeepAliveStats

	// inFlight is the sequence awaiting a pong, zero when none.
	inFlight uint32
	sentAt   time.Time
}

// NewKeepAlive creates a keep-alive manager. Call Start to begin pinging.
func NewKeepAlive(cfg KeepAliveConfig, hooks KeepAliveHooks) *KeepAlive {
	clk := hooks.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &KeepAlive{
		cfg:   cfg.withDefaults(),
		hooks: hooks,
		clock: clk,
		pongs: make(chan uint32, 1),
	}
}

// Start sends the first ping and keeps pinging until Stop, ctx is done or
// the peer is declared dead. Starting a running KeepAlive does nothing.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.running {
		return
	}
	ka.running = true
	ka.inFlight = 0
	ka.stop = make(chan struct{})
	go ka.run(ctx, ka.stop)
}

// Stop ends pinging.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stop)
}

// PongReceived feeds a pong from the peer. It never blocks.
func (ka *KeepAlive) PongReceived(seq uint32) {
	select {
	case ka.pongs <- seq:
	default:
	}
}

// IsRunning reports whether the ping loop is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// Stats returns a snapshot of the counters.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.stats
}

func (ka *KeepAlive) run(ctx context.Context, stop chan struct{}) {
	defer ka.exited(stop)

	ticker := ka.clock.Ticker(ka.cfg.PingInterval)
	defer ticker.Stop()
	seq, _ := ka.next()
	deadline := ka.clock.Timer(ka.cfg.PongTimeout)
	defer deadline.Stop()
	ka.send(seq)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			seq, dead := ka.next()
			if dead {
				ka.dead()
				return
			}
			deadline.Reset(ka.cfg.PongTimeout)
			ka.send(seq)
		case <-deadline.C:
			if ka.expire() {
				ka.dead()
				return
			}
		case seq := <-ka.pongs:
			ka.answer(seq)
		}
	}
}

// exited marks the loop for stop as finished unless a newer loop runs.
func (ka *KeepAlive) exited(stop chan struct{}) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.stop == stop {
		ka.running = false
	}
}

func (ka *KeepAlive) dead() {
	if ka.hooks.Dead != nil {
		ka.hooks.Dead()
	}
}

// next starts a new ping round. A ping still in flight counts as missed.
// It reports whether the peer is dead.
func (ka *KeepAlive) next() (uint32, bool) {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.inFlight != 0 {
		ka.inFlight = 0
		ka.stats.Missed++
		if ka.stats.Missed >= ka.cfg.MaxMissedPongs {
			return 0, true
		}
	}
	ka.stats.Sent++
	ka.inFlight = ka.stats.Sent
	ka.sentAt = ka.clock.Now()
	ka.stats.LastPing = ka.sentAt
	return ka.inFlight, false
}

// send hands the ping to the connection. The deadline catches a failed send.
func (ka *KeepAlive) send(seq uint32) {
	_ = ka.hooks.Ping(seq)
}

// expire counts the in-flight ping as missed once its deadline passed. It
// reports whether the peer is dead.
func (ka *KeepAlive) expire() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.inFlight == 0 || ka.clock.Since(ka.sentAt) < ka.cfg.PongTimeout {
		return false
	}
	ka.inFlight = 0
	ka.stats.Missed++
	return ka.stats.Missed >= ka.cfg.MaxMissedPongs
}

// answer matches a pong against the in-flight ping. Late pongs are ignored.
func (ka *KeepAlive) answer(seq uint32) {
	ka.mu.Lock()
	if seq == 0 || seq != ka.inFlight {
		ka.mu.Unlock()
		return
	}
	now := ka.clock.Now()
	rtt := now.Sub(ka.sentAt)
	ka.inFlight = 0
	ka.stats.Missed = 0
	ka.stats.Answered++
	ka.stats.LastPong = now
	ka.stats.LastRTT = rtt
	ka.stats.MaxRTT = max(ka.stats.MaxRTT, rtt)
	ka.mu.Unlock()

	if ka.hooks.Pong != nil {
		ka.hooks.Pong(seq, rtt)
	}
}
