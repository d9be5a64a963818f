package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rovekit/rovekit-go/pkg/log"
)

// ClientConfig configures a client connection.
type ClientConfig struct {
	// MaxMessageSize is the maximum message size (default: 1 MiB).
	MaxMessageSize uint32

	// ConnectTimeout bounds the dial when ctx has no deadline (default: 5s).
	ConnectTimeout time.Duration

	// KeepAlive configures client-initiated pings. Clients do not ping
	// unless PingInterval is positive.
	KeepAlive KeepAliveConfig

	// Logger for protocol logging (optional).
	Logger log.Logger

	// OnMessage is called for every non-control frame, sequentially in
	// arrival order, from the connection's read goroutine.
	OnMessage func(msg []byte)

	// OnDisconnect is called once after the read loop has stopped.
	OnDisconnect func(reason DisconnectReason)
}

// ClientConn is the client side of a broker connection. A single goroutine
// reads frames and hands them to OnMessage.
type ClientConn struct {
	*endpoint
	config ClientConfig

	done     chan struct{}
	doneOnce sync.Once
}

// Dial connects to the broker socket at path and starts the read loop.
func Dial(ctx context.Context, path string, config ClientConfig) (*ClientConn, error) {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 5 * time.Second
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}

	c := &ClientConn{
		endpoint: newEndpoint(conn, uuid.New().String(), config.MaxMessageSize,
			config.Logger, "", log.RoleClient),
		config: config,
		done:   make(chan struct{}),
	}
	c.logState("", "CONNECTED", ReasonUnknown)

	if config.KeepAlive.PingInterval > 0 {
		c.startKeepAlive(context.Background(), config.KeepAlive)
	}

	go c.run()
	return c, nil
}

func (c *ClientConn) run() {
	reason := c.readLoop(func(data []byte) {
		if c.config.OnMessage != nil {
			c.config.OnMessage(data)
		}
	})

	c.logState("CONNECTED", "DISCONNECTED", reason)
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(reason)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// ID returns the local identifier used in protocol logs.
func (c *ClientConn) ID() string {
	return c.id
}

// Send sends a frame to the broker. Safe for concurrent use.
func (c *ClientConn) Send(data []byte) error {
	return c.send(data)
}

// SendPing sends a ping control message.
func (c *ClientConn) SendPing(seq uint32) error {
	msg, err := EncodePing(seq)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// Close sends a close message and closes the connection. It does not wait
// for the read loop; use Done for that.
func (c *ClientConn) Close() error {
	return c.sendClose(ReasonClosed)
}

// Done is closed after the read loop has stopped and OnDisconnect returned.
func (c *ClientConn) Done() <-chan struct{} {
	return c.done
}

// Reason returns why the connection ended, or ReasonUnknown while it is open.
func (c *ClientConn) Reason() DisconnectReason {
	return c.disconnectReason()
}
