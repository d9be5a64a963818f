package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

// DefaultDialTimeout bounds one connection attempt.
const DefaultDialTimeout = 5 * time.Second

// WebSocketConfig configures a WebSocketLink.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header is sent with the opening handshake, e.g. for a device token.
	Header http.Header

	DialTimeout time.Duration
	Logger      *slog.Logger
}

// WebSocketLink sends each message as one binary CBOR frame. It connects on
// the first send and reconnects on the next send after a failure.
type WebSocketLink struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	sent   uint64
	failed uint64
	closed bool
}

// NewWebSocketLink creates a link. No connection is made until Send.
func NewWebSocketLink(cfg WebSocketConfig) (*WebSocketLink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("uplink: empty websocket url")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketLink{cfg: cfg, logger: cfg.Logger.With("endpoint", cfg.URL)}, nil
}

// Send writes msg, connecting first if needed.
func (l *WebSocketLink) Send(ctx context.Context, msg Message) error {
	data, err := wire.Marshal(&msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}

	if l.conn == nil {
		if err := l.connectLocked(ctx); err != nil {
			l.failed++
			return err
		}
	}
	if err := l.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		l.failed++
		l.logger.Warn("uplink write failed", "channel", msg.Channel, "error", err)
		_ = l.conn.CloseNow()
		l.conn = nil
		return err
	}
	l.sent++
	return nil
}

func (l *WebSocketLink) connectLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, l.cfg.URL, &websocket.DialOptions{HTTPHeader: l.cfg.Header})
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	// Nothing is read from the server; CloseRead handles control frames.
	conn.CloseRead(context.Background())
	l.conn = conn
	l.logger.Info("uplink connected")
	return nil
}

// Status reports the connection state and counters.
func (l *WebSocketLink) Status() capability.UplinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return capability.UplinkStatus{
		Connected: l.conn != nil,
		Endpoint:  l.cfg.URL,
		Sent:      l.sent,
		Failed:    l.failed,
	}
}

// Close closes the connection.
func (l *WebSocketLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close(websocket.StatusNormalClosure, "shutdown")
	l.conn = nil
	return err
}
