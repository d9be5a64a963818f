package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/rovekit/rovekit-go/pkg/broker"
	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/transport"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("service not started")

// Config configures a broker service.
type Config struct {
	// SocketPath is the Unix domain socket clients connect to.
	SocketPath string

	// MaxMessageSize bounds a frame payload (default: 1 MiB).
	MaxMessageSize uint32

	// KeepAlive configures broker pings. A negative PingInterval disables them.
	KeepAlive transport.KeepAliveConfig

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Service exposes one broker on a Unix domain socket.
type Service struct {
	config Config
	broker *broker.Broker
	server *transport.Server
	logger *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	handlers map[string]*ProtocolHandler
	started  bool
}

// New creates a service for b. The service owns the broker from then on and
// closes it on Stop.
func New(b *broker.Broker, cfg Config) (*Service, error) {
	if b == nil {
		return nil, errors.New("service: nil broker")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProtocolLogger == nil {
		cfg.ProtocolLogger = log.NoopLogger{}
	}

	s := &Service{
		config:   cfg,
		broker:   b,
		logger:   cfg.Logger.With("broker", b.Name()),
		handlers: make(map[string]*ProtocolHandler),
	}

	server, err := transport.NewServer(transport.ServerConfig{
		SocketPath:     cfg.SocketPath,
		Broker:         b.Name(),
		MaxMessageSize: cfg.MaxMessageSize,
		KeepAlive:      cfg.KeepAlive,
		Logger:         cfg.ProtocolLogger,
		OnConnect:      s.onConnect,
		OnDisconnect:   s.onDisconnect,
		OnMessage:      s.onMessage,
		OnError: func(_ *transport.ServerConn, err error) {
			s.logger.Error("transport error", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", b.Name(), err)
	}
	s.server = server
	return s, nil
}

// Broker returns the served broker.
func (s *Service) Broker() *broker.Broker {
	return s.broker
}

// SocketPath returns the listening socket path.
func (s *Service) SocketPath() string {
	return s.config.SocketPath
}

// Start starts the broker sweep and begins accepting connections.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()

	s.broker.Start(ctx)
	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("service %s: %w", s.broker.Name(), err)
	}
	s.logger.Info("listening", "socket", s.config.SocketPath)
	return nil
}

// Stop closes every connection, releasing their handles, then closes the
// broker.
func (s *Service) Stop() error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	var err error
	if serr := s.server.Stop(); serr != nil {
		err = multierr.Append(err, fmt.Errorf("stop server: %w", serr))
	}
	if berr := s.broker.Close(); berr != nil {
		err = multierr.Append(err, fmt.Errorf("close broker: %w", berr))
	}
	s.logger.Info("stopped")
	return err
}

// ConnectionCount returns the number of connected clients.
func (s *Service) ConnectionCount() int {
	return s.server.ConnectionCount()
}

func (s *Service) onConnect(conn *transport.ServerConn) {
	h := NewProtocolHandler(s.broker, conn.ConnID(), conn.Send, s.logger, s.config.ProtocolLogger)

	s.mu.Lock()
	s.handlers[conn.ConnID()] = h
	s.mu.Unlock()

	s.logger.Debug("client connected", "conn_id", conn.ConnID())
}

func (s *Service) onMessage(conn *transport.ServerConn, data []byte) {
	s.mu.Lock()
	h := s.handlers[conn.ConnID()]
	ctx := s.ctx
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.HandleFrame(ctx, data)
}

// onDisconnect runs after the connection's read loop stopped, so no request
// of the connection is in flight.
func (s *Service) onDisconnect(conn *transport.ServerConn, reason transport.DisconnectReason) {
	s.mu.Lock()
	h := s.handlers[conn.ConnID()]
	delete(s.handlers, conn.ConnID())
	s.mu.Unlock()

	if h != nil {
		h.Close()
	}
	n := s.broker.ReleaseConnection(conn.ConnID(), reason.String())
	s.logger.Debug("client disconnected", "conn_id", conn.ConnID(), "reason", reason.String(), "handles_released", n)
}
