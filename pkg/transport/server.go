package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rovekit/rovekit-go/pkg/log"
)

// ServerConfig configures a broker socket server.
type ServerConfig struct {
	// SocketPath is the Unix domain socket to listen on. A stale socket
	// file left by a previous run is removed.
	SocketPath string

	// Broker names the broker in protocol log events.
	Broker string

	// MaxMessageSize is the maximum message size (default: 1 MiB).
	MaxMessageSize uint32

	// KeepAlive configures broker-initiated pings. The zero value uses the
	// defaults; a negative PingInterval disables pings.
	KeepAlive KeepAliveConfig

	// Logger for protocol logging (optional).
	Logger log.Logger

	// OnConnect is called when a new connection is established, before its
	// first frame is read.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called once per connection after its read loop has
	// stopped. No OnMessage call for the connection runs concurrently with
	// or after it.
	OnDisconnect func(conn *ServerConn, reason DisconnectReason)

	// OnMessage is called for every non-control frame, sequentially per
	// connection in arrival order.
	OnMessage func(conn *ServerConn, msg []byte)

	// OnError is called when an error occurs outside any connection.
	OnError func(conn *ServerConn, err error)
}

// Server accepts client connections on a Unix domain socket.
type Server struct {
	config   ServerConfig
	listener net.Listener

	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("SocketPath is required")
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	return &Server{
		config: config,
		conns:  make(map[*ServerConn]struct{}),
	}, nil
}

// Start listens on the socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	if err := os.Remove(s.config.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every connection, then waits until all
// disconnect callbacks have returned.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	err := s.listener.Close()

	s.connsMu.RLock()
	conns := lo.Keys(s.conns)
	s.connsMu.RUnlock()
	for _, conn := range conns {
		conn.sendClose(ReasonShutdown)
	}

	s.wg.Wait()
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.config.OnError != nil {
				s.config.OnError(nil, fmt.Errorf("accept error: %w", err))
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	sconn := &ServerConn{
		endpoint: newEndpoint(conn, uuid.New().String(), s.config.MaxMessageSize,
			s.config.Logger, s.config.Broker, log.RoleBroker),
		server: s,
	}

	s.connsMu.Lock()
	if !s.running.Load() {
		s.connsMu.Unlock()
		conn.Close()
		return
	}
	s.conns[sconn] = struct{}{}
	s.connsMu.Unlock()

	sconn.logState("", "CONNECTED", ReasonUnknown)

	if s.config.OnConnect != nil {
		s.config.OnConnect(sconn)
	}

	sconn.startKeepAlive(s.ctx, s.config.KeepAlive)

	reason := sconn.readLoop(func(data []byte) {
		if s.config.OnMessage != nil {
			s.config.OnMessage(sconn, data)
		}
	})

	s.connsMu.Lock()
	delete(s.conns, sconn)
	s.connsMu.Unlock()

	sconn.logState("CONNECTED", "DISCONNECTED", reason)

	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sconn, reason)
	}
}

// ServerConn is the broker side of one client connection.
type ServerConn struct {
	*endpoint
	server *Server
}

// ConnID returns the unique connection identifier.
func (c *ServerConn) ConnID() string {
	return c.id
}

// RemoteAddr returns the remote address of the client.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send sends a frame to the client. Safe for concurrent use.
func (c *ServerConn) Send(data []byte) error {
	return c.send(data)
}

// Close sends a close message and closes the connection.
func (c *ServerConn) Close() error {
	return c.sendClose(ReasonClosed)
}

// Reason returns why the connection ended, or ReasonUnknown while it is open.
func (c *ServerConn) Reason() DisconnectReason {
	return c.disconnectReason()
}

// Done is closed once the connection starts closing.
func (c *ServerConn) Done() <-chan struct{} {
	return c.closeCh
}

// Logger returns the protocol logger, or nil.
func (c *ServerConn) Logger() log.Logger {
	return c.logger
}
