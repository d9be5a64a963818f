package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/transport"
	"github.com/rovekit/rovekit-go/pkg/version"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

// Client errors.
var (
	ErrRequestTimeout  = errors.New("request timed out")
	ErrClientClosed    = fmt.Errorf("client is closed: %w", capability.ErrDisconnected)
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// DefaultTimeout bounds a request when the context has no deadline.
const DefaultTimeout = 10 * time.Second

// DefaultStreamBuffer is the client-side record buffer per stream.
const DefaultStreamBuffer = 16

// Config configures a client connection.
type Config struct {
	// Name identifies the client program in the broker's logs.
	Name string

	// Timeout bounds each request when ctx has no deadline.
	Timeout time.Duration

	// StreamBuffer is the number of unread records kept per stream before
	// the oldest is dropped.
	StreamBuffer int

	MaxMessageSize uint32
	KeepAlive      transport.KeepAliveConfig

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// BrokerInfo is what the broker reported in Hello.
type BrokerInfo struct {
	Name            string
	Family          string
	ProtocolVersion string
}

type pendingCall struct {
	ch chan *wire.Response

	// onResponse runs on the read goroutine before the caller wakes up.
	onResponse func(*wire.Response)

	// abandoned marks an acquire whose caller gave up. A late success is
	// released instead of delivered.
	abandoned bool
}

// Client is a connection to one broker.
type Client struct {
	config Config
	conn   *transport.ClientConn
	logger *slog.Logger
	info   BrokerInfo

	nextMsgID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	streamsMu sync.Mutex
	streams   map[uint32]*Stream

	closed atomic.Bool
}

// Dial connects to the broker socket at path and says hello.
func Dial(ctx context.Context, path string, cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		config:  cfg,
		logger:  cfg.Logger,
		pending: make(map[uint32]*pendingCall),
		streams: make(map[uint32]*Stream),
	}

	conn, err := transport.Dial(ctx, path, transport.ClientConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		KeepAlive:      cfg.KeepAlive,
		Logger:         cfg.ProtocolLogger,
		OnMessage:      c.handleFrame,
		OnDisconnect:   c.handleDisconnect,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn

	if err := c.hello(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) hello(ctx context.Context) error {
	resp, err := c.call(ctx, &wire.Request{Operation: wire.OpHello}, &wire.HelloPayload{
		ProtocolVersion: version.Current,
		Client:          c.config.Name,
	}, nil)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	var p wire.HelloResponsePayload
	if err := resp.DecodePayload(&p); err != nil {
		return fmt.Errorf("hello: %w: %v", ErrUnexpectedReply, err)
	}
	if err := version.Check(p.ProtocolVersion); err != nil {
		return fmt.Errorf("hello: %w: %v", capability.ErrVersionMismatch, err)
	}
	c.info = BrokerInfo{Name: p.Broker, Family: p.Family, ProtocolVersion: p.ProtocolVersion}
	return nil
}

// Broker returns what the broker reported in Hello.
func (c *Client) Broker() BrokerInfo {
	return c.info
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Reason returns why the connection ended.
func (c *Client) Reason() transport.DisconnectReason {
	return c.conn.Reason()
}

// Close closes the connection. The broker releases every handle the
// client still holds.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	<-c.conn.Done()
	return err
}

// List returns the broker's capabilities.
func (c *Client) List(ctx context.Context) ([]capability.Descriptor, error) {
	resp, err := c.call(ctx, &wire.Request{Operation: wire.OpList}, nil, nil)
	if err != nil {
		return nil, err
	}
	var p wire.ListResponsePayload
	if err := resp.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return p.Capabilities, nil
}

// Acquire creates a handle on the named capability. A version of zero
// accepts any capability version.
func (c *Client) Acquire(ctx context.Context, name string, version uint32) (*Handle, error) {
	var payload any
	if version != 0 {
		payload = &wire.AcquirePayload{Version: version}
	}
	resp, err := c.call(ctx, &wire.Request{Operation: wire.OpAcquire, Capability: name}, payload, nil)
	if err != nil {
		return nil, err
	}

	var p wire.AcquireResponsePayload
	if err := resp.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return &Handle{
		client:     c,
		id:         p.HandleID,
		desc:       p.Descriptor,
		acquiredAt: time.Unix(0, p.AcquiredAt),
	}, nil
}

// call sends a request and waits for its response. Failed responses are
// returned as *StatusError.
func (c *Client) call(ctx context.Context, req *wire.Request, payload any, onResponse func(*wire.Response)) (*wire.Response, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if payload != nil {
		if err := req.SetPayload(payload); err != nil {
			return nil, err
		}
	}

	req.MessageID = c.nextMessageID()
	pc := &pendingCall{ch: make(chan *wire.Response, 1), onResponse: onResponse}

	c.pendingMu.Lock()
	c.pending[req.MessageID] = pc
	c.pendingMu.Unlock()
	defer c.forget(req.MessageID)

	data, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Send(data); err != nil {
		if errors.Is(err, transport.ErrConnectionClosed) {
			return nil, ErrClientClosed
		}
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		if req.Operation == wire.OpAcquire {
			c.abandon(req.MessageID, pc)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, req.Operation)
		}
		return nil, ctx.Err()
	case resp, ok := <-pc.ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if !resp.IsSuccess() {
			return nil, &StatusError{Status: resp.Status, Message: resp.Message}
		}
		return resp, nil
	}
}

// forget drops the pending entry of id unless it waits for an abandoned
// acquire.
func (c *Client) forget(id uint32) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if pc, ok := c.pending[id]; ok && !pc.abandoned {
		delete(c.pending, id)
	}
}

// abandon arranges for a handle acquired after its caller gave up to be
// released.
func (c *Client) abandon(id uint32, pc *pendingCall) {
	c.pendingMu.Lock()
	_, waiting := c.pending[id]
	if waiting {
		pc.abandoned = true
	}
	c.pendingMu.Unlock()
	if waiting {
		return
	}

	// The response was handed over as the deadline hit. It is in pc.ch or
	// about to be; a disconnect closes the channel instead.
	if resp, ok := <-pc.ch; ok && resp.IsSuccess() {
		go c.releaseOrphan(resp)
	}
}

// releaseOrphan releases the handle in an acquire response nobody took.
func (c *Client) releaseOrphan(resp *wire.Response) {
	var p wire.AcquireResponsePayload
	if err := resp.DecodePayload(&p); err != nil {
		c.logger.Warn("cannot decode late acquire response", "message_id", resp.MessageID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	_, err := c.call(ctx, &wire.Request{Operation: wire.OpRelease, HandleID: p.HandleID}, nil, nil)
	if err != nil && !errors.Is(err, ErrClientClosed) {
		c.logger.Warn("releasing late acquire failed", "handle_id", p.HandleID, "error", err)
		return
	}
	c.logger.Debug("released late acquire", "handle_id", p.HandleID)
}

// nextMessageID skips the reserved zero on wrap-around.
func (c *Client) nextMessageID() uint32 {
	for {
		if id := c.nextMsgID.Add(1); id != 0 {
			return id
		}
	}
}

// handleFrame runs on the connection's read goroutine.
func (c *Client) handleFrame(data []byte) {
	kind, err := wire.PeekKind(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch kind {
	case wire.KindResponse:
		resp, err := wire.DecodeResponse(data)
		if err != nil {
			c.logger.Warn("dropping bad response", "error", err)
			return
		}
		c.handleResponse(resp)
	case wire.KindStream:
		rec, err := wire.DecodeStreamRecord(data)
		if err != nil {
			c.logger.Warn("dropping bad stream record", "error", err)
			return
		}
		c.handleRecord(rec)
	default:
		c.logger.Warn("dropping unexpected frame", "kind", kind.String())
	}
}

// handleResponse resolves the pending call for resp. Responses nobody is
// waiting for are discarded, except successful acquires, which are released.
func (c *Client) handleResponse(resp *wire.Response) {
	c.pendingMu.Lock()
	pc, ok := c.pending[resp.MessageID]
	abandoned := ok && pc.abandoned
	if ok {
		delete(c.pending, resp.MessageID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("discarding unmatched response", "message_id", resp.MessageID)
		return
	}
	if abandoned {
		if resp.IsSuccess() {
			go c.releaseOrphan(resp)
		}
		return
	}
	if pc.onResponse != nil && resp.IsSuccess() {
		pc.onResponse(resp)
	}
	pc.ch <- resp
}

func (c *Client) handleRecord(rec *wire.StreamRecord) {
	c.streamsMu.Lock()
	s, ok := c.streams[rec.StreamID]
	if ok && rec.End {
		delete(c.streams, rec.StreamID)
	}
	c.streamsMu.Unlock()

	if !ok {
		c.logger.Debug("discarding record of unknown stream", "stream_id", rec.StreamID)
		return
	}
	if rec.End {
		s.end(rec.Error)
		return
	}
	s.box.Publish(rec)
}

// handleDisconnect fails every pending call and ends every stream.
func (c *Client) handleDisconnect(reason transport.DisconnectReason) {
	c.closed.Store(true)

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingCall)
	c.pendingMu.Unlock()
	for _, pc := range pending {
		close(pc.ch)
	}

	c.streamsMu.Lock()
	streams := c.streams
	c.streams = make(map[uint32]*Stream)
	c.streamsMu.Unlock()
	for _, s := range streams {
		s.box.Close(fmt.Errorf("%w: %s", capability.ErrDisconnected, reason))
	}

	c.logger.Debug("disconnected from broker", "broker", c.info.Name, "reason", reason.String())
}

func (c *Client) addStream(s *Stream) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	c.streams[s.id] = s
}

// StatusError is a failed response from the broker. It unwraps to the
// capability error matching its status, so errors.Is works across the
// connection.
type StatusError struct {
	Status  wire.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Status.String()
}

// Unwrap returns the sentinel error for the status.
func (e *StatusError) Unwrap() error {
	return e.Status.Err()
}
