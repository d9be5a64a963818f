package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrServerRunning    = errors.New("server already running")
)

// endpoint is the state shared by both ends of a connection: the framer,
// control message handling, keep-alive and the first-wins disconnect reason.
type endpoint struct {
	conn   net.Conn
	framer *Framer
	id     string

	logger log.Logger
	broker string
	role   log.Role

	keepAlive *KeepAlive

	closeCh   chan struct{}
	closeOnce sync.Once

	reasonMu sync.Mutex
	reason   DisconnectReason
}

func newEndpoint(conn net.Conn, id string, maxSize uint32, logger log.Logger, broker string, role log.Role) *endpoint {
	framer := NewFramer(conn, FramerConfig{
		MaxMessageSize: maxSize,
		Logger:         logger,
		ConnectionID:   id,
		Broker:         broker,
		Role:           role,
	})
	return &endpoint{
		conn:    conn,
		framer:  framer,
		id:      id,
		logger:  logger,
		broker:  broker,
		role:    role,
		closeCh: make(chan struct{}),
	}
}

// send writes one frame.
func (e *endpoint) send(data []byte) error {
	select {
	case <-e.closeCh:
		return ErrConnectionClosed
	default:
	}
	return e.framer.WriteFrame(data)
}

// closeWithReason records reason (unless one is already recorded) and
// closes the socket. The read loop then unwinds.
func (e *endpoint) closeWithReason(reason DisconnectReason) error {
	e.reasonMu.Lock()
	if e.reason == ReasonUnknown {
		e.reason = reason
	}
	e.reasonMu.Unlock()

	var err error
	e.closeOnce.Do(func() {
		close(e.closeCh)
		if ka := e.currentKeepAlive(); ka != nil {
			ka.Stop()
		}
		err = e.conn.Close()
	})
	return err
}

func (e *endpoint) currentKeepAlive() *KeepAlive {
	e.reasonMu.Lock()
	defer e.reasonMu.Unlock()
	return e.keepAlive
}

// disconnectReason returns the recorded reason.
func (e *endpoint) disconnectReason() DisconnectReason {
	e.reasonMu.Lock()
	defer e.reasonMu.Unlock()
	return e.reason
}

func (e *endpoint) isClosed() bool {
	select {
	case <-e.closeCh:
		return true
	default:
		return false
	}
}

// startKeepAlive pings the peer and closes the connection when it stops
// answering.
func (e *endpoint) startKeepAlive(ctx context.Context, cfg KeepAliveConfig) {
	if !cfg.Enabled() {
		return
	}
	ka := NewKeepAlive(cfg, KeepAliveHooks{
		Ping: func(seq uint32) error {
			msg, err := EncodePing(seq)
			if err != nil {
				return err
			}
			e.logControl(wire.ControlPing, seq, log.DirectionOut)
			return e.send(msg)
		},
		Dead: func() {
			e.closeWithReason(ReasonHeartbeatTimeout)
		},
	})

	e.reasonMu.Lock()
	defer e.reasonMu.Unlock()
	if e.isClosed() {
		return
	}
	e.keepAlive = ka
	ka.Start(ctx)
}

// readLoop reads frames until the connection fails or is closed. Control
// messages are handled inline; everything else goes to onMessage in arrival
// order. The loop returns the disconnect reason.
func (e *endpoint) readLoop(onMessage func(data []byte)) DisconnectReason {
	for {
		data, err := e.framer.ReadFrame()
		if err != nil {
			switch {
			case e.isClosed():
			case errors.Is(err, io.EOF), errors.Is(err, ErrFrameTruncated):
				e.closeWithReason(ReasonPeerGone)
			case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrMessageEmpty):
				e.logError(err, "read frame")
				e.closeWithReason(ReasonProtocolError)
			default:
				e.closeWithReason(ReasonPeerGone)
			}
			return e.disconnectReason()
		}

		kind, err := wire.PeekKind(data)
		if err == nil && kind == wire.KindControl {
			if msg, err := wire.DecodeControlMessage(data); err == nil {
				e.handleControlMessage(msg)
				continue
			}
		}

		onMessage(data)
	}
}

func (e *endpoint) handleControlMessage(msg *wire.ControlMessage) {
	e.logControl(msg.Type, msg.Sequence, log.DirectionIn)

	switch msg.Type {
	case wire.ControlPing:
		if pong, err := EncodePong(msg.Sequence); err == nil {
			e.send(pong)
			e.logControl(wire.ControlPong, msg.Sequence, log.DirectionOut)
		}
	case wire.ControlPong:
		if ka := e.currentKeepAlive(); ka != nil {
			ka.PongReceived(msg.Sequence)
		}
	case wire.ControlClose:
		e.closeWithReason(ReasonClosed)
	}
}

// sendClose tells the peer we are going away, then closes.
func (e *endpoint) sendClose(reason DisconnectReason) error {
	if msg, err := EncodeClose(); err == nil {
		if e.send(msg) == nil {
			e.logControl(wire.ControlClose, 0, log.DirectionOut)
		}
	}
	return e.closeWithReason(reason)
}

func (e *endpoint) logState(oldState, newState string, reason DisconnectReason) {
	if e.logger == nil {
		return
	}
	sc := &log.StateChangeEvent{
		Entity:   log.StateEntityConnection,
		OldState: oldState,
		NewState: newState,
	}
	if reason != ReasonUnknown {
		sc.Reason = reason.String()
	}
	e.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		Role:         e.role,
		Broker:       e.broker,
		StateChange:  sc,
	})
}

func (e *endpoint) logControl(t wire.ControlMessageType, seq uint32, direction log.Direction) {
	if e.logger == nil {
		return
	}
	e.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.id,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		Role:         e.role,
		Broker:       e.broker,
		ControlMsg:   &log.ControlMsgEvent{Type: t, Sequence: seq},
	})
}

func (e *endpoint) logError(err error, op string) {
	if e.logger == nil {
		return
	}
	e.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: e.id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryError,
		Role:         e.role,
		Broker:       e.broker,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
			Context: op,
		},
	})
}

// EncodePing encodes a ping control message.
func EncodePing(seq uint32) ([]byte, error) {
	return wire.EncodeControlMessage(&wire.ControlMessage{Type: wire.ControlPing, Sequence: seq})
}

// EncodePong encodes a pong control message.
func EncodePong(seq uint32) ([]byte, error) {
	return wire.EncodeControlMessage(&wire.ControlMessage{Type: wire.ControlPong, Sequence: seq})
}

// EncodeClose encodes a close control message.
func EncodeClose() ([]byte, error) {
	return wire.EncodeControlMessage(&wire.ControlMessage{Type: wire.ControlClose})
}
