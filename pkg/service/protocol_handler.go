package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rovekit/rovekit-go/pkg/broker"
	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/stream"
	"github.com/rovekit/rovekit-go/pkg/version"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

// FrameSender writes one encoded frame to the remote peer.
type FrameSender func(data []byte) error

// ProtocolHandler serves the requests of one connection against a broker.
// Requests are handled one at a time in arrival order; stream records are
// pushed from one goroutine per open stream.
type ProtocolHandler struct {
	mu sync.Mutex

	broker   *broker.Broker
	connID   string
	send     FrameSender
	logger   *slog.Logger
	protoLog log.Logger

	client  string
	streams map[uint32]*broker.Stream
	pending []*broker.Stream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProtocolHandler creates a handler for connection connID.
func NewProtocolHandler(b *broker.Broker, connID string, send FrameSender, logger *slog.Logger, protoLog log.Logger) *ProtocolHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if protoLog == nil {
		protoLog = log.NoopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProtocolHandler{
		broker:   b,
		connID:   connID,
		send:     send,
		logger:   logger.With("conn_id", connID),
		protoLog: protoLog,
		streams:  make(map[uint32]*broker.Stream),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ConnID returns the connection this handler serves.
func (h *ProtocolHandler) ConnID() string {
	return h.connID
}

// Client returns the name the client gave in Hello.
func (h *ProtocolHandler) Client() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// HandleFrame decodes one frame, handles it and sends the response.
// Streams opened by the request start pushing after the response is sent.
func (h *ProtocolHandler) HandleFrame(ctx context.Context, data []byte) {
	kind, err := wire.PeekKind(data)
	if err != nil || kind != wire.KindRequest {
		h.logger.Warn("dropping unexpected frame", "kind", kind, "error", err)
		return
	}

	req, err := wire.DecodeRequest(data)
	if err != nil {
		h.respond(nil, wire.ErrorResponse(peekMessageID(data), fmt.Errorf("%w: %v", wire.ErrBadRequest, err)), time.Now())
		return
	}

	start := time.Now()
	h.logMessage(log.DirectionIn, &log.MessageEvent{
		Kind:       wire.KindRequest,
		MessageID:  req.MessageID,
		Operation:  &req.Operation,
		Capability: req.Capability,
		HandleID:   req.HandleID,
	})

	resp := h.HandleRequest(ctx, req)
	if h.respond(req, resp, start) {
		h.startPending()
	} else {
		h.dropPending()
	}
}

// HandleRequest processes a request and returns its response.
func (h *ProtocolHandler) HandleRequest(ctx context.Context, req *wire.Request) *wire.Response {
	var (
		resp *wire.Response
		err  error
	)
	switch req.Operation {
	case wire.OpHello:
		resp, err = h.handleHello(req)
	case wire.OpList:
		resp, err = h.handleList(req)
	case wire.OpAcquire:
		resp, err = h.handleAcquire(ctx, req)
	case wire.OpRelease:
		resp, err = h.handleRelease(req)
	case wire.OpInvoke:
		resp, err = h.handleInvoke(ctx, req)
	case wire.OpSubscribe:
		resp, err = h.handleSubscribe(ctx, req)
	case wire.OpUnsubscribe:
		resp, err = h.handleUnsubscribe(req)
	default:
		err = fmt.Errorf("%w: unsupported operation %d", wire.ErrBadRequest, req.Operation)
	}
	if err != nil {
		h.logger.Debug("request failed", "op", req.Operation.String(), "capability", req.Capability,
			"handle_id", req.HandleID, "error", err)
		return wire.ErrorResponse(req.MessageID, err)
	}
	resp.MessageID = req.MessageID
	return resp
}

func (h *ProtocolHandler) handleHello(req *wire.Request) (*wire.Response, error) {
	var p wire.HelloPayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrBadRequest, err)
	}
	if err := version.Check(p.ProtocolVersion); err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrVersionMismatch, err)
	}

	h.mu.Lock()
	h.client = p.Client
	h.mu.Unlock()
	h.logger.Info("client hello", "client", p.Client, "protocol_version", p.ProtocolVersion)

	resp := &wire.Response{Status: wire.StatusSuccess}
	err := resp.SetPayload(&wire.HelloResponsePayload{
		ProtocolVersion: version.Current,
		Broker:          h.broker.Name(),
		Family:          familyName(h.broker.Family()),
	})
	return resp, err
}

func (h *ProtocolHandler) handleList(*wire.Request) (*wire.Response, error) {
	resp := &wire.Response{Status: wire.StatusSuccess}
	err := resp.SetPayload(&wire.ListResponsePayload{Capabilities: h.broker.List()})
	return resp, err
}

func (h *ProtocolHandler) handleAcquire(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	var p wire.AcquirePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrBadRequest, err)
	}
	handle, err := h.broker.Acquire(ctx, h.connID, req.Capability, p.Version)
	if err != nil {
		return nil, err
	}

	resp := &wire.Response{Status: wire.StatusSuccess}
	err = resp.SetPayload(&wire.AcquireResponsePayload{
		HandleID:   handle.ID,
		Descriptor: handle.Descriptor,
		AcquiredAt: handle.AcquiredAt.UnixNano(),
	})
	return resp, err
}

func (h *ProtocolHandler) handleRelease(req *wire.Request) (*wire.Response, error) {
	if err := h.broker.Release(h.connID, req.HandleID); err != nil {
		return nil, err
	}
	return &wire.Response{Status: wire.StatusSuccess}, nil
}

func (h *ProtocolHandler) handleInvoke(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	var p wire.InvokePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrInvalidArgs, err)
	}
	if p.Op == "" {
		return nil, fmt.Errorf("%w: missing operation name", capability.ErrInvalidArgs)
	}

	result, err := h.broker.Invoke(ctx, h.connID, req.HandleID, p.Op, p.Args)
	if err != nil {
		return nil, err
	}

	resp := &wire.Response{Status: wire.StatusSuccess}
	if err := resp.SetPayload(result); err != nil {
		return nil, fmt.Errorf("%w: result of %s: %v", wire.ErrInternal, p.Op, err)
	}
	return resp, nil
}

func (h *ProtocolHandler) handleSubscribe(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	var p wire.SubscribePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrInvalidArgs, err)
	}

	s, err := h.broker.Subscribe(ctx, h.connID, req.HandleID, p.Op, p.Args, broker.SubscribeOptions{
		Interval: time.Duration(p.IntervalMS) * time.Millisecond,
		Buffer:   int(p.Buffer),
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.streams[s.ID()] = s
	h.pending = append(h.pending, s)
	h.mu.Unlock()

	resp := &wire.Response{Status: wire.StatusSuccess}
	err = resp.SetPayload(&wire.SubscribeResponsePayload{StreamID: s.ID()})
	return resp, err
}

func (h *ProtocolHandler) handleUnsubscribe(req *wire.Request) (*wire.Response, error) {
	var p wire.UnsubscribePayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrBadRequest, err)
	}
	if err := h.broker.Unsubscribe(h.connID, p.StreamID); err != nil {
		return nil, err
	}
	return &wire.Response{Status: wire.StatusSuccess}, nil
}

// startPending starts forwarding the streams opened by the last request.
func (h *ProtocolHandler) startPending() {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.wg.Add(len(pending))
	h.mu.Unlock()

	for _, s := range pending {
		go h.forward(s)
	}
}

// dropPending ends streams whose Subscribe response never reached the client.
func (h *ProtocolHandler) dropPending() {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, s := range pending {
		_ = h.broker.Unsubscribe(h.connID, s.ID())
		h.forget(s.ID())
	}
}

// forward pushes the records of s to the client until the stream ends or
// the connection goes away.
func (h *ProtocolHandler) forward(s *broker.Stream) {
	defer h.wg.Done()
	defer h.forget(s.ID())

	for {
		rec, err := s.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			end := &wire.StreamRecord{StreamID: s.ID(), End: true}
			if !errors.Is(err, stream.ErrClosed) {
				end.Error = err.Error()
			}
			h.sendRecord(end)
			return
		}

		out := &wire.StreamRecord{
			StreamID:  rec.StreamID,
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp.UnixNano(),
			Dropped:   rec.Dropped,
		}
		if err := out.SetValue(rec.Value); err != nil {
			h.logger.Error("stream value not encodable", "stream_id", s.ID(), "error", err)
			_ = h.broker.Unsubscribe(h.connID, s.ID())
			continue
		}
		if !h.sendRecord(out) {
			return
		}
	}
}

func (h *ProtocolHandler) forget(streamID uint32) {
	h.mu.Lock()
	delete(h.streams, streamID)
	h.mu.Unlock()
}

func (h *ProtocolHandler) sendRecord(rec *wire.StreamRecord) bool {
	data, err := wire.EncodeStreamRecord(rec)
	if err != nil {
		h.logger.Error("failed to encode stream record", "stream_id", rec.StreamID, "error", err)
		return false
	}
	if err := h.send(data); err != nil {
		h.logger.Debug("stream record not sent", "stream_id", rec.StreamID, "error", err)
		return false
	}
	return true
}

// respond encodes and sends resp. It returns false if the client did not
// get it.
func (h *ProtocolHandler) respond(req *wire.Request, resp *wire.Response, start time.Time) bool {
	data, err := wire.EncodeResponse(resp)
	if err != nil {
		h.logger.Error("failed to encode response", "message_id", resp.MessageID, "error", err)
		resp = wire.ErrorResponse(resp.MessageID, fmt.Errorf("%w: %v", wire.ErrInternal, err))
		if data, err = wire.EncodeResponse(resp); err != nil {
			return false
		}
	}
	if err := h.send(data); err != nil {
		h.logger.Debug("response not sent", "message_id", resp.MessageID, "error", err)
		return false
	}

	elapsed := time.Since(start)
	status := resp.Status
	h.logMessage(log.DirectionOut, &log.MessageEvent{
		Kind:           wire.KindResponse,
		MessageID:      resp.MessageID,
		Status:         &status,
		ProcessingTime: &elapsed,
	})
	if req != nil && !resp.IsSuccess() {
		h.logError(req, resp)
	}
	return true
}

// OpenStreams returns the number of streams currently forwarded.
func (h *ProtocolHandler) OpenStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Close stops all forwarders and waits for them.
func (h *ProtocolHandler) Close() {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *ProtocolHandler) logMessage(dir log.Direction, msg *log.MessageEvent) {
	h.protoLog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.connID,
		Direction:    dir,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		Role:         log.RoleBroker,
		Broker:       h.broker.Name(),
		Message:      msg,
	})
}

func (h *ProtocolHandler) logError(req *wire.Request, resp *wire.Response) {
	status := resp.Status
	h.protoLog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: h.connID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerBroker,
		Category:     log.CategoryError,
		Role:         log.RoleBroker,
		Broker:       h.broker.Name(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerBroker,
			Message: resp.Message,
			Status:  &status,
			Context: req.Operation.String() + " " + req.Capability,
		},
	})
}

// peekMessageID recovers the message ID of a request that failed to decode.
func peekMessageID(data []byte) uint32 {
	var peek struct {
		MessageID uint32 `cbor:"1,keyasint"`
	}
	if err := wire.Unmarshal(data, &peek); err != nil {
		return 0
	}
	return peek.MessageID
}

func familyName(f capability.Family) string {
	if f == 0 {
		return ""
	}
	return f.String()
}
