package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/stream"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

// Handle is a client-side capability handle.
type Handle struct {
	client     *Client
	id         uint32
	desc       capability.Descriptor
	acquiredAt time.Time
	released   atomic.Bool
}

// ID returns the broker-assigned handle ID.
func (h *Handle) ID() uint32 { return h.id }

// Name returns the capability name.
func (h *Handle) Name() string { return h.desc.Name }

// Descriptor returns the capability descriptor.
func (h *Handle) Descriptor() capability.Descriptor { return h.desc }

// AcquiredAt returns when the broker created the handle.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Invoke runs op and returns its raw CBOR result, which is empty for
// operations without a result.
func (h *Handle) Invoke(ctx context.Context, op string, args capability.Args) (cbor.RawMessage, error) {
	resp, err := h.client.call(ctx, &wire.Request{Operation: wire.OpInvoke, HandleID: h.id},
		&wire.InvokePayload{Op: op, Args: args}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// InvokeInto runs op and decodes its result into out. A nil out discards
// the result.
func (h *Handle) InvokeInto(ctx context.Context, op string, args capability.Args, out any) error {
	raw, err := h.Invoke(ctx, op, args)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := wire.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s.%s result: %v", ErrUnexpectedReply, h.desc.Name, op, err)
	}
	return nil
}

// SubscribeOptions tune a stream.
type SubscribeOptions struct {
	// Interval between reads. Zero uses the broker default.
	Interval time.Duration

	// Buffer is the broker-side record buffer. Zero uses the broker default.
	Buffer int
}

// Subscribe opens a push stream of repeated reads of op.
func (h *Handle) Subscribe(ctx context.Context, op string, args capability.Args, opts SubscribeOptions) (*Stream, error) {
	s := &Stream{
		client: h.client,
		handle: h,
		op:     op,
		box:    stream.NewMailbox[*wire.StreamRecord](h.client.config.StreamBuffer),
	}

	// The stream is registered on the read goroutine, before any of its
	// records can be dispatched.
	register := func(resp *wire.Response) {
		var p wire.SubscribeResponsePayload
		if err := resp.DecodePayload(&p); err != nil || p.StreamID == 0 {
			return
		}
		s.id = p.StreamID
		h.client.addStream(s)
	}

	_, err := h.client.call(ctx, &wire.Request{Operation: wire.OpSubscribe, HandleID: h.id},
		&wire.SubscribePayload{
			Op:         op,
			Args:       args,
			IntervalMS: uint32(opts.Interval / time.Millisecond),
			Buffer:     uint32(max(opts.Buffer, 0)),
		}, register)
	if err != nil {
		return nil, err
	}
	if s.id == 0 {
		return nil, fmt.Errorf("%w: subscribe without stream id", ErrUnexpectedReply)
	}
	return s, nil
}

// Release destroys the handle on the broker.
func (h *Handle) Release(ctx context.Context) error {
	if h.released.Load() {
		return fmt.Errorf("%w: handle %d", capability.ErrAlreadyReleased, h.id)
	}
	_, err := h.client.call(ctx, &wire.Request{Operation: wire.OpRelease, HandleID: h.id}, nil, nil)
	if err == nil || errors.Is(err, capability.ErrAlreadyReleased) {
		h.released.Store(true)
	}
	return err
}

// Record is one received stream item.
type Record struct {
	Seq       uint64
	Timestamp time.Time

	// Dropped counts records skipped since the previous one, whether the
	// broker or the client discarded them.
	Dropped uint64

	Value cbor.RawMessage
}

// Decode decodes the record value into v.
func (r *Record) Decode(v any) error {
	return wire.Unmarshal(r.Value, v)
}

// Stream is a client-side push stream.
type Stream struct {
	client *Client
	handle *Handle
	id     uint32
	op     string
	box    *stream.Mailbox[*wire.StreamRecord]

	// lastSeq is owned by the reader.
	lastSeq uint64
}

// ID returns the broker-assigned stream ID.
func (s *Stream) ID() uint32 { return s.id }

// Op returns the streamed operation.
func (s *Stream) Op() string { return s.op }

// Next blocks until a record arrives. When the stream has ended and its
// buffer is drained it returns stream.ErrClosed for a normal end, or the
// reason the broker gave.
func (s *Stream) Next(ctx context.Context) (*Record, error) {
	item, err := s.box.Next(ctx)
	if err != nil {
		return nil, err
	}
	rec := item.Value

	// Sequence numbers start at 1 and have no gaps on the broker side.
	var dropped uint64
	if rec.Seq > s.lastSeq {
		dropped = rec.Seq - s.lastSeq - 1
	}
	s.lastSeq = rec.Seq

	return &Record{
		Seq:       rec.Seq,
		Timestamp: rec.Time(),
		Dropped:   dropped,
		Value:     rec.Value,
	}, nil
}

// Close unsubscribes. Records already received stay readable.
func (s *Stream) Close(ctx context.Context) error {
	_, err := s.client.call(ctx, &wire.Request{Operation: wire.OpUnsubscribe},
		&wire.UnsubscribePayload{StreamID: s.id}, nil)
	if errors.Is(err, capability.ErrAlreadyReleased) {
		return nil
	}
	return err
}

// Stats returns the client-side buffer counters.
func (s *Stream) Stats() stream.Stats {
	return s.box.Stats()
}

func (s *Stream) end(reason string) {
	if reason == "" {
		s.box.Close(nil)
		return
	}
	s.box.Close(&StreamError{StreamID: s.id, Reason: reason})
}

// StreamError is the reason the broker gave for ending a stream.
type StreamError struct {
	StreamID uint32
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d ended: %s", e.StreamID, e.Reason)
}
