package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/stream"
)

// SubscribeOptions tune a stream.
type SubscribeOptions struct {
	// Interval between reads. Zero uses the broker's StreamInterval.
	Interval time.Duration

	// Buffer is the number of unread records kept before the oldest is
	// dropped. Zero uses the broker's StreamBuffer.
	Buffer int
}

// Record is one stream item.
type Record struct {
	StreamID  uint32
	Seq       uint64
	Timestamp time.Time
	Value     any

	// Dropped counts records discarded since the previous delivered one.
	Dropped uint64
}

// Stream is a push stream of repeated reads of one operation.
type Stream struct {
	id         uint32
	handleID   uint32
	owner      string
	capability string
	op         string
	args       capability.Args
	interval   time.Duration

	box    *stream.Mailbox[Record]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// seq is owned by the pump goroutine.
	seq uint64
}

// ID returns the stream ID.
func (s *Stream) ID() uint32 { return s.id }

// HandleID returns the handle the stream reads through.
func (s *Stream) HandleID() uint32 { return s.handleID }

// Capability returns the capability name.
func (s *Stream) Capability() string { return s.capability }

// Op returns the operation being read.
func (s *Stream) Op() string { return s.op }

// Next blocks until a record is available. After the stream ends and its
// buffer drains it returns the end cause: stream.ErrClosed after an
// unsubscribe or release, capability.ErrDisconnected after a disconnect or
// shutdown, or the hardware fault that stopped the reads.
func (s *Stream) Next(ctx context.Context) (Record, error) {
	item, err := s.box.Next(ctx)
	if err != nil {
		return Record{}, err
	}
	rec := item.Value
	rec.Dropped = item.Dropped
	return rec, nil
}

// Done is closed once the read loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stats returns the mailbox counters.
func (s *Stream) Stats() stream.Stats { return s.box.Stats() }

// Subscribe opens a stream of repeated reads of a streamable operation.
func (b *Broker) Subscribe(ctx context.Context, connID string, handleID uint32, op string, args capability.Args, opts SubscribeOptions) (*Stream, error) {
	b.mu.Lock()
	h, err := b.ownedLocked(connID, handleID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	o, ok := h.Descriptor.Spec().Operation(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no operation %q", capability.ErrInvalidArgs, h.Capability, op)
	}
	if !o.Streamable {
		return nil, fmt.Errorf("%w: %s.%s is not streamable", capability.ErrInvalidArgs, h.Capability, op)
	}
	if err := args.Validate(o); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", h.Capability, op, err)
	}
	if opts.Interval <= 0 {
		opts.Interval = b.streamInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = b.streamBuffer
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		handleID:   handleID,
		owner:      connID,
		capability: h.Capability,
		op:         op,
		args:       args,
		interval:   opts.Interval,
		box:        stream.NewMailbox[Record](opts.Buffer),
		ctx:        pumpCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	// The handle may have been released while the request was validated.
	if _, err := b.ownedLocked(connID, handleID); err != nil {
		b.mu.Unlock()
		cancel()
		return nil, err
	}
	b.lastStream++
	s.id = b.lastStream
	b.streams[s.id] = s
	h.streams[s.id] = s
	b.stats.streamsOpened++
	b.wg.Add(1)
	b.mu.Unlock()

	go b.pump(s)

	b.logger.Debug("stream opened", "capability", s.capability, "op", op, "stream_id", s.id, "handle_id", handleID, "conn_id", connID)
	b.logState(log.StateEntityStream, connID, s.capability, "", "open", fmt.Sprintf("stream %d %s", s.id, op))
	return s, nil
}

// Unsubscribe ends a stream owned by connID. Its buffered records stay
// readable.
func (b *Broker) Unsubscribe(connID string, streamID uint32) error {
	b.mu.Lock()
	s, ok := b.streams[streamID]
	if !ok {
		last := b.lastStream
		b.mu.Unlock()
		if streamID != 0 && streamID <= last {
			return fmt.Errorf("%w: stream %d", capability.ErrAlreadyReleased, streamID)
		}
		return fmt.Errorf("%w: stream %d was never opened", capability.ErrNotOwner, streamID)
	}
	if s.owner != connID {
		b.mu.Unlock()
		return fmt.Errorf("%w: stream %d", capability.ErrNotOwner, streamID)
	}
	delete(b.streams, streamID)
	if h, ok := b.handles[s.handleID]; ok {
		delete(h.streams, streamID)
	}
	b.mu.Unlock()

	b.stopStream(s, nil)
	return nil
}

// stopStream ends the stream with cause and folds its drop count into the
// broker totals. The stream must already be out of the tables.
func (b *Broker) stopStream(s *Stream, cause error) {
	s.box.Close(cause)
	s.cancel()

	b.mu.Lock()
	b.stats.streamDrops += s.box.Stats().TotalDrops
	b.mu.Unlock()

	reason := "unsubscribed"
	if cause != nil {
		reason = cause.Error()
	}
	b.logState(log.StateEntityStream, s.owner, s.capability, "open", "closed", fmt.Sprintf("stream %d: %s", s.id, reason))
}

// pump reads the operation repeatedly into the stream's mailbox. It never
// blocks on the consumer.
func (b *Broker) pump(s *Stream) {
	defer b.wg.Done()
	defer close(s.done)

	ticker := b.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		value, err := b.read(s)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			b.endStream(s, err)
			return
		}

		s.seq++
		if !s.box.Publish(Record{StreamID: s.id, Seq: s.seq, Timestamp: b.clock.Now(), Value: value}) {
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// read performs one stream read under the hardware lock.
func (b *Broker) read(s *Stream) (any, error) {
	b.hw.Lock()
	defer b.hw.Unlock()

	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	_, err := b.ownedLocked(s.owner, s.handleID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.call(s.ctx, s.capability, s.op, s.args)
}

// endStream stops a stream whose reads failed.
func (b *Broker) endStream(s *Stream, err error) {
	b.mu.Lock()
	_, live := b.streams[s.id]
	delete(b.streams, s.id)
	if h, ok := b.handles[s.handleID]; ok {
		delete(h.streams, s.id)
	}
	b.mu.Unlock()

	if !live {
		return
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	b.logger.Warn("stream ended", "capability", s.capability, "op", s.op, "stream_id", s.id, "error", err)
	b.stopStream(s, err)
}
