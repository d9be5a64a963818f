// Package stream provides the bounded latest-value mailbox between a
// hardware read loop and a slow consumer.
//
// Publish never blocks. When the mailbox is full the oldest unread item is
// dropped and counted, so the consumer always sees the most recent values.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the mailbox is closed and drained.
var ErrClosed = errors.New("stream closed")

// DefaultCapacity keeps only the latest value.
const DefaultCapacity = 1

// Item is one delivered value.
type Item[T any] struct {
	Value T

	// Dropped counts items discarded between the previous delivered item
	// and this one.
	Dropped uint64
}

// Stats is a snapshot of mailbox counters.
type Stats struct {
	Published  uint64
	Delivered  uint64
	TotalDrops uint64
	Pending    int
}

// Mailbox is a bounded FIFO with drop-oldest overflow. One producer and one
// consumer is the intended use, but all methods are safe for concurrent use.
type Mailbox[T any] struct {
	mu       sync.Mutex
	items    []Item[T]
	capacity int
	closed   bool
	cause    error
	notify   chan struct{}

	published  uint64
	delivered  uint64
	totalDrops uint64
}

// NewMailbox creates a mailbox holding at most capacity unread items.
// Capacity below one uses DefaultCapacity.
func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Mailbox[T]{
		items:    make([]Item[T], 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Publish adds v. If the mailbox is full the oldest unread item is dropped.
// It returns false if the mailbox is closed.
func (m *Mailbox[T]) Publish(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}

	m.published++
	item := Item[T]{Value: v}
	if len(m.items) == m.capacity {
		// The dropped item's own backlog carries over to its successor.
		carry := m.items[0].Dropped + 1
		m.items = append(m.items[:0], m.items[1:]...)
		if len(m.items) > 0 {
			m.items[0].Dropped += carry
		} else {
			item.Dropped = carry
		}
		m.totalDrops++
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	m.wake()
	return true
}

// Next blocks until an item is available, the mailbox is closed and drained,
// or ctx is done.
func (m *Mailbox[T]) Next(ctx context.Context) (Item[T], error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			item := m.items[0]
			m.items = append(m.items[:0], m.items[1:]...)
			m.delivered++
			m.mu.Unlock()
			return item, nil
		}
		if m.closed {
			err := m.cause
			m.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return Item[T]{}, err
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return Item[T]{}, ctx.Err()
		}
	}
}

// TryNext returns the next item without blocking.
func (m *Mailbox[T]) TryNext() (Item[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Item[T]{}, false
	}
	item := m.items[0]
	m.items = append(m.items[:0], m.items[1:]...)
	m.delivered++
	return item, true
}

// Close stops accepting items. Unread items remain readable; after that
// Next returns cause, or ErrClosed if cause is nil. Only the first call
// has an effect.
func (m *Mailbox[T]) Close(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cause = cause
	m.mu.Unlock()

	m.wake()
}

// Closed reports whether Close has been called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats returns a snapshot of the counters.
func (m *Mailbox[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Published:  m.published,
		Delivered:  m.delivered,
		TotalDrops: m.totalDrops,
		Pending:    len(m.items),
	}
}

func (m *Mailbox[T]) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
