// Package uplink provides the CloudUplink driver for the uplink device
// family. Messages are handed to a Link: MemoryLink keeps them in memory,
// WebSocketLink forwards them to a remote endpoint.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// ErrLinkClosed is returned by a closed link.
var ErrLinkClosed = errors.New("uplink closed")

// Message is one unit sent to the cloud.
type Message struct {
	Channel   string `cbor:"1,keyasint"`
	Payload   []byte `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
}

// Link carries messages to the cloud.
type Link interface {
	Send(ctx context.Context, msg Message) error
	Status() capability.UplinkStatus
	Close() error
}

// Driver exposes a Link as the CloudUplink capability.
type Driver struct {
	link    Link
	version uint32
	now     func() time.Time
}

// New creates the driver. A zero version reports 1.
func New(link Link, version uint32) *Driver {
	if version == 0 {
		version = 1
	}
	return &Driver{link: link, version: version, now: time.Now}
}

// Probe reports the CloudUplink capability.
func (d *Driver) Probe(context.Context) ([]capability.Descriptor, error) {
	return capability.ProbeFamily(capability.FamilyUplink, d.version), nil
}

// Invoke runs one CloudUplink operation.
func (d *Driver) Invoke(ctx context.Context, capName, op string, args capability.Args) (any, error) {
	if capName != "CloudUplink" {
		return nil, fmt.Errorf("%w: no capability %q on this uplink", capability.ErrInvalidArgs, capName)
	}
	switch op {
	case "status":
		return d.link.Status(), nil
	case "send":
		channel, err := args.String("channel")
		if err != nil {
			return nil, err
		}
		if channel == "" {
			return nil, fmt.Errorf("%w: empty channel", capability.ErrInvalidArgs)
		}
		payload, err := args.Bytes("payload")
		if err != nil {
			return nil, err
		}
		msg := Message{Channel: channel, Payload: payload, Timestamp: d.now().UnixNano()}
		if err := d.link.Send(ctx, msg); err != nil {
			return nil, fmt.Errorf("%w: send on %s: %v", capability.ErrHardwareFault, channel, err)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: CloudUplink has no operation %q", capability.ErrInvalidArgs, op)
}

// Close closes the link.
func (d *Driver) Close() error {
	return d.link.Close()
}

// MemoryLink stores messages in memory.
type MemoryLink struct {
	mu     sync.Mutex
	msgs   []Message
	sent   uint64
	closed bool
}

// Send stores msg.
func (l *MemoryLink) Send(_ context.Context, msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	l.msgs = append(l.msgs, msg)
	l.sent++
	return nil
}

// Status reports the link as connected until closed.
func (l *MemoryLink) Status() capability.UplinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return capability.UplinkStatus{Connected: !l.closed, Endpoint: "memory", Sent: l.sent}
}

// Messages returns the stored messages.
func (l *MemoryLink) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs...)
}

// Close closes the link.
func (l *MemoryLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
