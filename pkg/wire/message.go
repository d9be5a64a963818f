package wire

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// KeyKind is the CBOR map key carrying the message kind in every frame.
const KeyKind = 0

// MessageKind distinguishes the four frame types on a connection.
type MessageKind uint8

const (
	KindUnknown  MessageKind = 0
	KindRequest  MessageKind = 1
	KindResponse MessageKind = 2
	KindStream   MessageKind = 3
	KindControl  MessageKind = 4
)

// String returns the kind name.
func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStream:
		return "stream"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Request is sent by a client to a broker.
//
// CBOR encoding:
//
//	{
//	  0: 1,            // kind
//	  1: messageId,    // uint32, non-zero, chosen by the caller
//	  2: operation,    // uint8
//	  3: capability,   // string (acquire)
//	  4: handleId,     // uint32 (release, invoke, subscribe)
//	  5: payload       // operation-specific, encoded CBOR
//	}
type Request struct {
	Kind       MessageKind     `cbor:"0,keyasint"`
	MessageID  uint32          `cbor:"1,keyasint"`
	Operation  Operation       `cbor:"2,keyasint"`
	Capability string          `cbor:"3,keyasint,omitempty"`
	HandleID   uint32          `cbor:"4,keyasint,omitempty"`
	Payload    cbor.RawMessage `cbor:"5,keyasint,omitempty"`
}

// Validate checks if the request is well formed.
func (r *Request) Validate() error {
	if r.MessageID == 0 {
		return fmt.Errorf("messageId 0 is reserved")
	}
	if !r.Operation.IsValid() {
		return fmt.Errorf("invalid operation: %d", r.Operation)
	}
	if r.Operation == OpAcquire && r.Capability == "" {
		return fmt.Errorf("%s requires a capability name", r.Operation)
	}
	if r.Operation.NeedsHandle() && r.HandleID == 0 {
		return fmt.Errorf("%s requires a handle", r.Operation)
	}
	return nil
}

// SetPayload encodes v into the request payload.
func (r *Request) SetPayload(v any) error {
	raw, err := rawPayload(v)
	if err != nil {
		return err
	}
	r.Payload = raw
	return nil
}

// DecodePayload decodes the request payload into v.
// An absent payload leaves v untouched.
func (r *Request) DecodePayload(v any) error {
	return decodeRaw(r.Payload, v)
}

// Response is sent by a broker for every request.
//
// CBOR encoding:
//
//	{
//	  0: 2,            // kind
//	  1: messageId,    // echoes the request
//	  2: status,       // uint8
//	  3: message,      // string, error detail
//	  4: payload       // operation-specific, encoded CBOR
//	}
type Response struct {
	Kind      MessageKind     `cbor:"0,keyasint"`
	MessageID uint32          `cbor:"1,keyasint"`
	Status    Status          `cbor:"2,keyasint"`
	Message   string          `cbor:"3,keyasint,omitempty"`
	Payload   cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// SetPayload encodes v into the response payload.
func (r *Response) SetPayload(v any) error {
	raw, err := rawPayload(v)
	if err != nil {
		return err
	}
	r.Payload = raw
	return nil
}

// DecodePayload decodes the response payload into v.
func (r *Response) DecodePayload(v any) error {
	return decodeRaw(r.Payload, v)
}

// ErrorResponse builds a failed response for a request from err.
func ErrorResponse(messageID uint32, err error) *Response {
	return &Response{
		MessageID: messageID,
		Status:    StatusOf(err),
		Message:   err.Error(),
	}
}

// StreamRecord is one pushed item of an open stream.
//
// CBOR encoding:
//
//	{
//	  0: 3,            // kind
//	  1: streamId,     // uint32
//	  2: seq,          // uint64, starts at 1 per stream
//	  3: timestamp,    // int64, unix nanoseconds
//	  4: value,        // encoded CBOR
//	  5: dropped,      // uint64, items dropped since the previous record
//	  6: end,          // bool, last record of the stream
//	  7: error         // string, why the stream ended
//	}
type StreamRecord struct {
	Kind      MessageKind     `cbor:"0,keyasint"`
	StreamID  uint32          `cbor:"1,keyasint"`
	Seq       uint64          `cbor:"2,keyasint,omitempty"`
	Timestamp int64           `cbor:"3,keyasint,omitempty"`
	Value     cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Dropped   uint64          `cbor:"5,keyasint,omitempty"`
	End       bool            `cbor:"6,keyasint,omitempty"`
	Error     string          `cbor:"7,keyasint,omitempty"`
}

// Time returns the record timestamp.
func (s *StreamRecord) Time() time.Time {
	return time.Unix(0, s.Timestamp)
}

// SetValue encodes v into the record value.
func (s *StreamRecord) SetValue(v any) error {
	raw, err := rawPayload(v)
	if err != nil {
		return err
	}
	s.Value = raw
	return nil
}

// DecodeValue decodes the record value into v.
func (s *StreamRecord) DecodeValue(v any) error {
	return decodeRaw(s.Value, v)
}

// ControlMessage represents a transport-level control message.
// These are separate from the request/response/stream model.
type ControlMessage struct {
	Kind     MessageKind        `cbor:"0,keyasint"`
	Type     ControlMessageType `cbor:"1,keyasint"`
	Sequence uint32             `cbor:"2,keyasint,omitempty"`
}

// ControlMessageType represents the type of control message.
type ControlMessageType uint8

const (
	// ControlPing is sent to check connection liveness.
	ControlPing ControlMessageType = 1

	// ControlPong is the response to a ping.
	ControlPong ControlMessageType = 2

	// ControlClose initiates graceful connection close.
	ControlClose ControlMessageType = 3
)

// String returns the control message type name.
func (t ControlMessageType) String() string {
	switch t {
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	case ControlClose:
		return "close"
	default:
		return "unknown"
	}
}

// HelloPayload opens a session.
type HelloPayload struct {
	ProtocolVersion string `cbor:"1,keyasint"`
	Client          string `cbor:"2,keyasint,omitempty"`
}

// HelloResponsePayload answers Hello.
type HelloResponsePayload struct {
	ProtocolVersion string `cbor:"1,keyasint"`
	Broker          string `cbor:"2,keyasint,omitempty"`
	Family          string `cbor:"3,keyasint,omitempty"`
}

// ListResponsePayload carries the capability registry.
type ListResponsePayload struct {
	Capabilities []capability.Descriptor `cbor:"1,keyasint"`
}

// AcquirePayload carries the capability version the client was written
// against. Zero accepts any version.
type AcquirePayload struct {
	Version uint32 `cbor:"1,keyasint,omitempty"`
}

// AcquireResponsePayload describes a new handle.
type AcquireResponsePayload struct {
	HandleID   uint32                `cbor:"1,keyasint"`
	Descriptor capability.Descriptor `cbor:"2,keyasint"`
	AcquiredAt int64                 `cbor:"3,keyasint"`
}

// InvokePayload names a capability operation and its arguments.
type InvokePayload struct {
	Op   string          `cbor:"1,keyasint"`
	Args capability.Args `cbor:"2,keyasint,omitempty"`
}

// SubscribePayload opens a stream of repeated reads of Op.
type SubscribePayload struct {
	Op   string          `cbor:"1,keyasint"`
	Args capability.Args `cbor:"2,keyasint,omitempty"`

	// IntervalMS paces reads. Zero uses the broker default.
	IntervalMS uint32 `cbor:"3,keyasint,omitempty"`

	// Buffer is the number of unread records kept before the oldest is
	// dropped. Zero uses the broker default.
	Buffer uint32 `cbor:"4,keyasint,omitempty"`
}

// SubscribeResponsePayload identifies a new stream.
type SubscribeResponsePayload struct {
	StreamID uint32 `cbor:"1,keyasint"`
}

// UnsubscribePayload closes a stream.
type UnsubscribePayload struct {
	StreamID uint32 `cbor:"1,keyasint"`
}
