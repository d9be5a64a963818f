package log

import (
	"time"

	"github.com/rovekit/rovekit-go/pkg/wire"
)

// Event is one captured protocol event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the connection (UUID). Empty for broker-internal
	// events such as watchdog expiry.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// Role tells whether a broker or a client captured the event.
	Role Role `cbor:"6,keyasint,omitempty"`

	// Broker names the broker instance, e.g. "controller".
	Broker string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the message encoding layer (decoded CBOR).
	LayerWire Layer = 1
	// LayerBroker is the capability broker.
	LayerBroker Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerBroker:
		return "BROKER"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates which side captured the event.
type Role uint8

const (
	RoleBroker Role = 0
	RoleClient Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleBroker:
		return "BROKER"
	case RoleClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded message at the wire layer.
type MessageEvent struct {
	Kind      wire.MessageKind `cbor:"1,keyasint"`
	MessageID uint32           `cbor:"2,keyasint,omitempty"`

	// Requests only.
	Operation  *wire.Operation `cbor:"3,keyasint,omitempty"`
	Capability string          `cbor:"4,keyasint,omitempty"`
	HandleID   uint32          `cbor:"5,keyasint,omitempty"`

	// Responses only.
	Status *wire.Status `cbor:"6,keyasint,omitempty"`

	// Stream records only.
	StreamID uint32 `cbor:"7,keyasint,omitempty"`
	Seq      uint64 `cbor:"8,keyasint,omitempty"`

	// ProcessingTime is the duration from request receipt to response send.
	ProcessingTime *time.Duration `cbor:"9,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle transitions.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`

	// Subject names the capability or actuator channel the change applies to.
	Subject string `cbor:"5,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntityHandle     StateEntity = 1
	StateEntityDevice     StateEntity = 2
	StateEntityWatchdog   StateEntity = 3
	StateEntityStream     StateEntity = 4
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityHandle:
		return "HANDLE"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityWatchdog:
		return "WATCHDOG"
	case StateEntityStream:
		return "STREAM"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures transport-level control messages.
type ControlMsgEvent struct {
	Type     wire.ControlMessageType `cbor:"1,keyasint"`
	Sequence uint32                  `cbor:"2,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Status is the wire status the error maps to, if any.
	Status *wire.Status `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}

// MessageEventFor builds a wire-layer message event from an encoded frame.
// Frames that do not decode yield nil.
func MessageEventFor(data []byte) *MessageEvent {
	kind, err := wire.PeekKind(data)
	if err != nil {
		return nil
	}
	switch kind {
	case wire.KindRequest:
		req, err := wire.DecodeRequest(data)
		if err != nil {
			return nil
		}
		op := req.Operation
		return &MessageEvent{
			Kind:       kind,
			MessageID:  req.MessageID,
			Operation:  &op,
			Capability: req.Capability,
			HandleID:   req.HandleID,
		}
	case wire.KindResponse:
		resp, err := wire.DecodeResponse(data)
		if err != nil {
			return nil
		}
		status := resp.Status
		return &MessageEvent{Kind: kind, MessageID: resp.MessageID, Status: &status}
	case wire.KindStream:
		rec, err := wire.DecodeStreamRecord(data)
		if err != nil {
			return nil
		}
		return &MessageEvent{Kind: kind, StreamID: rec.StreamID, Seq: rec.Seq}
	default:
		return nil
	}
}
