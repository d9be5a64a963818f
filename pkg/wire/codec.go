package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for broker messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for broker messages.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnixMicro,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		MaxArrayElements:  1 << 20,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

func rawPayload(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(cbor.RawMessage); ok {
		return raw, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return cbor.RawMessage(data), nil
}

func decodeRaw(raw cbor.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// EncodeRequest encodes a request message to CBOR bytes.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req.Kind = KindRequest
	return Marshal(req)
}

// DecodeRequest decodes CBOR bytes into a request message.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Kind != KindRequest {
		return nil, fmt.Errorf("not a request: kind=%s", req.Kind)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response message to CBOR bytes.
func EncodeResponse(resp *Response) ([]byte, error) {
	resp.Kind = KindResponse
	return Marshal(resp)
}

// DecodeResponse decodes CBOR bytes into a response message.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Kind != KindResponse {
		return nil, fmt.Errorf("not a response: kind=%s", resp.Kind)
	}
	return &resp, nil
}

// EncodeStreamRecord encodes a stream record to CBOR bytes.
func EncodeStreamRecord(rec *StreamRecord) ([]byte, error) {
	if rec.StreamID == 0 {
		return nil, fmt.Errorf("stream record without stream id")
	}
	rec.Kind = KindStream
	return Marshal(rec)
}

// DecodeStreamRecord decodes CBOR bytes into a stream record.
func DecodeStreamRecord(data []byte) (*StreamRecord, error) {
	var rec StreamRecord
	if err := Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode stream record: %w", err)
	}
	if rec.Kind != KindStream {
		return nil, fmt.Errorf("not a stream record: kind=%s", rec.Kind)
	}
	return &rec, nil
}

// EncodeControlMessage encodes a control message (ping/pong/close) to CBOR bytes.
func EncodeControlMessage(msg *ControlMessage) ([]byte, error) {
	msg.Kind = KindControl
	return Marshal(msg)
}

// DecodeControlMessage decodes CBOR bytes into a control message.
func DecodeControlMessage(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode control message: %w", err)
	}
	if msg.Kind != KindControl {
		return nil, fmt.Errorf("not a control message: kind=%s", msg.Kind)
	}
	return &msg, nil
}

// PeekKind returns the message kind of an encoded frame without decoding
// the rest of it.
func PeekKind(data []byte) (MessageKind, error) {
	var peek struct {
		Kind MessageKind `cbor:"0,keyasint"`
	}
	if err := Unmarshal(data, &peek); err != nil {
		return KindUnknown, fmt.Errorf("failed to peek message: %w", err)
	}
	switch peek.Kind {
	case KindRequest, KindResponse, KindStream, KindControl:
		return peek.Kind, nil
	default:
		return KindUnknown, fmt.Errorf("unknown message kind %d", peek.Kind)
	}
}

// Equal compares two values by their CBOR encoding.
func Equal(a, b any) bool {
	dataA, errA := Marshal(a)
	dataB, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(dataA, dataB)
}
