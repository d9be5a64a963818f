// Package wire defines the CBOR wire format spoken between brokers and clients.
//
// Every frame is a CBOR map with integer keys. Key 0 holds the message kind,
// so a receiver can classify a frame with PeekKind before decoding it fully.
//
// # Message Kinds
//
//   - Request: client to broker (Hello, List, Acquire, Release, Invoke,
//     Subscribe, Unsubscribe), correlated by a caller-chosen message ID
//   - Response: broker to client, echoing the request's message ID
//   - StreamRecord: broker to client, tagged with the stream ID
//   - ControlMessage: either direction (ping, pong, close)
//
// # Payloads
//
// Operation payloads are carried as embedded CBOR (cbor.RawMessage) so the
// envelope can be decoded without knowing the operation.
//
// # Status Codes
//
// Response status codes map one to one onto the capability error taxonomy;
// see StatusOf and Status.Err.
package wire
