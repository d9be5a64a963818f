// Package transport carries broker messages over local Unix domain sockets.
//
// The transport layer handles:
//   - Length-prefixed message framing
//   - One reader goroutine per connection, delivering frames in order
//   - Keep-alive ping/pong for connection liveness
//   - Disconnect detection with a reason
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      CBOR Messages             │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│     Unix domain socket         │
//	└────────────────────────────────┘
//
// Each frame is a 4-byte big-endian payload length followed by the payload.
// Payloads are 1 byte to 1 MiB by default.
//
// # Disconnects
//
// A connection ends exactly once, with one of these reasons:
//   - closed: a close message was received or sent
//   - peer_gone: the socket reported EOF or an I/O error
//   - heartbeat_timeout: the peer missed too many pongs
//   - shutdown: the server is stopping
//
// The first cause wins. Disconnect callbacks run after the read loop has
// stopped, so no message handler for that connection is still running.
//
// # Keep-Alive
//
// Brokers ping every client (10s interval, 3s pong timeout, 3 missed pongs).
// Clients answer pings and may ping on their own.
package transport
