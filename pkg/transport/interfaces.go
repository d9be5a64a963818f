package transport

import (
	"context"
	"net"
)

// Conn is either end of a broker connection.
// Implemented by ServerConn and ClientConn.
type Conn interface {
	// Send sends one frame to the peer.
	Send(data []byte) error

	// Close sends a close message and closes the connection.
	Close() error

	// Reason returns why the connection ended.
	Reason() DisconnectReason
}

// TransportServer accepts broker connections.
// Implemented by Server.
type TransportServer interface {
	// Start begins accepting connections.
	Start(ctx context.Context) error

	// Stop closes every connection and stops accepting.
	Stop() error

	// Addr returns the server's listen address.
	Addr() net.Addr

	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
}

// FrameReadWriter provides length-prefixed frame I/O.
// Implemented by Framer.
type FrameReadWriter interface {
	// ReadFrame reads a length-prefixed frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes a length-prefixed frame.
	WriteFrame(data []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ Conn            = (*ServerConn)(nil)
	_ Conn            = (*ClientConn)(nil)
	_ TransportServer = (*Server)(nil)
	_ FrameReadWriter = (*Framer)(nil)
)
