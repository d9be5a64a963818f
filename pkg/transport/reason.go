package transport

// DisconnectReason tells why a connection ended.
type DisconnectReason uint8

const (
	// ReasonUnknown is reported only if a connection ends without any
	// recorded cause.
	ReasonUnknown DisconnectReason = iota

	// ReasonClosed means the peer sent a close message or Close was called.
	ReasonClosed

	// ReasonPeerGone means the read side hit EOF or an I/O error.
	ReasonPeerGone

	// ReasonHeartbeatTimeout means too many pings went unanswered.
	ReasonHeartbeatTimeout

	// ReasonShutdown means the local server is stopping.
	ReasonShutdown

	// ReasonProtocolError means the peer sent a frame that could not be
	// handled at all.
	ReasonProtocolError
)

// String returns the reason name as used in logs.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonPeerGone:
		return "peer_gone"
	case ReasonHeartbeatTimeout:
		return "heartbeat_timeout"
	case ReasonShutdown:
		return "shutdown"
	case ReasonProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}
