package wire

// Operation identifies a broker request.
type Operation uint8

const (
	// OpHello exchanges protocol versions. Sent once after connecting.
	OpHello Operation = 1

	// OpList returns the capability registry.
	OpList Operation = 2

	// OpAcquire creates a handle for a capability.
	OpAcquire Operation = 3

	// OpRelease destroys a handle.
	OpRelease Operation = 4

	// OpInvoke runs a capability operation through a handle.
	OpInvoke Operation = 5

	// OpSubscribe opens a push stream of repeated reads through a handle.
	OpSubscribe Operation = 6

	// OpUnsubscribe closes a stream.
	OpUnsubscribe Operation = 7
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpHello:
		return "Hello"
	case OpList:
		return "List"
	case OpAcquire:
		return "Acquire"
	case OpRelease:
		return "Release"
	case OpInvoke:
		return "Invoke"
	case OpSubscribe:
		return "Subscribe"
	case OpUnsubscribe:
		return "Unsubscribe"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the operation is known.
func (o Operation) IsValid() bool {
	return o >= OpHello && o <= OpUnsubscribe
}

// NeedsHandle returns true if the request must carry a handle ID.
func (o Operation) NeedsHandle() bool {
	switch o {
	case OpRelease, OpInvoke, OpSubscribe:
		return true
	default:
		return false
	}
}
