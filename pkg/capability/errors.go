package capability

import "errors"

// Broker error taxonomy.
var (
	// ErrNotFound indicates an unknown capability name.
	ErrNotFound = errors.New("capability not found")

	// ErrAlreadyHeld indicates the capability is held exclusively, or its
	// shared holder limit is reached.
	ErrAlreadyHeld = errors.New("capability already held")

	// ErrNotOwner indicates an operation on a handle the caller does not own.
	ErrNotOwner = errors.New("handle not owned by caller")

	// ErrAlreadyReleased indicates a second release of the same handle.
	ErrAlreadyReleased = errors.New("handle already released")

	// ErrVersionMismatch indicates a client and broker disagree on a
	// capability or protocol version.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrInvalidArgs indicates an unknown operation or malformed arguments.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrHardwareFault indicates the underlying driver failed.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrDisconnected indicates the transport connection is gone.
	ErrDisconnected = errors.New("disconnected")
)
