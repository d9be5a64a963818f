package wire

import (
	"errors"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// Status represents a response status code.
type Status uint8

const (
	// StatusSuccess indicates the operation completed successfully.
	StatusSuccess Status = 0

	// StatusNotFound indicates an unknown capability name.
	StatusNotFound Status = 1

	// StatusAlreadyHeld indicates an exclusivity or holder-limit violation.
	StatusAlreadyHeld Status = 2

	// StatusNotOwner indicates the handle is not owned by this connection.
	StatusNotOwner Status = 3

	// StatusAlreadyReleased indicates the handle was released before.
	StatusAlreadyReleased Status = 4

	// StatusVersionMismatch indicates a protocol or capability version disagreement.
	StatusVersionMismatch Status = 5

	// StatusInvalidArgs indicates an unknown operation or bad arguments.
	StatusInvalidArgs Status = 6

	// StatusHardwareFault indicates the driver failed.
	StatusHardwareFault Status = 7

	// StatusDisconnected indicates the broker is shutting down.
	StatusDisconnected Status = 8

	// StatusBadRequest indicates a malformed request.
	StatusBadRequest Status = 9

	// StatusInternal indicates an unexpected broker error.
	StatusInternal Status = 10
)

// Protocol-level errors without a capability equivalent.
var (
	ErrBadRequest = errors.New("bad request")
	ErrInternal   = errors.New("internal broker error")
)

var statusErrors = []struct {
	status Status
	err    error
}{
	{StatusNotFound, capability.ErrNotFound},
	{StatusAlreadyHeld, capability.ErrAlreadyHeld},
	{StatusNotOwner, capability.ErrNotOwner},
	{StatusAlreadyReleased, capability.ErrAlreadyReleased},
	{StatusVersionMismatch, capability.ErrVersionMismatch},
	{StatusInvalidArgs, capability.ErrInvalidArgs},
	{StatusHardwareFault, capability.ErrHardwareFault},
	{StatusDisconnected, capability.ErrDisconnected},
	{StatusBadRequest, ErrBadRequest},
}

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusAlreadyHeld:
		return "ALREADY_HELD"
	case StatusNotOwner:
		return "NOT_OWNER"
	case StatusAlreadyReleased:
		return "ALREADY_RELEASED"
	case StatusVersionMismatch:
		return "VERSION_MISMATCH"
	case StatusInvalidArgs:
		return "INVALID_ARGS"
	case StatusHardwareFault:
		return "HARDWARE_FAULT"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// Err returns the sentinel error for the status, or nil on success.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	for _, se := range statusErrors {
		if se.status == s {
			return se.err
		}
	}
	return ErrInternal
}

// StatusOf maps an error to its wire status. Unrecognized errors map to
// StatusInternal.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return StatusInternal
}
