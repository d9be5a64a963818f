package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// Driver is the hardware behind a broker. The broker calls it only while
// holding its hardware lock, so implementations need no locking of their own.
type Driver interface {
	capability.Prober

	// Invoke runs op of the named capability. Arguments have been validated
	// against the operation table and actuator values clamped.
	Invoke(ctx context.Context, capability, op string, args capability.Args) (any, error)

	// Close releases the hardware.
	Close() error
}

// DeviceManager is implemented by drivers whose capabilities have an
// expensive open step, such as a camera sensor.
type DeviceManager interface {
	OpenDevice(ctx context.Context, capability string) error
	CloseDevice(capability string) error
}

// driverError maps a driver failure onto the error taxonomy. Argument
// errors pass through; everything else is a hardware fault.
func driverError(capName, op string, err error) error {
	if errors.Is(err, capability.ErrInvalidArgs) || errors.Is(err, capability.ErrHardwareFault) {
		return fmt.Errorf("%s.%s: %w", capName, op, err)
	}
	return fmt.Errorf("%w: %s.%s: %v", capability.ErrHardwareFault, capName, op, err)
}

func panicError(capName, op string, r any) error {
	return fmt.Errorf("%w: %s.%s panicked: %v", capability.ErrHardwareFault, capName, op, r)
}
