// Package broker implements the capability broker: the single owner of one
// hardware driver, shared by many client connections.
//
// # Handles
//
// A client acquires a Handle for a named capability and invokes operations
// through it. EXCLUSIVE capabilities allow one live handle; SHARED ones up
// to the descriptor's holder limit. Acquiring beyond that fails immediately
// with capability.ErrAlreadyHeld. Handles belong to the connection that
// acquired them and are released explicitly, when the connection goes away
// (ReleaseConnection), or on Close.
//
// # Serialization
//
// Two locks guard the broker. The hardware lock serializes every driver
// call: invocations, stream reads, device open and close, and watchdog
// resets. The bookkeeping lock guards the handle table and is never held
// while waiting on hardware. Lock order is hardware, then bookkeeping.
//
// # Lifecycle policy
//
//   - Actuator operations (CarMotors set_steering and set_throttle, PWMs
//     set_duty per pin, PidSteering enable and set_point) are clamped to
//     their range and renew a watchdog entry. An entry not renewed within
//     the interval is driven back to safe at its deadline, either by
//     writing the safe value or by the kind's reset operation (PidSteering
//     disable).
//   - The last release of an actuator capability writes safe defaults under
//     the hardware lock, before the next holder can issue a command.
//   - Idle-release kinds (Camera) keep the device open for a grace window
//     after the last release. An acquire inside the window reuses it.
//
// Driver errors and panics surface as capability.ErrHardwareFault to the
// caller and never affect other capabilities.
package broker
