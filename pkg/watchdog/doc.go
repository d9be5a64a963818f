// Package watchdog expires actuator commands.
//
// Every actuator channel (for example CarMotors steering and throttle) has
// an entry that moves between two states:
//
//	IDLE --set--> ARMED --set--> ARMED
//	  ^                            |
//	  +------- sweep expiry -------+
//
// A set command arms or renews the entry. A periodic sweep, independent of
// any client, finds entries not renewed within the expiry interval and
// writes their safe default to the driver. Disconnecting the owner (or
// releasing the last handle) resets the channels immediately.
//
// # Timing
//
//   - Expiry interval: 1s by default
//   - Sweep period: a quarter of the expiry interval by default
//
// A command therefore expires between Interval and Interval+SweepPeriod
// after it was last renewed.
//
// # Locking
//
// Driver writes from the sweep and from Reset happen while holding the
// Locker from Config, which brokers set to their hardware serialization
// lock. Callers that hold that lock may call Renew but must not call Sweep
// or Reset.
package watchdog
