package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// AcquireKind acquires the capability named after k with any version.
func (c *Client) AcquireKind(ctx context.Context, k capability.Kind) (*Handle, error) {
	return c.Acquire(ctx, k.String(), 0)
}

// VersionInfo reports the controller firmware identity.
type VersionInfo struct{ *Handle }

// Name returns the firmware name.
func (v VersionInfo) Name(ctx context.Context) (string, error) {
	var s string
	err := v.InvokeInto(ctx, "name", nil, &s)
	return s, err
}

// Version returns the firmware version.
func (v VersionInfo) Version(ctx context.Context) (string, error) {
	var s string
	err := v.InvokeInto(ctx, "version", nil, &s)
	return s, err
}

// Battery reads the battery voltage.
type Battery struct{ *Handle }

// Millivolts returns the current battery voltage.
func (b Battery) Millivolts(ctx context.Context) (int64, error) {
	var mv int64
	err := b.InvokeInto(ctx, "millivolts", nil, &mv)
	return mv, err
}

// Minutes returns the estimated remaining run time.
func (b Battery) Minutes(ctx context.Context) (float64, error) {
	var m float64
	err := b.InvokeInto(ctx, "minutes", nil, &m)
	return m, err
}

// Watch streams the battery voltage.
func (b Battery) Watch(ctx context.Context, opts SubscribeOptions) (*Stream, error) {
	return b.Subscribe(ctx, "millivolts", nil, opts)
}

// Buzzer plays note strings.
type Buzzer struct{ *Handle }

// Play starts playing notes. An empty string plays the default tune.
func (b Buzzer) Play(ctx context.Context, notes string) error {
	var args capability.Args
	if notes != "" {
		args = capability.Args{"notes": notes}
	}
	return b.InvokeInto(ctx, "play", args, nil)
}

// IsPlaying reports whether the buzzer is still playing.
func (b Buzzer) IsPlaying(ctx context.Context) (bool, error) {
	var playing bool
	err := b.InvokeInto(ctx, "is_playing", nil, &playing)
	return playing, err
}

// BuzzerPollInterval is how often Wait asks whether the tune is over.
const BuzzerPollInterval = 50 * time.Millisecond

// Wait blocks until the current tune has finished. Each poll is a separate
// is_playing call, so the broker stays free for other clients in between.
func (b Buzzer) Wait(ctx context.Context) error {
	ticker := time.NewTicker(BuzzerPollInterval)
	defer ticker.Stop()
	for {
		playing, err := b.IsPlaying(ctx)
		if err != nil || !playing {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Inertial reads a three-axis sensor (Gyroscope or Accelerometer).
type Inertial struct{ *Handle }

// Read returns one sample.
func (i Inertial) Read(ctx context.Context) (capability.Vector, error) {
	var v capability.Vector
	err := i.InvokeInto(ctx, "read", nil, &v)
	return v, err
}

// Watch streams samples.
func (i Inertial) Watch(ctx context.Context, opts SubscribeOptions) (*Stream, error) {
	return i.Subscribe(ctx, "read", nil, opts)
}

// PushButtons reads the controller buttons.
type PushButtons struct{ *Handle }

// NumButtons returns the number of buttons.
func (p PushButtons) NumButtons(ctx context.Context) (int, error) {
	var n int
	err := p.InvokeInto(ctx, "num_buttons", nil, &n)
	return n, err
}

// States returns whether each button is pressed.
func (p PushButtons) States(ctx context.Context) ([]bool, error) {
	var states []bool
	err := p.InvokeInto(ctx, "states", nil, &states)
	return states, err
}

// Events returns the presses and releases since the previous call.
func (p PushButtons) Events(ctx context.Context) ([]capability.ButtonEvent, error) {
	var events []capability.ButtonEvent
	err := p.InvokeInto(ctx, "events", nil, &events)
	return events, err
}

// LEDs switches the controller LEDs.
type LEDs struct{ *Handle }

// Map returns the LED names and their indexes.
func (l LEDs) Map(ctx context.Context) (map[string]int, error) {
	var m map[string]int
	err := l.InvokeInto(ctx, "led_map", nil, &m)
	return m, err
}

// Set switches one LED.
func (l LEDs) Set(ctx context.Context, led string, on bool) error {
	return l.InvokeInto(ctx, "set_led", capability.Args{"led": led, "on": on}, nil)
}

// SetMany switches several LEDs at once.
func (l LEDs) SetMany(ctx context.Context, states map[string]bool) error {
	leds := make([]any, 0, len(states))
	for name, on := range states {
		leds = append(leds, []any{name, on})
	}
	return l.InvokeInto(ctx, "set_many_leds", capability.Args{"leds": leds}, nil)
}

// Photoresistor reads the light sensor.
type Photoresistor struct{ *Handle }

// Read returns one sample.
func (p Photoresistor) Read(ctx context.Context) (capability.LightReading, error) {
	var r capability.LightReading
	err := p.InvokeInto(ctx, "read", nil, &r)
	return r, err
}

// Encoders reads the wheel encoders.
type Encoders struct{ *Handle }

// NumEncoders returns the number of encoders.
func (e Encoders) NumEncoders(ctx context.Context) (int, error) {
	var n int
	err := e.InvokeInto(ctx, "num_encoders", nil, &n)
	return n, err
}

// ReadCounts returns the tick count of encoder index.
func (e Encoders) ReadCounts(ctx context.Context, index int) (int64, error) {
	var n int64
	err := e.InvokeInto(ctx, "read_counts", capability.Args{"index": index}, &n)
	return n, err
}

// LoopFrequency reads the controller main loop rate.
type LoopFrequency struct{ *Handle }

// Read returns the loop rate in hertz.
func (l LoopFrequency) Read(ctx context.Context) (float64, error) {
	var hz float64
	err := l.InvokeInto(ctx, "read", nil, &hz)
	return hz, err
}

// CarMotors drives the car. Steering and throttle must be refreshed within
// the broker's watchdog interval or they fall back to zero.
type CarMotors struct{ *Handle }

// On enables the motors.
func (m CarMotors) On(ctx context.Context) error {
	return m.InvokeInto(ctx, "on", nil, nil)
}

// Off disables the motors.
func (m CarMotors) Off(ctx context.Context) error {
	return m.InvokeInto(ctx, "off", nil, nil)
}

// SetSteering sets the steering angle in degrees, -45 to 45.
func (m CarMotors) SetSteering(ctx context.Context, degrees float64) error {
	return m.InvokeInto(ctx, "set_steering", capability.Args{"steering": degrees}, nil)
}

// SetThrottle sets the throttle percentage, -100 to 100.
func (m CarMotors) SetThrottle(ctx context.Context, percent float64) error {
	return m.InvokeInto(ctx, "set_throttle", capability.Args{"throttle": percent}, nil)
}

// SafeThrottle returns the configured safe throttle range.
func (m CarMotors) SafeThrottle(ctx context.Context) (capability.SafeThrottle, error) {
	var st capability.SafeThrottle
	err := m.InvokeInto(ctx, "get_safe_throttle", nil, &st)
	return st, err
}

// SetSafeThrottle stores a new safe throttle range.
func (m CarMotors) SetSafeThrottle(ctx context.Context, st capability.SafeThrottle) error {
	return m.InvokeInto(ctx, "set_safe_throttle", capability.Args{
		"min_throttle": st.Min,
		"max_throttle": st.Max,
	}, nil)
}

// PWMs drives the general purpose PWM outputs. Duty cycles must be refreshed
// within the broker's watchdog interval or they fall back to zero.
type PWMs struct{ *Handle }

// NumPins returns the number of PWM outputs.
func (p PWMs) NumPins(ctx context.Context) (int, error) {
	var n int
	err := p.InvokeInto(ctx, "num_pins", nil, &n)
	return n, err
}

// Enable starts pin at frequency Hz with a zero duty cycle. Pins 0 to 2
// share one frequency.
func (p PWMs) Enable(ctx context.Context, pin, frequency int) error {
	return p.InvokeInto(ctx, "enable", capability.Args{"pin": pin, "frequency": frequency}, nil)
}

// SetDuty sets the duty cycle of an enabled pin in percent.
func (p PWMs) SetDuty(ctx context.Context, pin int, duty float64) error {
	return p.InvokeInto(ctx, "set_duty", capability.Args{"pin": pin, "duty": duty}, nil)
}

// Disable stops pin.
func (p PWMs) Disable(ctx context.Context, pin int) error {
	return p.InvokeInto(ctx, "disable", capability.Args{"pin": pin}, nil)
}

// PidSteering holds the car on a heading using the accumulated gyroscope.
// The loop is disabled unless Enable or SetPoint is called within the
// broker's watchdog interval.
type PidSteering struct{ *Handle }

// SetPID configures the loop gains. A zero errorAccumMax leaves the
// integral term unbounded.
func (s PidSteering) SetPID(ctx context.Context, p, i, d, errorAccumMax float64) error {
	return s.InvokeInto(ctx, "set_pid", capability.Args{"p": p, "i": i, "d": d, "error_accum_max": errorAccumMax}, nil)
}

// SetPoint sets the target heading in degrees.
func (s PidSteering) SetPoint(ctx context.Context, degrees float64) error {
	return s.InvokeInto(ctx, "set_point", capability.Args{"point": degrees}, nil)
}

// Enable starts the loop.
func (s PidSteering) Enable(ctx context.Context, invertOutput bool) error {
	return s.InvokeInto(ctx, "enable", capability.Args{"invert_output": invertOutput}, nil)
}

// Disable stops the loop and straightens the wheels.
func (s PidSteering) Disable(ctx context.Context) error {
	return s.InvokeInto(ctx, "disable", nil, nil)
}

// State returns the loop configuration.
func (s PidSteering) State(ctx context.Context) (capability.PidState, error) {
	var st capability.PidState
	err := s.InvokeInto(ctx, "state", nil, &st)
	return st, err
}

// Power reports the v2 power board.
type Power struct{ *Handle }

// Source returns the power source, "battery" on every current board.
func (p Power) Source(ctx context.Context) (string, error) {
	var s string
	err := p.InvokeInto(ctx, "state", nil, &s)
	return s, err
}

// Millivolts returns the battery voltage.
func (p Power) Millivolts(ctx context.Context) (int64, error) {
	var mv int64
	err := p.InvokeInto(ctx, "millivolts", nil, &mv)
	return mv, err
}

// EstimateRemaining converts millivolts to a run time estimate. Zero uses
// the current battery voltage.
func (p Power) EstimateRemaining(ctx context.Context, millivolts int) (capability.PowerEstimate, error) {
	var args capability.Args
	if millivolts > 0 {
		args = capability.Args{"millivolts": millivolts}
	}
	var est capability.PowerEstimate
	err := p.InvokeInto(ctx, "estimate_remaining", args, &est)
	return est, err
}

// ShouldShutDown reports whether the power switch was turned off.
func (p Power) ShouldShutDown(ctx context.Context) (bool, error) {
	var off bool
	err := p.InvokeInto(ctx, "should_shut_down", nil, &off)
	return off, err
}

// ShutDown powers the car off.
func (p Power) ShutDown(ctx context.Context) error {
	return p.InvokeInto(ctx, "shut_down", nil, nil)
}

// Reboot restarts the car.
func (p Power) Reboot(ctx context.Context) error {
	return p.InvokeInto(ctx, "reboot", nil, nil)
}

// GyroscopeAccum reads the integrated gyroscope angles in degrees.
type GyroscopeAccum struct{ *Handle }

// Read returns the angles accumulated since the last Reset.
func (g GyroscopeAccum) Read(ctx context.Context) (capability.Vector, error) {
	var v capability.Vector
	err := g.InvokeInto(ctx, "read", nil, &v)
	return v, err
}

// Reset zeroes the accumulated angles.
func (g GyroscopeAccum) Reset(ctx context.Context) error {
	return g.InvokeInto(ctx, "reset", nil, nil)
}

// Watch streams the accumulated angles.
func (g GyroscopeAccum) Watch(ctx context.Context, opts SubscribeOptions) (*Stream, error) {
	return g.Subscribe(ctx, "read", nil, opts)
}

// Camera captures frames.
type Camera struct{ *Handle }

// Capture returns the latest frame with its pixels decompressed.
func (c Camera) Capture(ctx context.Context) (capability.Frame, error) {
	var f capability.Frame
	if err := c.InvokeInto(ctx, "capture", nil, &f); err != nil {
		return f, err
	}
	return f, DecodeFrame(&f)
}

// Resolution returns the camera output format.
func (c Camera) Resolution(ctx context.Context) (capability.Resolution, error) {
	var r capability.Resolution
	err := c.InvokeInto(ctx, "resolution", nil, &r)
	return r, err
}

// Watch streams frames. Decode each record with DecodeFrame after
// Record.Decode.
func (c Camera) Watch(ctx context.Context, opts SubscribeOptions) (*Stream, error) {
	return c.Subscribe(ctx, "capture", nil, opts)
}

var frameDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// DecodeFrame decompresses zstd frame pixels in place. Raw frames are left
// unchanged.
func DecodeFrame(f *capability.Frame) error {
	raw, ok := strings.CutPrefix(f.Encoding, "zstd+")
	if !ok {
		return nil
	}
	pixels, err := frameDecoder.DecodeAll(f.Pixels, make([]byte, 0, f.Width*f.Height*f.BytesPerPixel()))
	if err != nil {
		return fmt.Errorf("decode frame %d: %w", f.Index, err)
	}
	f.Pixels = pixels
	f.Encoding = raw
	return nil
}

// Console drives the car display.
type Console struct{ *Handle }

// WriteText appends text to the console.
func (c Console) WriteText(ctx context.Context, text string) error {
	return c.InvokeInto(ctx, "write_text", capability.Args{"text": text}, nil)
}

// ClearText clears the console text.
func (c Console) ClearText(ctx context.Context) error {
	return c.InvokeInto(ctx, "clear_text", nil, nil)
}

// Text returns the console text.
func (c Console) Text(ctx context.Context) (string, error) {
	var s string
	err := c.InvokeInto(ctx, "text", nil, &s)
	return s, err
}

// BigImage shows a named full-screen image.
func (c Console) BigImage(ctx context.Context, name string) error {
	return c.InvokeInto(ctx, "big_image", capability.Args{"name": name}, nil)
}

// BigStatus shows a full-screen status line.
func (c Console) BigStatus(ctx context.Context, status string) error {
	return c.InvokeInto(ctx, "big_status", capability.Args{"status": status}, nil)
}

// BigClear clears the full-screen area.
func (c Console) BigClear(ctx context.Context) error {
	return c.InvokeInto(ctx, "big_clear", nil, nil)
}

// StreamImage shows a raw grayscale image.
func (c Console) StreamImage(ctx context.Context, width, height int, pixels []byte) error {
	return c.InvokeInto(ctx, "stream_image", capability.Args{
		"width":  width,
		"height": height,
		"pixels": pixels,
	}, nil)
}

// ClearImage removes the streamed image.
func (c Console) ClearImage(ctx context.Context) error {
	return c.InvokeInto(ctx, "clear_image", nil, nil)
}

// SetBatteryPercent updates the battery indicator.
func (c Console) SetBatteryPercent(ctx context.Context, percent int) error {
	return c.InvokeInto(ctx, "set_battery_percent", capability.Args{"percent": percent}, nil)
}

// CloudUplink forwards data to the cloud.
type CloudUplink struct{ *Handle }

// Send queues payload on channel.
func (u CloudUplink) Send(ctx context.Context, channel string, payload []byte) error {
	return u.InvokeInto(ctx, "send", capability.Args{"channel": channel, "payload": payload}, nil)
}

// Status returns the uplink connection state.
func (u CloudUplink) Status(ctx context.Context) (capability.UplinkStatus, error) {
	var st capability.UplinkStatus
	err := u.InvokeInto(ctx, "status", nil, &st)
	return st, err
}
