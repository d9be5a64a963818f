package controller

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// Simulated battery range, matching a healthy two-cell pack.
const (
	SimMillivoltsMin = 7000
	SimMillivoltsMax = 8000
)

// Battery discharge curve used for the remaining-time estimate.
const (
	BatteryLowMillivolts  = 6500
	BatteryHighMillivolts = 8400

	// batteryFullMinutes is the run time of a full battery.
	batteryFullMinutes = 3.5 * 60

	// powerFullMinutes is the v2 power board's run time estimate.
	powerFullMinutes = 4 * 60
)

// pwmClockHz is the PWM timer clock. Frequencies must divide it exactly.
const pwmClockHz = 2_000_000

// yawGain is the simulated turn rate in degrees per second per degree of
// steering at full throttle.
const yawGain = 2.0

// noteDuration is the simulated length of one buzzer note.
const noteDuration = 125 * time.Millisecond

// SimConfig configures a simulated controller board.
type SimConfig struct {
	// Version is reported for every capability (default 1).
	Version uint32

	// LEDs names the board LEDs (default red, green, blue).
	LEDs []string

	Buttons  int
	Encoders int

	// Seed makes sensor noise reproducible. Zero uses a random seed.
	Seed uint64

	Clock clock.Clock
}

// SimBoard is an in-memory controller board. It provides every controller
// capability and records the values written to it.
type SimBoard struct {
	mu sync.Mutex

	version uint32
	clock   clock.Clock
	rng     *rand.Rand

	motorsOn bool
	steering float64
	throttle float64
	safe     capability.SafeThrottle

	ledNames []string
	leds     map[string]bool

	buzzerUntil time.Time

	buttons []bool
	events  []capability.ButtonEvent

	counts    []int64
	lastCount time.Time

	pwm [capability.NumPWMPins]pwmPin

	heading     float64
	headingZero float64
	lastHeading time.Time
	pid         pidLoop

	millivolts   int
	switchedOff  bool
	powerRequest string
	closed       bool
}

type pwmPin struct {
	enabled   bool
	frequency int64
	duty      float64
}

type pidLoop struct {
	capability.PidState
	accum   float64
	lastErr float64
}

// NewSim creates a simulated board.
func NewSim(cfg SimConfig) *SimBoard {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if len(cfg.LEDs) == 0 {
		cfg.LEDs = []string{"red", "green", "blue"}
	}
	if cfg.Buttons <= 0 {
		cfg.Buttons = 3
	}
	if cfg.Encoders <= 0 {
		cfg.Encoders = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	b := &SimBoard{
		version:   cfg.Version,
		clock:     cfg.Clock,
		rng:       rand.New(rand.NewPCG(seed, seed>>1)),
		safe:      capability.SafeThrottle{Min: -20, Max: 20},
		ledNames:  cfg.LEDs,
		leds:      make(map[string]bool, len(cfg.LEDs)),
		buttons:   make([]bool, cfg.Buttons),
		counts:    make([]int64, cfg.Encoders),
		lastCount: cfg.Clock.Now(),

		lastHeading: cfg.Clock.Now(),
	}
	for _, name := range cfg.LEDs {
		b.leds[name] = false
	}
	return b
}

// Probe reports every controller capability.
func (b *SimBoard) Probe(context.Context) ([]capability.Descriptor, error) {
	return capability.ProbeFamily(capability.FamilyController, b.version), nil
}

// Invoke runs one operation.
func (b *SimBoard) Invoke(ctx context.Context, capName, op string, args capability.Args) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: board closed", capability.ErrHardwareFault)
	}

	b.advanceHeading()

	switch capName {
	case "VersionInfo":
		return b.versionInfo(op)
	case "BatteryVoltageReader":
		return b.battery(op)
	case "Buzzer":
		return b.buzzer(op, args)
	case "Gyroscope":
		return b.vector(op, 0)
	case "Accelerometer":
		return b.vector(op, 9.81)
	case "PushButtons":
		return b.pushButtons(op)
	case "LEDs":
		return b.ledOp(op, args)
	case "Photoresistor":
		return b.photoresistor(op)
	case "Encoders":
		return b.encoders(op, args)
	case "LoopFrequency":
		if op != "read" {
			return nil, unknownOp(capName, op)
		}
		return 100 + b.noise(2), nil
	case "CarMotors":
		return b.carMotors(op, args)
	case "PWMs":
		return b.pwms(op, args)
	case "PidSteering":
		return b.pidSteering(op, args)
	case "Power":
		return b.power(op, args)
	case "GyroscopeAccum":
		return b.gyroAccum(op)
	}
	return nil, fmt.Errorf("%w: no capability %q on this board", capability.ErrInvalidArgs, capName)
}

// Close shuts the board down. Later invocations fail.
func (b *SimBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.motorsOn = false
	b.throttle = 0
	b.steering = 0
	b.pid.Enabled = false
	for i := range b.pwm {
		b.pwm[i] = pwmPin{}
	}
	return nil
}

func (b *SimBoard) versionInfo(op string) (any, error) {
	switch op {
	case "name":
		return "Simulated Controller", nil
	case "version":
		return fmt.Sprintf("%d.0", b.version), nil
	}
	return nil, unknownOp("VersionInfo", op)
}

func (b *SimBoard) battery(op string) (any, error) {
	mv := b.millivolts
	if mv == 0 {
		mv = SimMillivoltsMin + b.rng.IntN(SimMillivoltsMax-SimMillivoltsMin+1)
	}
	switch op {
	case "millivolts":
		return int64(mv), nil
	case "minutes":
		return math.Round(BatteryFraction(mv) * batteryFullMinutes), nil
	}
	return nil, unknownOp("BatteryVoltageReader", op)
}

// BatteryFraction maps a battery voltage to a charge fraction in [0, 1].
func BatteryFraction(millivolts int) float64 {
	f := float64(millivolts-BatteryLowMillivolts) / float64(BatteryHighMillivolts-BatteryLowMillivolts)
	return min(max(f, 0), 1)
}

func (b *SimBoard) buzzer(op string, args capability.Args) (any, error) {
	now := b.clock.Now()
	switch op {
	case "play":
		notes := args.StringOr("notes", capability.DefaultBuzzerNotes)
		b.buzzerUntil = now.Add(time.Duration(countNotes(notes)) * noteDuration)
		return nil, nil
	case "is_playing":
		return now.Before(b.buzzerUntil), nil
	}
	return nil, unknownOp("Buzzer", op)
}

// countNotes counts the notes and rests in a note string.
func countNotes(notes string) int {
	n := 0
	for _, r := range strings.ToLower(notes) {
		if strings.ContainsRune("abcdefgr", r) {
			n++
		}
	}
	return n
}

func (b *SimBoard) vector(op string, gravity float64) (any, error) {
	if op != "read" {
		return nil, unknownOp("inertial sensor", op)
	}
	return capability.Vector{X: b.noise(0.05), Y: b.noise(0.05), Z: gravity + b.noise(0.05)}, nil
}

func (b *SimBoard) pushButtons(op string) (any, error) {
	switch op {
	case "num_buttons":
		return len(b.buttons), nil
	case "states":
		return append([]bool(nil), b.buttons...), nil
	case "events":
		events := b.events
		b.events = nil
		if events == nil {
			events = []capability.ButtonEvent{}
		}
		return events, nil
	}
	return nil, unknownOp("PushButtons", op)
}

func (b *SimBoard) ledOp(op string, args capability.Args) (any, error) {
	switch op {
	case "led_map":
		m := make(map[string]int, len(b.ledNames))
		for i, name := range b.ledNames {
			m[name] = i
		}
		return m, nil
	case "set_led":
		name, err := args.String("led")
		if err != nil {
			return nil, err
		}
		on, err := args.Bool("on")
		if err != nil {
			return nil, err
		}
		return nil, b.setLED(name, on)
	case "set_many_leds":
		list, err := args.List("leds")
		if err != nil {
			return nil, err
		}
		for _, item := range list {
			pair, ok := item.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("%w: leds entries must be [name, on] pairs", capability.ErrInvalidArgs)
			}
			name, nameOK := pair[0].(string)
			on, onOK := pair[1].(bool)
			if !nameOK || !onOK {
				return nil, fmt.Errorf("%w: leds entries must be [name, on] pairs", capability.ErrInvalidArgs)
			}
			if err := b.setLED(name, on); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, unknownOp("LEDs", op)
}

func (b *SimBoard) setLED(name string, on bool) error {
	if _, ok := b.leds[name]; !ok {
		return fmt.Errorf("%w: no LED %q", capability.ErrInvalidArgs, name)
	}
	b.leds[name] = on
	return nil
}

func (b *SimBoard) photoresistor(op string) (any, error) {
	if op != "read" {
		return nil, unknownOp("Photoresistor", op)
	}
	mv := 1500 + b.noise(300)
	// Voltage divider against a 10k resistor on a 5V rail.
	ohms := 10000 * mv / (5000 - mv)
	return capability.LightReading{Millivolts: mv, Ohms: ohms}, nil
}

func (b *SimBoard) encoders(op string, args capability.Args) (any, error) {
	b.advanceEncoders()
	switch op {
	case "num_encoders":
		return len(b.counts), nil
	case "read_counts":
		i, err := args.Int("index")
		if err != nil {
			return nil, err
		}
		if i < 0 || int(i) >= len(b.counts) {
			return nil, fmt.Errorf("%w: encoder index %d out of range", capability.ErrInvalidArgs, i)
		}
		return b.counts[i], nil
	}
	return nil, unknownOp("Encoders", op)
}

// advanceEncoders turns the wheels for the time since the previous read.
func (b *SimBoard) advanceEncoders() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastCount).Seconds()
	b.lastCount = now
	if !b.motorsOn {
		return
	}
	ticks := int64(b.throttle * elapsed * 10)
	for i := range b.counts {
		b.counts[i] += ticks
	}
}

func (b *SimBoard) carMotors(op string, args capability.Args) (any, error) {
	switch op {
	case "on":
		b.motorsOn = true
		return nil, nil
	case "off":
		b.motorsOn = false
		b.throttle = 0
		b.steering = 0
		return nil, nil
	case "set_steering":
		v, err := args.Float("steering")
		if err != nil {
			return nil, err
		}
		b.steering = v
		return nil, nil
	case "set_throttle":
		v, err := args.Float("throttle")
		if err != nil {
			return nil, err
		}
		b.advanceEncoders()
		b.throttle = v
		return nil, nil
	case "get_safe_throttle":
		return b.safe, nil
	case "set_safe_throttle":
		lo, err := args.Int("min_throttle")
		if err != nil {
			return nil, err
		}
		hi, err := args.Int("max_throttle")
		if err != nil {
			return nil, err
		}
		if lo > hi || lo < -100 || hi > 100 {
			return nil, fmt.Errorf("%w: safe throttle range [%d, %d]", capability.ErrInvalidArgs, lo, hi)
		}
		b.safe = capability.SafeThrottle{Min: int(lo), Max: int(hi)}
		return nil, nil
	}
	return nil, unknownOp("CarMotors", op)
}

func (b *SimBoard) pwms(op string, args capability.Args) (any, error) {
	if op == "num_pins" {
		return len(b.pwm), nil
	}
	pin, err := args.Int("pin")
	if err != nil {
		return nil, err
	}
	if pin < 0 || int(pin) >= len(b.pwm) {
		return nil, fmt.Errorf("%w: PWM pin %d out of range", capability.ErrInvalidArgs, pin)
	}
	p := &b.pwm[pin]

	switch op {
	case "enable":
		freq, err := args.Int("frequency")
		if err != nil {
			return nil, err
		}
		if freq <= 0 || pwmClockHz%freq != 0 {
			return nil, fmt.Errorf("%w: cannot set PWM frequency %d Hz exactly", capability.ErrInvalidArgs, freq)
		}
		for i := range b.pwm {
			if i != int(pin) && sameTimer(i, int(pin)) && b.pwm[i].enabled && b.pwm[i].frequency != freq {
				return nil, fmt.Errorf("%w: enabled pins 0, 1 and 2 must share one frequency", capability.ErrInvalidArgs)
			}
		}
		*p = pwmPin{enabled: true, frequency: freq}
		return nil, nil
	case "set_duty":
		duty, err := args.Float("duty")
		if err != nil {
			return nil, err
		}
		if !p.enabled {
			// A disabled pin already outputs nothing.
			if duty == 0 {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: PWM pin %d is not enabled", capability.ErrInvalidArgs, pin)
		}
		p.duty = min(max(duty, 0), 100)
		return nil, nil
	case "disable":
		*p = pwmPin{}
		return nil, nil
	}
	return nil, unknownOp("PWMs", op)
}

// sameTimer reports whether two PWM pins share a hardware timer.
func sameTimer(a, b int) bool {
	return (a < 3) == (b < 3)
}

func (b *SimBoard) pidSteering(op string, args capability.Args) (any, error) {
	switch op {
	case "set_pid":
		var gains [3]float64
		for i, name := range []string{"p", "i", "d"} {
			v, err := args.Float(name)
			if err != nil {
				return nil, err
			}
			gains[i] = v
		}
		accumMax := 0.0
		if _, ok := args["error_accum_max"]; ok {
			v, err := args.Float("error_accum_max")
			if err != nil {
				return nil, err
			}
			accumMax = v
		}
		b.pid.P, b.pid.I, b.pid.D, b.pid.ErrorAccumMax = gains[0], gains[1], gains[2], accumMax
		return nil, nil
	case "set_point":
		v, err := args.Float("point")
		if err != nil {
			return nil, err
		}
		b.pid.Point = v
		return nil, nil
	case "enable":
		invert := false
		if _, ok := args["invert_output"]; ok {
			v, err := args.Bool("invert_output")
			if err != nil {
				return nil, err
			}
			invert = v
		}
		if !b.pid.Enabled {
			b.pid.accum, b.pid.lastErr = 0, b.pid.Point-b.accumulatedZ()
		}
		b.pid.Enabled, b.pid.Inverted = true, invert
		return nil, nil
	case "disable":
		if b.pid.Enabled {
			b.steering = 0
		}
		b.pid.Enabled = false
		return nil, nil
	case "state":
		return b.pid.PidState, nil
	}
	return nil, unknownOp("PidSteering", op)
}

// advanceHeading integrates the car's yaw since the previous call and runs
// one steering loop step when the loop is enabled.
func (b *SimBoard) advanceHeading() {
	now := b.clock.Now()
	dt := now.Sub(b.lastHeading).Seconds()
	b.lastHeading = now
	if dt <= 0 {
		return
	}
	if b.motorsOn {
		b.heading += b.steering * b.throttle / 100 * yawGain * dt
	}
	if !b.pid.Enabled {
		return
	}

	errNow := b.pid.Point - b.accumulatedZ()
	b.pid.accum += errNow * dt
	if m := b.pid.ErrorAccumMax; m > 0 {
		b.pid.accum = min(max(b.pid.accum, -m), m)
	}
	out := b.pid.P*errNow + b.pid.I*b.pid.accum + b.pid.D*(errNow-b.pid.lastErr)/dt
	b.pid.lastErr = errNow
	if b.pid.Inverted {
		out = -out
	}
	b.steering = min(max(out, -45), 45)
}

func (b *SimBoard) accumulatedZ() float64 {
	return b.heading - b.headingZero
}

func (b *SimBoard) gyroAccum(op string) (any, error) {
	switch op {
	case "read":
		return capability.Vector{Z: b.accumulatedZ()}, nil
	case "reset":
		b.headingZero = b.heading
		return nil, nil
	}
	return nil, unknownOp("GyroscopeAccum", op)
}

func (b *SimBoard) power(op string, args capability.Args) (any, error) {
	mv := b.millivolts
	if mv == 0 {
		mv = SimMillivoltsMin + b.rng.IntN(SimMillivoltsMax-SimMillivoltsMin+1)
	}
	switch op {
	case "state":
		return "battery", nil
	case "millivolts":
		return int64(mv), nil
	case "estimate_remaining":
		if _, ok := args["millivolts"]; ok {
			v, err := args.Int("millivolts")
			if err != nil {
				return nil, err
			}
			mv = int(v)
		}
		pct := BatteryFraction(mv) * 100
		return capability.PowerEstimate{
			Minutes: int(math.Floor(powerFullMinutes * pct / 100)),
			Percent: int(math.Floor(pct)),
		}, nil
	case "should_shut_down":
		return b.switchedOff, nil
	case "shut_down", "reboot":
		b.powerRequest = op
		return nil, nil
	}
	return nil, unknownOp("Power", op)
}

func (b *SimBoard) noise(amplitude float64) float64 {
	return (b.rng.Float64()*2 - 1) * amplitude
}

func unknownOp(capName, op string) error {
	return fmt.Errorf("%w: %s has no operation %q", capability.ErrInvalidArgs, capName, op)
}

// Throttle returns the last throttle written.
func (b *SimBoard) Throttle() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.throttle
}

// Steering returns the last steering angle written.
func (b *SimBoard) Steering() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steering
}

// MotorsOn reports whether the motors are enabled.
func (b *SimBoard) MotorsOn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.motorsOn
}

// LED reports whether the named LED is lit.
func (b *SimBoard) LED(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leds[name]
}

// SetMillivolts fixes the battery voltage. Zero restores the random range.
func (b *SimBoard) SetMillivolts(mv int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.millivolts = mv
}

// Press changes the state of a button and queues the event.
func (b *SimBoard) Press(button int, pressed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if button < 0 || button >= len(b.buttons) || b.buttons[button] == pressed {
		return
	}
	b.buttons[button] = pressed
	b.events = append(b.events, capability.ButtonEvent{Button: button, Pressed: pressed})
}

// SwitchOff flips the simulated power switch so should_shut_down reports true.
func (b *SimBoard) SwitchOff() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.switchedOff = true
}

// PowerRequest returns the last power operation ("shut_down" or "reboot").
func (b *SimBoard) PowerRequest() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.powerRequest
}

// PWMDuty returns the duty cycle of pin and whether the pin is enabled.
func (b *SimBoard) PWMDuty(pin int) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pin < 0 || pin >= len(b.pwm) {
		return 0, false
	}
	return b.pwm[pin].duty, b.pwm[pin].enabled
}

// SteeringLoop returns the steering loop state.
func (b *SimBoard) SteeringLoop() capability.PidState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pid.PidState
}
