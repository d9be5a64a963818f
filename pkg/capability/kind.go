package capability

import (
	"fmt"
	"slices"
)

// SharingMode controls how many connections may hold a capability at once.
type SharingMode uint8

const (
	// Exclusive allows a single live handle.
	Exclusive SharingMode = 1

	// Shared allows up to MaxHolders live handles.
	Shared SharingMode = 2
)

// String returns the sharing mode name.
func (m SharingMode) String() string {
	switch m {
	case Exclusive:
		return "EXCLUSIVE"
	case Shared:
		return "SHARED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m SharingMode) MarshalText() ([]byte, error) {
	if m != Exclusive && m != Shared {
		return nil, fmt.Errorf("invalid sharing mode %d", m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SharingMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "EXCLUSIVE", "exclusive":
		*m = Exclusive
	case "SHARED", "shared":
		*m = Shared
	default:
		return fmt.Errorf("invalid sharing mode %q", b)
	}
	return nil
}

// Family is the hardware resource a broker owns.
type Family uint8

const (
	FamilyController Family = iota + 1
	FamilyCamera
	FamilyDisplay
	FamilyUplink
)

var familyNames = map[Family]string{
	FamilyController: "controller",
	FamilyCamera:     "camera",
	FamilyDisplay:    "display",
	FamilyUplink:     "uplink",
}

// String returns the family name.
func (f Family) String() string {
	if n, ok := familyNames[f]; ok {
		return n
	}
	return "unknown"
}

// ParseFamily returns the family with the given name.
func ParseFamily(s string) (Family, error) {
	for f, n := range familyNames {
		if n == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown device family %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	if _, ok := familyNames[f]; !ok {
		return nil, fmt.Errorf("invalid family %d", f)
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Kind identifies a known capability type.
type Kind uint8

const (
	KindVersionInfo Kind = iota + 1
	KindBatteryVoltageReader
	KindBuzzer
	KindGyroscope
	KindAccelerometer
	KindPushButtons
	KindLEDs
	KindPhotoresistor
	KindEncoders
	KindLoopFrequency
	KindCarMotors
	KindCamera
	KindConsole
	KindCloudUplink
	KindPWMs
	KindPidSteering
	KindPower
	KindGyroscopeAccum
)

// ParamType is the expected type of an operation argument.
type ParamType uint8

const (
	ParamNumber ParamType = iota + 1
	ParamInt
	ParamString
	ParamBool
	ParamBytes
	ParamList
)

// String returns the parameter type name.
func (t ParamType) String() string {
	switch t {
	case ParamNumber:
		return "number"
	case ParamInt:
		return "int"
	case ParamString:
		return "string"
	case ParamBool:
		return "bool"
	case ParamBytes:
		return "bytes"
	case ParamList:
		return "list"
	default:
		return "unknown"
	}
}

// Param describes one named operation argument.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
}

// Actuator marks an operation that sets a value the watchdog must expire.
type Actuator struct {
	// Channel names the commanded value, e.g. "throttle".
	Channel string

	// Param is the argument carrying the commanded value. Operations
	// without one switch the channel on and command Max.
	Param string

	// Min and Max bound the commanded value; values outside are clamped.
	Min, Max float64

	// Safe is the value written on expiry or disconnect.
	Safe float64

	// ResetOp, when set, is invoked without a value instead of writing Safe
	// through the operation itself.
	ResetOp string

	// Index names an integer argument selecting one of Channels numbered
	// channels, e.g. a PWM pin. Channel names are then Channel plus the index.
	Index    string
	Channels int
}

// Clamp limits v to the actuator range.
func (a *Actuator) Clamp(v float64) float64 {
	return min(max(v, a.Min), a.Max)
}

// ChannelName returns the channel commanded at index i.
func (a *Actuator) ChannelName(i int) string {
	if a.Index == "" {
		return a.Channel
	}
	return fmt.Sprintf("%s%d", a.Channel, i)
}

// ChannelNames returns every channel the actuator commands.
func (a *Actuator) ChannelNames() []string {
	if a.Index == "" {
		return []string{a.Channel}
	}
	out := make([]string, a.Channels)
	for i := range out {
		out[i] = a.ChannelName(i)
	}
	return out
}

// Select returns the channel addressed by args and the commanded value.
// The value is clamped and absent for switch-on operations.
func (a *Actuator) Select(args Args) (channel string, value float64, err error) {
	channel = a.Channel
	if a.Index != "" {
		i, err := args.Int(a.Index)
		if err != nil {
			return "", 0, err
		}
		if i < 0 || i >= int64(a.Channels) {
			return "", 0, fmt.Errorf("%w: %s %d out of range [0, %d)", ErrInvalidArgs, a.Index, i, a.Channels)
		}
		channel = a.ChannelName(int(i))
	}
	if a.Param == "" {
		return channel, a.Max, nil
	}
	v, err := args.Float(a.Param)
	if err != nil {
		return "", 0, err
	}
	return channel, a.Clamp(v), nil
}

// Operation describes one invocable operation of a kind.
type Operation struct {
	Name   string
	Params []Param

	// Streamable operations may be subscribed to as a push stream of reads.
	Streamable bool

	// Actuator is non-nil for set-value operations guarded by the watchdog.
	Actuator *Actuator
}

// Param returns the parameter with the given name.
func (o *Operation) Param(name string) (*Param, bool) {
	for i := range o.Params {
		if o.Params[i].Name == name {
			return &o.Params[i], true
		}
	}
	return nil, false
}

// KindSpec is the static definition of a capability kind.
type KindSpec struct {
	Kind    Kind
	Name    string
	Family  Family
	Sharing SharingMode

	// MaxHolders bounds shared handles. Zero for exclusive kinds.
	MaxHolders int

	// IdleRelease keeps the device open for a grace window after the last
	// release instead of closing it immediately.
	IdleRelease bool

	Operations []Operation
}

// Operation returns the operation with the given name.
func (s *KindSpec) Operation(name string) (*Operation, bool) {
	for i := range s.Operations {
		if s.Operations[i].Name == name {
			return &s.Operations[i], true
		}
	}
	return nil, false
}

// Actuators returns the watchdog-guarded operations of the kind.
func (s *KindSpec) Actuators() []*Actuator {
	var out []*Actuator
	for i := range s.Operations {
		if a := s.Operations[i].Actuator; a != nil {
			out = append(out, a)
		}
	}
	return out
}

// DefaultMaxHolders is the shared holder bound used by every shared kind.
const DefaultMaxHolders = 16

// NumPWMPins is the number of PWM outputs. Pins 0 to 2 share one timer.
const NumPWMPins = 4

// DefaultBuzzerNotes is played when Buzzer.play is invoked without notes.
const DefaultBuzzerNotes = "o4l16ceg>c8"

var kinds = []KindSpec{
	{
		Kind: KindVersionInfo, Name: "VersionInfo", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{{Name: "name"}, {Name: "version"}},
	},
	{
		Kind: KindBatteryVoltageReader, Name: "BatteryVoltageReader", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{
			{Name: "millivolts", Streamable: true},
			{Name: "minutes"},
		},
	},
	{
		Kind: KindBuzzer, Name: "Buzzer", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{
			{Name: "play", Params: []Param{{Name: "notes", Type: ParamString}}},
			{Name: "is_playing"},
		},
	},
	{
		Kind: KindGyroscope, Name: "Gyroscope", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{{Name: "read", Streamable: true}},
	},
	{
		Kind: KindAccelerometer, Name: "Accelerometer", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{{Name: "read", Streamable: true}},
	},
	{
		Kind: KindPushButtons, Name: "PushButtons", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{
			{Name: "num_buttons"},
			{Name: "states", Streamable: true},
			{Name: "events"},
		},
	},
	{
		Kind: KindLEDs, Name: "LEDs", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{
			{Name: "led_map"},
			{Name: "set_led", Params: []Param{
				{Name: "led", Type: ParamString, Required: true},
				{Name: "on", Type: ParamBool, Required: true},
			}},
			{Name: "set_many_leds", Params: []Param{{Name: "leds", Type: ParamList, Required: true}}},
		},
	},
	{
		Kind: KindPhotoresistor, Name: "Photoresistor", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{{Name: "read", Streamable: true}},
	},
	{
		Kind: KindEncoders, Name: "Encoders", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{
			{Name: "num_encoders"},
			{Name: "read_counts", Streamable: true, Params: []Param{{Name: "index", Type: ParamInt, Required: true}}},
		},
	},
	{
		Kind: KindLoopFrequency, Name: "LoopFrequency", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{{Name: "read", Streamable: true}},
	},
	{
		Kind: KindCarMotors, Name: "CarMotors", Family: FamilyController, Sharing: Exclusive,
		Operations: []Operation{
			{Name: "on"},
			{Name: "off"},
			{
				Name:     "set_steering",
				Params:   []Param{{Name: "steering", Type: ParamNumber, Required: true}},
				Actuator: &Actuator{Channel: "steering", Param: "steering", Min: -45, Max: 45, Safe: 0},
			},
			{
				Name:     "set_throttle",
				Params:   []Param{{Name: "throttle", Type: ParamNumber, Required: true}},
				Actuator: &Actuator{Channel: "throttle", Param: "throttle", Min: -100, Max: 100, Safe: 0},
			},
			{Name: "get_safe_throttle"},
			{Name: "set_safe_throttle", Params: []Param{
				{Name: "min_throttle", Type: ParamInt, Required: true},
				{Name: "max_throttle", Type: ParamInt, Required: true},
			}},
		},
	},
	{
		Kind: KindPWMs, Name: "PWMs", Family: FamilyController, Sharing: Exclusive,
		Operations: []Operation{
			{Name: "num_pins"},
			{Name: "enable", Params: []Param{
				{Name: "pin", Type: ParamInt, Required: true},
				{Name: "frequency", Type: ParamInt, Required: true},
			}},
			{
				Name: "set_duty",
				Params: []Param{
					{Name: "pin", Type: ParamInt, Required: true},
					{Name: "duty", Type: ParamNumber, Required: true},
				},
				Actuator: &Actuator{Channel: "duty", Param: "duty", Min: 0, Max: 100, Safe: 0, Index: "pin", Channels: NumPWMPins},
			},
			{Name: "disable", Params: []Param{{Name: "pin", Type: ParamInt, Required: true}}},
		},
	},
	{
		Kind: KindPidSteering, Name: "PidSteering", Family: FamilyController, Sharing: Exclusive,
		Operations: []Operation{
			{Name: "set_pid", Params: []Param{
				{Name: "p", Type: ParamNumber, Required: true},
				{Name: "i", Type: ParamNumber, Required: true},
				{Name: "d", Type: ParamNumber, Required: true},
				{Name: "error_accum_max", Type: ParamNumber},
			}},
			{
				Name:     "set_point",
				Params:   []Param{{Name: "point", Type: ParamNumber, Required: true}},
				Actuator: &Actuator{Channel: "loop", Min: 0, Max: 1, Safe: 0, ResetOp: "disable"},
			},
			{
				Name:     "enable",
				Params:   []Param{{Name: "invert_output", Type: ParamBool}},
				Actuator: &Actuator{Channel: "loop", Min: 0, Max: 1, Safe: 0, ResetOp: "disable"},
			},
			{Name: "disable"},
			{Name: "state"},
		},
	},
	{
		Kind: KindPower, Name: "Power", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{
			{Name: "state"},
			{Name: "millivolts", Streamable: true},
			{Name: "estimate_remaining", Params: []Param{{Name: "millivolts", Type: ParamInt}}},
			{Name: "should_shut_down", Streamable: true},
			{Name: "shut_down"},
			{Name: "reboot"},
		},
	},
	{
		Kind: KindGyroscopeAccum, Name: "GyroscopeAccum", Family: FamilyController, Sharing: Shared,
		Operations: []Operation{
			{Name: "read", Streamable: true},
			{Name: "reset"},
		},
	},
	{
		Kind: KindCamera, Name: "Camera", Family: FamilyCamera, Sharing: Shared, IdleRelease: true,
		Operations: []Operation{
			{Name: "capture", Streamable: true},
			{Name: "resolution"},
		},
	},
	{
		Kind: KindConsole, Name: "Console", Family: FamilyDisplay, Sharing: Shared,
		Operations: []Operation{
			{Name: "write_text", Params: []Param{{Name: "text", Type: ParamString, Required: true}}},
			{Name: "clear_text"},
			{Name: "text"},
			{Name: "big_image", Params: []Param{{Name: "name", Type: ParamString, Required: true}}},
			{Name: "big_status", Params: []Param{{Name: "status", Type: ParamString, Required: true}}},
			{Name: "big_clear"},
			{Name: "stream_image", Params: []Param{
				{Name: "width", Type: ParamInt, Required: true},
				{Name: "height", Type: ParamInt, Required: true},
				{Name: "pixels", Type: ParamBytes, Required: true},
			}},
			{Name: "clear_image"},
			{Name: "set_battery_percent", Params: []Param{{Name: "percent", Type: ParamInt, Required: true}}},
		},
	},
	{
		Kind: KindCloudUplink, Name: "CloudUplink", Family: FamilyUplink, Sharing: Shared,
		Operations: []Operation{
			{Name: "send", Params: []Param{
				{Name: "channel", Type: ParamString, Required: true},
				{Name: "payload", Type: ParamBytes, Required: true},
			}},
			{Name: "status"},
		},
	},
}

func init() {
	for i := range kinds {
		if kinds[i].Sharing == Shared && kinds[i].MaxHolders == 0 {
			kinds[i].MaxHolders = DefaultMaxHolders
		}
	}
}

// Spec returns the static definition of the kind, or nil for unknown kinds.
func (k Kind) Spec() *KindSpec {
	for i := range kinds {
		if kinds[i].Kind == k {
			return &kinds[i]
		}
	}
	return nil
}

// String returns the capability name of the kind.
func (k Kind) String() string {
	if s := k.Spec(); s != nil {
		return s.Name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// KindByName returns the kind whose capability name is name.
func KindByName(name string) (Kind, bool) {
	for i := range kinds {
		if kinds[i].Name == name {
			return kinds[i].Kind, true
		}
	}
	return 0, false
}

// FamilyKinds returns every kind belonging to the family, in declaration order.
func FamilyKinds(f Family) []Kind {
	var out []Kind
	for i := range kinds {
		if kinds[i].Family == f {
			out = append(out, kinds[i].Kind)
		}
	}
	return slices.Clip(out)
}
