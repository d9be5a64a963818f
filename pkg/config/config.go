// Package config loads the device configuration: which brokers run, where
// their sockets live and which driver backs each of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/drivers/controller"
)

// Driver names.
const (
	DriverSim       = "sim"
	DriverSerial    = "serial"
	DriverTerminal  = "terminal"
	DriverWebSocket = "websocket"
)

// DefaultSocketDir holds the broker sockets of the default configuration.
const DefaultSocketDir = "/tmp/rovekit"

// allowedDrivers lists the drivers each family can use.
var allowedDrivers = map[capability.Family][]string{
	capability.FamilyController: {DriverSim, DriverSerial},
	capability.FamilyCamera:     {DriverSim},
	capability.FamilyDisplay:    {DriverSim, DriverTerminal},
	capability.FamilyUplink:     {DriverSim, DriverWebSocket},
}

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the device configuration.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// ProtocolLog is a CBOR capture file of all protocol events. Empty
	// disables capture.
	ProtocolLog string `yaml:"protocol_log,omitempty"`

	Brokers []Broker `yaml:"brokers"`
	Monitor Monitor  `yaml:"monitor"`
}

// Broker configures one broker process.
type Broker struct {
	Name   string            `yaml:"name"`
	Socket string            `yaml:"socket"`
	Family capability.Family `yaml:"family"`
	Driver string            `yaml:"driver"`

	Serial  *controller.PortOptions `yaml:"serial,omitempty"`
	Device  string                  `yaml:"device,omitempty"`
	Camera  *Camera                 `yaml:"camera,omitempty"`
	Display *Display                `yaml:"display,omitempty"`
	Uplink  *Uplink                 `yaml:"uplink,omitempty"`

	Watchdog       Watchdog  `yaml:"watchdog"`
	IdleRelease    Duration  `yaml:"idle_release,omitempty"`
	StreamInterval Duration  `yaml:"stream_interval,omitempty"`
	StreamBuffer   int       `yaml:"stream_buffer,omitempty"`
	KeepAlive      KeepAlive `yaml:"keepalive"`
}

// Watchdog configures actuator expiry.
type Watchdog struct {
	Expiry Duration `yaml:"expiry,omitempty"`
	Sweep  Duration `yaml:"sweep,omitempty"`
}

// KeepAlive configures connection pings. A negative interval disables them.
type KeepAlive struct {
	Interval  Duration `yaml:"interval,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
	MaxMissed int      `yaml:"max_missed,omitempty"`
}

// Camera configures the synthetic camera.
type Camera struct {
	Width    int  `yaml:"width,omitempty"`
	Height   int  `yaml:"height,omitempty"`
	FPS      int  `yaml:"fps,omitempty"`
	Gray     bool `yaml:"gray,omitempty"`
	Compress bool `yaml:"compress,omitempty"`
}

// Display configures the console.
type Display struct {
	Rows    int `yaml:"rows,omitempty"`
	Columns int `yaml:"columns,omitempty"`
}

// Uplink configures the cloud link.
type Uplink struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// Monitor configures the battery monitor.
type Monitor struct {
	Interval Duration `yaml:"interval,omitempty"`

	// Controller and Display name the brokers the monitor connects to.
	Controller string `yaml:"controller"`
	Display    string `yaml:"display"`
}

// Default returns a configuration running all four brokers with simulated
// drivers.
func Default() *Config {
	broker := func(name string, f capability.Family) Broker {
		return Broker{
			Name:   name,
			Socket: filepath.Join(DefaultSocketDir, name+".sock"),
			Family: f,
			Driver: DriverSim,
		}
	}
	return &Config{
		LogLevel: "info",
		Brokers: []Broker{
			broker("controller", capability.FamilyController),
			broker("camera", capability.FamilyCamera),
			broker("display", capability.FamilyDisplay),
			broker("uplink", capability.FamilyUplink),
		},
		Monitor: Monitor{
			Interval:   Duration(10 * time.Second),
			Controller: "controller",
			Display:    "display",
		},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for conflicts and unknown values.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("no brokers configured"))
	}

	names := make(map[string]bool)
	sockets := make(map[string]bool)
	for i, b := range c.Brokers {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("brokers[%d]: missing name", i))
		} else if names[b.Name] {
			errs = append(errs, fmt.Errorf("brokers[%d]: duplicate name %q", i, b.Name))
		}
		names[b.Name] = true

		if b.Socket == "" {
			errs = append(errs, fmt.Errorf("broker %s: missing socket", b.Name))
		} else if sockets[b.Socket] {
			errs = append(errs, fmt.Errorf("broker %s: socket %s already used", b.Name, b.Socket))
		}
		sockets[b.Socket] = true

		if err := b.validate(); err != nil {
			errs = append(errs, fmt.Errorf("broker %s: %w", b.Name, err))
		}
	}

	if m := c.Monitor; m.Controller != "" || m.Display != "" {
		if !names[m.Controller] {
			errs = append(errs, fmt.Errorf("monitor: unknown controller broker %q", m.Controller))
		}
		if !names[m.Display] {
			errs = append(errs, fmt.Errorf("monitor: unknown display broker %q", m.Display))
		}
	}
	return multierr.Combine(errs...)
}

func (b *Broker) validate() error {
	drivers, ok := allowedDrivers[b.Family]
	if !ok {
		return fmt.Errorf("unknown family %q", b.Family)
	}
	valid := false
	for _, d := range drivers {
		valid = valid || d == b.Driver
	}
	if !valid {
		return fmt.Errorf("driver %q not available for the %s family", b.Driver, b.Family)
	}

	switch b.Driver {
	case DriverSerial:
		if b.Device == "" {
			return errors.New("serial driver needs a device path")
		}
		if b.Serial != nil {
			if _, err := b.Serial.Normalize(); err != nil {
				return err
			}
		}
	case DriverWebSocket:
		if b.Uplink == nil || b.Uplink.URL == "" {
			return errors.New("websocket driver needs uplink.url")
		}
	}

	if b.Watchdog.Expiry < 0 || b.Watchdog.Sweep < 0 || b.IdleRelease < 0 || b.StreamInterval < 0 {
		return errors.New("durations must not be negative")
	}
	if b.StreamBuffer < 0 {
		return errors.New("stream_buffer must not be negative")
	}
	return nil
}

// Broker returns the broker with the given name.
func (c *Config) Broker(name string) (Broker, bool) {
	for _, b := range c.Brokers {
		if b.Name == name {
			return b, true
		}
	}
	return Broker{}, false
}
