// Package display provides the Console driver for the display device family.
// The Console keeps the screen state and hands every change to a Renderer.
package display

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// Default console geometry in character cells.
const (
	DefaultRows    = 8
	DefaultColumns = 40
)

// Image is a grayscale picture streamed to the screen.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

// State is everything shown on the screen.
type State struct {
	Lines     []string
	BigImage  string
	BigStatus string
	Image     *Image

	// BatteryPercent is -1 until the first update.
	BatteryPercent int
}

// Text returns the console lines joined by newlines.
func (s *State) Text() string {
	return strings.Join(s.Lines, "\n")
}

// Renderer draws the screen.
type Renderer interface {
	Render(State) error
}

// Config configures a Console.
type Config struct {
	Rows    int
	Columns int
	Version uint32

	// Renderer defaults to a MemoryRenderer.
	Renderer Renderer
}

// Console is the display driver.
type Console struct {
	mu       sync.Mutex
	rows     int
	columns  int
	version  uint32
	renderer Renderer
	state    State
}

// New creates a console.
func New(cfg Config) *Console {
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.Columns <= 0 {
		cfg.Columns = DefaultColumns
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Renderer == nil {
		cfg.Renderer = &MemoryRenderer{}
	}
	return &Console{
		rows:     cfg.Rows,
		columns:  cfg.Columns,
		version:  cfg.Version,
		renderer: cfg.Renderer,
		state:    State{BatteryPercent: -1},
	}
}

// Probe reports the Console capability.
func (c *Console) Probe(context.Context) ([]capability.Descriptor, error) {
	return capability.ProbeFamily(capability.FamilyDisplay, c.version), nil
}

// Invoke runs one Console operation and redraws the screen.
func (c *Console) Invoke(_ context.Context, capName, op string, args capability.Args) (any, error) {
	if capName != "Console" {
		return nil, fmt.Errorf("%w: no capability %q on this display", capability.ErrInvalidArgs, capName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if op == "text" {
		return c.state.Text(), nil
	}
	if err := c.apply(op, args); err != nil {
		return nil, err
	}
	if err := c.renderer.Render(c.snapshot()); err != nil {
		return nil, fmt.Errorf("%w: render: %v", capability.ErrHardwareFault, err)
	}
	return nil, nil
}

func (c *Console) apply(op string, args capability.Args) error {
	switch op {
	case "write_text":
		text, err := args.String("text")
		if err != nil {
			return err
		}
		c.writeText(text)
	case "clear_text":
		c.state.Lines = nil
	case "big_image":
		name, err := args.String("name")
		if err != nil {
			return err
		}
		if name == "" {
			return fmt.Errorf("%w: empty image name", capability.ErrInvalidArgs)
		}
		c.state.BigImage = name
	case "big_status":
		status, err := args.String("status")
		if err != nil {
			return err
		}
		c.state.BigStatus = status
	case "big_clear":
		c.state.BigImage = ""
		c.state.BigStatus = ""
	case "stream_image":
		img, err := imageArg(args)
		if err != nil {
			return err
		}
		c.state.Image = img
	case "clear_image":
		c.state.Image = nil
	case "set_battery_percent":
		pct, err := args.Int("percent")
		if err != nil {
			return err
		}
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%w: battery percent %d outside [0, 100]", capability.ErrInvalidArgs, pct)
		}
		c.state.BatteryPercent = int(pct)
	default:
		return fmt.Errorf("%w: Console has no operation %q", capability.ErrInvalidArgs, op)
	}
	return nil
}

// writeText appends text as whole lines, wrapped to the console width.
// Only the last rows lines are kept.
func (c *Console) writeText(text string) {
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		runes := []rune(line)
		for len(runes) > c.columns {
			c.state.Lines = append(c.state.Lines, string(runes[:c.columns]))
			runes = runes[c.columns:]
		}
		c.state.Lines = append(c.state.Lines, string(runes))
	}
	if over := len(c.state.Lines) - c.rows; over > 0 {
		c.state.Lines = slices.Clone(c.state.Lines[over:])
	}
}

func imageArg(args capability.Args) (*Image, error) {
	w, err := args.Int("width")
	if err != nil {
		return nil, err
	}
	h, err := args.Int("height")
	if err != nil {
		return nil, err
	}
	pixels, err := args.Bytes("pixels")
	if err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 || int64(len(pixels)) != w*h {
		return nil, fmt.Errorf("%w: %dx%d image needs %d bytes, got %d", capability.ErrInvalidArgs, w, h, w*h, len(pixels))
	}
	return &Image{Width: int(w), Height: int(h), Pixels: slices.Clone(pixels)}, nil
}

func (c *Console) snapshot() State {
	s := c.state
	s.Lines = slices.Clone(c.state.Lines)
	return s
}

// State returns the current screen state.
func (c *Console) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Close blanks the screen.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{BatteryPercent: -1}
	return c.renderer.Render(c.snapshot())
}
