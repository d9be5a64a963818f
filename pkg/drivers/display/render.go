package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// MemoryRenderer keeps the last rendered state.
type MemoryRenderer struct {
	mu      sync.Mutex
	last    State
	renders int
}

// Render stores s.
func (r *MemoryRenderer) Render(s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = s
	r.renders++
	return nil
}

// Last returns the last rendered state.
func (r *MemoryRenderer) Last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Renders returns how often Render was called.
func (r *MemoryRenderer) Renders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders
}

// grayRamp maps pixel brightness to characters, darkest first.
const grayRamp = " .:-=+*#%@"

// TerminalRenderer draws the screen as a framed text panel.
type TerminalRenderer struct {
	mu    sync.Mutex
	w     io.Writer
	width int

	// ClearScreen moves the cursor home and clears before each frame.
	ClearScreen bool

	frame   lipgloss.Style
	header  lipgloss.Style
	status  lipgloss.Style
	low     lipgloss.Style
	caption lipgloss.Style
}

// NewTerminalRenderer creates a renderer writing to w with the given inner
// width in cells.
func NewTerminalRenderer(w io.Writer, width int) *TerminalRenderer {
	if width <= 0 {
		width = DefaultColumns
	}
	return &TerminalRenderer{
		w:     w,
		width: width,
		frame: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(width),
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")),
		status: lipgloss.NewStyle().
			Bold(true).
			Width(width).
			Align(lipgloss.Center),
		low: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9")),
		caption: lipgloss.NewStyle().
			Faint(true),
	}
}

// Render draws s.
func (r *TerminalRenderer) Render(s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.frame.Render(r.body(s))
	if r.ClearScreen {
		out = "\x1b[H\x1b[2J" + out
	}
	_, err := fmt.Fprintln(r.w, out)
	return err
}

func (r *TerminalRenderer) body(s State) string {
	var parts []string
	parts = append(parts, r.headerLine(s))

	if s.BigImage != "" || s.BigStatus != "" {
		if s.BigImage != "" {
			parts = append(parts, r.caption.Render("["+s.BigImage+"]"))
		}
		if s.BigStatus != "" {
			parts = append(parts, r.status.Render(s.BigStatus))
		}
		return lipgloss.JoinVertical(lipgloss.Left, parts...)
	}

	if s.Image != nil {
		parts = append(parts, r.image(s.Image))
	}
	parts = append(parts, s.Lines...)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (r *TerminalRenderer) headerLine(s State) string {
	battery := "BAT --"
	if s.BatteryPercent >= 0 {
		battery = fmt.Sprintf("BAT %d%%", s.BatteryPercent)
	}
	style := r.header
	if s.BatteryPercent >= 0 && s.BatteryPercent < 10 {
		style = r.low
	}
	label := style.Render(battery)
	pad := r.width - lipgloss.Width(label)
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat(" ", pad) + label
}

// image downsamples img to the panel width, two pixel rows per text row.
func (r *TerminalRenderer) image(img *Image) string {
	cols := min(img.Width, r.width)
	rows := max(img.Height*cols/img.Width/2, 1)

	var b strings.Builder
	for y := range rows {
		if y > 0 {
			b.WriteByte('\n')
		}
		py := y * img.Height / rows
		for x := range cols {
			px := x * img.Width / cols
			v := int(img.Pixels[py*img.Width+px])
			b.WriteByte(grayRamp[v*(len(grayRamp)-1)/255])
		}
	}
	return b.String()
}
