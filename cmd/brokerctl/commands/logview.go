package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/rovekit/rovekit-go/pkg/log"
)

// LogOptions selects and formats the events of a capture file.
type LogOptions struct {
	ConnID     string
	Broker     string
	Capability string
	Layer      string
	Direction  string
	Category   string
	Since      string
	Stats      bool
}

func newLogCommand() *cobra.Command {
	var opts LogOptions
	cmd := &cobra.Command{
		Use:   "log FILE",
		Short: "Decode a protocol capture file",
		Long: `Decode a CBOR protocol capture written by brokerd --protocol-log.

Events are printed one block per event. Filters narrow the output; --stats
prints a summary instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunLog(args[0], opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ConnID, "conn-id", "", "only events of this connection")
	f.StringVar(&opts.Broker, "broker", "", "only events of this broker")
	f.StringVar(&opts.Capability, "capability", "", "only events about this capability")
	f.StringVar(&opts.Layer, "layer", "", "only this layer (transport, wire, broker)")
	f.StringVar(&opts.Direction, "direction", "", "only this direction (in, out)")
	f.StringVar(&opts.Category, "category", "", "only this category (message, control, state, error)")
	f.StringVar(&opts.Since, "since", "", "only events at or after this time (RFC3339)")
	f.BoolVar(&opts.Stats, "stats", false, "print statistics instead of events")
	return cmd
}

// Filter builds the reader filter for the options.
func (o LogOptions) Filter() (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: o.ConnID,
		Broker:       o.Broker,
		Capability:   o.Capability,
	}
	if o.Layer != "" {
		l, err := parseLayer(o.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := parseDirection(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := parseCategory(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if o.Since != "" {
		t, err := time.Parse(time.RFC3339, o.Since)
		if err != nil {
			return filter, fmt.Errorf("invalid --since: %w", err)
		}
		filter.TimeStart = &t
	}
	return filter, nil
}

// RunLog prints the matching events of the capture at path.
func RunLog(path string, opts LogOptions, w io.Writer) error {
	filter, err := opts.Filter()
	if err != nil {
		return err
	}
	reader, err := log.NewReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	stats := newLogStats()
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if opts.Stats {
			stats.add(event)
			continue
		}
		formatEvent(w, event)
	}
	if opts.Stats {
		stats.print(w)
	}
	return nil
}

// formatEvent writes a human-readable block for one event.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	var label string
	switch {
	case event.Frame != nil:
		label = "Frame"
	case event.Message != nil:
		label = event.Message.Kind.String()
	case event.StateChange != nil:
		label = "State"
	case event.ControlMsg != nil:
		label = event.ControlMsg.Type.String()
	case event.Error != nil:
		label = "Error"
	default:
		label = "Unknown"
	}

	layer := event.Layer.String()
	if event.Category == log.CategoryControl {
		layer = "CTRL"
	}
	broker := event.Broker
	if broker == "" {
		broker = "-"
	}

	fmt.Fprintf(w, "%s %s [conn:%s] %-3s %s %s\n", ts, broker, shortenConnID(event.ConnectionID),
		event.Direction.String(), layer, label)

	switch {
	case event.Frame != nil:
		fmt.Fprintf(w, "  Size: %d bytes\n", event.Frame.Size)
		if len(event.Frame.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(event.Frame.Data))
			if event.Frame.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case event.Message != nil:
		formatMessage(w, event.Message)
	case event.StateChange != nil:
		sc := event.StateChange
		fmt.Fprintf(w, "  Entity: %s", sc.Entity.String())
		if sc.Subject != "" {
			fmt.Fprintf(w, " %s", sc.Subject)
		}
		fmt.Fprintln(w)
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case event.Error != nil:
		fmt.Fprintf(w, "  Layer: %s\n", event.Error.Layer.String())
		fmt.Fprintf(w, "  Message: %s\n", event.Error.Message)
		if event.Error.Status != nil {
			fmt.Fprintf(w, "  Status: %s\n", event.Error.Status.String())
		}
		if event.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", event.Error.Context)
		}
	}
	fmt.Fprintln(w)
}

func formatMessage(w io.Writer, msg *log.MessageEvent) {
	if msg.MessageID != 0 {
		fmt.Fprintf(w, "  MessageID: %d\n", msg.MessageID)
	}
	if msg.Operation != nil {
		fmt.Fprintf(w, "  Operation: %s\n", msg.Operation.String())
	}
	if msg.Capability != "" {
		fmt.Fprintf(w, "  Capability: %s\n", msg.Capability)
	}
	if msg.HandleID != 0 {
		fmt.Fprintf(w, "  Handle: %d\n", msg.HandleID)
	}
	if msg.Status != nil {
		fmt.Fprintf(w, "  Status: %s (%d)\n", msg.Status.String(), *msg.Status)
	}
	if msg.StreamID != 0 {
		fmt.Fprintf(w, "  Stream: %d seq %d\n", msg.StreamID, msg.Seq)
	}
	if msg.ProcessingTime != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*msg.ProcessingTime))
	}
}

func shortenConnID(id string) string {
	switch {
	case id == "":
		return "-"
	case len(id) >= 8:
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "broker":
		return log.LayerBroker, nil
	}
	return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, or broker)", s)
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	}
	return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "control":
		return log.CategoryControl, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	}
	return 0, fmt.Errorf("invalid category: %s (must be message, control, state, or error)", s)
}

// logStats aggregates a capture file.
type logStats struct {
	total       int
	errors      int
	byLayer     map[log.Layer]int
	byCategory  map[log.Category]int
	byBroker    map[string]int
	connections map[string]int
	start, end  time.Time
}

func newLogStats() *logStats {
	return &logStats{
		byLayer:     make(map[log.Layer]int),
		byCategory:  make(map[log.Category]int),
		byBroker:    make(map[string]int),
		connections: make(map[string]int),
	}
}

func (s *logStats) add(event log.Event) {
	s.total++
	s.byLayer[event.Layer]++
	s.byCategory[event.Category]++
	s.byBroker[event.Broker]++
	if event.ConnectionID != "" {
		s.connections[event.ConnectionID]++
	}
	if event.Error != nil {
		s.errors++
	}
	if s.start.IsZero() || event.Timestamp.Before(s.start) {
		s.start = event.Timestamp
	}
	if event.Timestamp.After(s.end) {
		s.end = event.Timestamp
	}
}

func (s *logStats) print(w io.Writer) {
	fmt.Fprintf(w, "Events: %d\n", s.total)
	if s.total == 0 {
		return
	}
	fmt.Fprintf(w, "Time Range: %s to %s (%s)\n", s.start.UTC().Format(time.RFC3339),
		s.end.UTC().Format(time.RFC3339), s.end.Sub(s.start).Round(time.Millisecond))
	fmt.Fprintf(w, "Connections: %d\n", len(s.connections))
	fmt.Fprintf(w, "Errors: %d\n", s.errors)

	fmt.Fprintln(w, "By Layer:")
	for _, l := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerBroker} {
		if n := s.byLayer[l]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", l.String(), n)
		}
	}
	fmt.Fprintln(w, "By Category:")
	for _, c := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if n := s.byCategory[c]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", c.String(), n)
		}
	}

	brokers := lo.Keys(s.byBroker)
	sort.Strings(brokers)
	fmt.Fprintln(w, "By Broker:")
	for _, b := range brokers {
		name := b
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "  %-10s %d\n", name, s.byBroker[b])
	}
}
