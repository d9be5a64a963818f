package log

import (
	"context"
	"log/slog"
)

// SlogAdapter echoes protocol events to an operational logger. Each event
// becomes one "protocol" record with the variant's fields grouped under its
// name (frame, message, state, control, error). Error events are logged at
// Warn, everything else at Debug.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter returns an adapter writing to logger, or to slog.Default
// when logger is nil.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Log implements Logger.
func (a *SlogAdapter) Log(event Event) {
	level := slog.LevelDebug
	if event.Error != nil {
		level = slog.LevelWarn
	}
	ctx := context.Background()
	if !a.logger.Enabled(ctx, level) {
		return
	}
	a.logger.LogAttrs(ctx, level, "protocol", eventAttrs(event)...)
}

func eventAttrs(e Event) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("dir", e.Direction.String()),
		slog.String("layer", e.Layer.String()),
		slog.String("role", e.Role.String()),
	}
	attrs = appendNonEmpty(attrs, "conn_id", e.ConnectionID)
	attrs = appendNonEmpty(attrs, "broker", e.Broker)

	switch {
	case e.Frame != nil:
		attrs = append(attrs, slog.Group("frame",
			slog.Int("size", e.Frame.Size),
			slog.Bool("truncated", e.Frame.Truncated)))
	case e.Message != nil:
		attrs = append(attrs, slog.Group("message", messageAttrs(e.Message)...))
	case e.StateChange != nil:
		attrs = append(attrs, slog.Group("state", stateAttrs(e.StateChange)...))
	case e.ControlMsg != nil:
		attrs = append(attrs, slog.Group("control", slog.String("type", e.ControlMsg.Type.String())))
	case e.Error != nil:
		attrs = append(attrs, slog.Group("error", errorAttrs(e.Error)...))
	}
	return attrs
}

func messageAttrs(m *MessageEvent) []any {
	attrs := []any{slog.String("kind", m.Kind.String())}
	if m.MessageID != 0 {
		attrs = append(attrs, slog.Uint64("id", uint64(m.MessageID)))
	}
	if m.Operation != nil {
		attrs = append(attrs, slog.String("op", m.Operation.String()))
	}
	if m.Capability != "" {
		attrs = append(attrs, slog.String("capability", m.Capability))
	}
	if m.HandleID != 0 {
		attrs = append(attrs, slog.Uint64("handle", uint64(m.HandleID)))
	}
	if m.Status != nil {
		attrs = append(attrs, slog.String("status", m.Status.String()))
	}
	if m.StreamID != 0 {
		attrs = append(attrs, slog.Uint64("stream", uint64(m.StreamID)), slog.Uint64("seq", m.Seq))
	}
	if m.ProcessingTime != nil {
		attrs = append(attrs, slog.Duration("took", *m.ProcessingTime))
	}
	return attrs
}

func stateAttrs(s *StateChangeEvent) []any {
	attrs := []any{
		slog.String("entity", s.Entity.String()),
		slog.String("from", s.OldState),
		slog.String("to", s.NewState),
	}
	if s.Subject != "" {
		attrs = append(attrs, slog.String("subject", s.Subject))
	}
	if s.Reason != "" {
		attrs = append(attrs, slog.String("reason", s.Reason))
	}
	return attrs
}

func errorAttrs(e *ErrorEventData) []any {
	attrs := []any{
		slog.String("layer", e.Layer.String()),
		slog.String("text", e.Message),
	}
	if e.Context != "" {
		attrs = append(attrs, slog.String("context", e.Context))
	}
	if e.Status != nil {
		attrs = append(attrs, slog.String("status", e.Status.String()))
	}
	return attrs
}

func appendNonEmpty(attrs []slog.Attr, key, value string) []slog.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, slog.String(key, value))
}

var _ Logger = (*SlogAdapter)(nil)
