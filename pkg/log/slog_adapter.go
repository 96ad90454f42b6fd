package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes trace events to an slog.Logger at debug level.
// Useful during bring-up when the trace should appear on the console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.RemoteHost != "" {
		attrs = append(attrs, slog.String("host", event.RemoteHost))
	}

	switch {
	case event.Exchange != nil:
		x := event.Exchange
		attrs = append(attrs,
			slog.String("resource", x.Resource),
			slog.String("outcome", x.Outcome),
			slog.Int("req_size", x.RequestSize),
			slog.Int("resp_size", x.ResponseSize),
			slog.Duration("duration", x.Duration),
		)
		if x.UpdateRequested {
			attrs = append(attrs, slog.Bool("update", true))
		}
	case event.Message != nil:
		m := event.Message
		attrs = append(attrs,
			slog.String("topic", m.Topic),
			slog.Int("size", m.Size),
		)
		if m.Index != 0 {
			attrs = append(attrs, slog.Uint64("index", uint64(m.Index)), slog.Int("retries", m.Retries))
		}
		if m.Reflected {
			attrs = append(attrs, slog.Bool("reflected", true))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Alarm != nil:
		attrs = append(attrs,
			slog.String("alarm", event.Alarm.Kind),
			slog.Uint64("index", uint64(event.Alarm.Index)),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "trace", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
