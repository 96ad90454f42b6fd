package log

import "github.com/google/uuid"

// Logger receives protocol trace events.
// Pass nil or NoopLogger to disable tracing.
type Logger interface {
	// Log records an event. Implementations must be thread-safe and fast;
	// the link calls Log from its own goroutine.
	Log(event Event)
}

// NoopLogger discards all events. It is usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// NewSessionID returns a fresh identifier for an exchange or broker session.
func NewSessionID() string {
	return uuid.NewString()
}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}
