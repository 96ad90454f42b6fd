package log

import (
	"time"
)

// Event is one entry of the hub's protocol trace.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID groups the events of one HTTP exchange or one broker session (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates traffic flow relative to the hub.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"5,keyasint"`

	// RemoteHost is the cloud endpoint involved, if any.
	RemoteHost string `cbor:"6,keyasint,omitempty"`

	// HubSerial identifies the hub that produced the trace.
	HubSerial string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Exchange    *ExchangeEvent    `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Alarm       *AlarmEvent       `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of traffic.
type Direction uint8

const (
	// DirectionIn is traffic received by the hub.
	DirectionIn Direction = 0
	// DirectionOut is traffic sent by the hub.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which part of the link captured the event.
type Layer uint8

const (
	// LayerHTTP is the signed HTTP transport.
	LayerHTTP Layer = 0
	// LayerBroker is the broker session.
	LayerBroker Layer = 1
	// LayerLink is the connection state machine and the outbound buffer.
	LayerLink Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerHTTP:
		return "HTTP"
	case LayerBroker:
		return "BROKER"
	case LayerLink:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryExchange is a completed HTTP request/response exchange.
	CategoryExchange Category = 0
	// CategoryMessage is a broker message.
	CategoryMessage Category = 1
	// CategoryState is a state change.
	CategoryState Category = 2
	// CategoryAlarm is a delivery alarm from the outbound buffer.
	CategoryAlarm Category = 3
	// CategoryError is an error at any layer.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryExchange:
		return "EXCHANGE"
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryAlarm:
		return "ALARM"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ExchangeEvent summarizes one signed HTTP exchange.
type ExchangeEvent struct {
	// Resource is the request path.
	Resource string `cbor:"1,keyasint"`

	// RequestSize is the request body size in bytes.
	RequestSize int `cbor:"2,keyasint"`

	// ResponseSize is the number of body bytes read.
	ResponseSize int `cbor:"3,keyasint"`

	// Signed reports whether the request carried a signature.
	Signed bool `cbor:"4,keyasint,omitempty"`

	// Outcome is "ok" or the classified failure.
	Outcome string `cbor:"5,keyasint"`

	// ServerTime is the x-time header value in milliseconds.
	ServerTime uint64 `cbor:"6,keyasint,omitempty"`

	// UpdateRequested reports an x-update directive.
	UpdateRequested bool `cbor:"7,keyasint,omitempty"`

	// Duration is the wall time of the exchange.
	Duration time.Duration `cbor:"8,keyasint"`
}

// MessageEvent captures a broker message.
type MessageEvent struct {
	// Topic is the broker topic.
	Topic string `cbor:"1,keyasint"`

	// Size is the payload size in bytes.
	Size int `cbor:"2,keyasint"`

	// Index is the outbound buffer index, if the message came from the buffer.
	Index uint8 `cbor:"3,keyasint,omitempty"`

	// Retries is the retry count at send time.
	Retries int `cbor:"4,keyasint,omitempty"`

	// Payload is the message text (may be truncated).
	Payload []byte `cbor:"5,keyasint,omitempty"`

	// Truncated indicates Payload was truncated.
	Truncated bool `cbor:"6,keyasint,omitempty"`

	// Reflected marks an inbound message consumed as a delivery acknowledgment.
	Reflected bool `cbor:"7,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle changes.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityLink is the connection state machine.
	StateEntityLink StateEntity = 0
	// StateEntityCredentials is the credential store.
	StateEntityCredentials StateEntity = 1
	// StateEntityWatchdog is the liveness watchdog.
	StateEntityWatchdog StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityLink:
		return "LINK"
	case StateEntityCredentials:
		return "CREDENTIALS"
	case StateEntityWatchdog:
		return "WATCHDOG"
	default:
		return "UNKNOWN"
	}
}

// AlarmEvent captures a message delivery alarm.
type AlarmEvent struct {
	// Kind is the alarm name.
	Kind string `cbor:"1,keyasint"`

	// Index is the buffer index of the struggling message.
	Index uint8 `cbor:"2,keyasint"`

	// Text is the rendered message.
	Text string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}

// MaxPayloadSize is the largest message payload copied into an event.
const MaxPayloadSize = 1024

// TruncatePayload copies p, truncated to MaxPayloadSize.
func TruncatePayload(p []byte) ([]byte, bool) {
	if len(p) <= MaxPayloadSize {
		return append([]byte(nil), p...), false
	}
	return append([]byte(nil), p[:MaxPayloadSize]...), true
}
