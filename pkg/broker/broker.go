package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"time"
)

// Defaults.
const (
	DefaultPort         = 8883
	DefaultInboundDepth = 16
	DefaultMaxInbound   = 512
	DefaultKeepAlive    = 60 * time.Second
	DefaultOpTimeout    = 20 * time.Second
)

// QoS used for every publish and subscription.
const QoS byte = 1

var (
	// ErrNotConnected is returned by operations that need a session.
	ErrNotConnected = errors.New("broker not connected")

	// ErrConnectionLost reports that the session dropped since the last
	// Yield.
	ErrConnectionLost = errors.New("broker connection lost")

	// ErrTimeout reports an operation that was not acknowledged in time.
	ErrTimeout = errors.New("broker operation timed out")
)

// Will is the message the broker publishes if the session drops.
type Will struct {
	Topic   string
	Payload string
}

// Session describes one broker session.
type Session struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	// TLS carries the client certificate and roots.
	TLS *tls.Config

	Will         Will
	CleanSession bool

	// Topics are subscribed by Subscribe.
	Topics []string
}

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Client is an MQTT session as seen by the connection state machine.
type Client interface {
	// Connect opens a session.
	Connect(ctx context.Context, s Session) error

	// Subscribe (re)subscribes the session's topics.
	Subscribe(ctx context.Context) error

	// Publish sends payload on topic at QoS 1.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Yield waits up to timeout for session events. It returns
	// ErrConnectionLost once after the session dropped.
	Yield(timeout time.Duration) error

	// Inbound delivers received messages.
	Inbound() <-chan Message

	// Disconnect closes the session. Disconnecting a closed session
	// succeeds.
	Disconnect() error

	// Connected reports whether a session is open.
	Connected() bool
}
