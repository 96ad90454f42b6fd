package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
)

// PahoConfig configures a PahoClient.
type PahoConfig struct {
	// InboundDepth is the inbound channel capacity.
	InboundDepth int

	// MaxInbound drops inbound payloads longer than this.
	MaxInbound int

	KeepAlive time.Duration

	// OpTimeout bounds connect, subscribe and publish acknowledgements.
	OpTimeout time.Duration

	// Clock times Yield and operation timeouts. Nil means the wall clock.
	Clock clock.Clock

	Logger *slog.Logger

	// NewClient builds the underlying client. Nil means mqtt.NewClient.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

// DefaultPahoConfig returns the default configuration.
func DefaultPahoConfig() PahoConfig {
	return PahoConfig{
		InboundDepth: DefaultInboundDepth,
		MaxInbound:   DefaultMaxInbound,
		KeepAlive:    DefaultKeepAlive,
		OpTimeout:    DefaultOpTimeout,
	}
}

func (c *PahoConfig) applyDefaults() {
	if c.InboundDepth <= 0 {
		c.InboundDepth = DefaultInboundDepth
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = DefaultMaxInbound
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.NewClient == nil {
		c.NewClient = mqtt.NewClient
	}
}

// PahoClient implements Client with the Eclipse Paho MQTT client.
type PahoClient struct {
	cfg PahoConfig

	mu      sync.Mutex
	client  mqtt.Client
	session Session

	inbound chan Message
	lost    chan error
	dropped atomic.Uint64
}

var _ Client = (*PahoClient)(nil)

// NewPahoClient creates a disconnected client.
func NewPahoClient(cfg PahoConfig) *PahoClient {
	cfg.applyDefaults()
	return &PahoClient{
		cfg:     cfg,
		inbound: make(chan Message, cfg.InboundDepth),
		lost:    make(chan error, 1),
	}
}

// Connect opens a session. Any previous session is closed first.
func (c *PahoClient) Connect(ctx context.Context, s Session) error {
	_ = c.Disconnect()

	if s.Port == 0 {
		s.Port = DefaultPort
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", s.Host, s.Port)).
		SetClientID(s.ClientID).
		SetUsername(s.Username).
		SetPassword(s.Password).
		SetCleanSession(s.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.OpTimeout).
		SetDefaultPublishHandler(c.receive).
		SetConnectionLostHandler(c.connectionLost)
	if s.TLS != nil {
		opts.SetTLSConfig(s.TLS)
	}
	if s.Will.Topic != "" {
		opts.SetWill(s.Will.Topic, s.Will.Payload, QoS, false)
	}

	client := c.cfg.NewClient(opts)
	if err := c.wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connect %s: %w", s.Host, err)
	}

	// Drop a stale loss notification from the previous session.
	select {
	case <-c.lost:
	default:
	}

	c.mu.Lock()
	c.client = client
	c.session = s
	c.mu.Unlock()

	c.cfg.Logger.Info("broker connected", "host", s.Host, "clientID", s.ClientID)
	return nil
}

// Subscribe subscribes every session topic.
func (c *PahoClient) Subscribe(ctx context.Context) error {
	client, s, err := c.current()
	if err != nil {
		return err
	}
	if len(s.Topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(s.Topics))
	for _, t := range s.Topics {
		filters[t] = QoS
	}
	if err := c.wait(ctx, client.SubscribeMultiple(filters, c.receive)); err != nil {
		return fmt.Errorf("subscribe %s: %w", strings.Join(s.Topics, ","), err)
	}
	return nil
}

// Publish sends payload at QoS 1 and waits for the acknowledgement.
func (c *PahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	client, _, err := c.current()
	if err != nil {
		return err
	}
	if err := c.wait(ctx, client.Publish(topic, QoS, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Yield waits up to timeout for a loss notification.
func (c *PahoClient) Yield(timeout time.Duration) error {
	if _, _, err := c.current(); err != nil {
		return err
	}
	timer := c.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-c.lost:
		c.reset()
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	case <-timer.Chan():
		return nil
	}
}

// Inbound delivers received messages.
func (c *PahoClient) Inbound() <-chan Message {
	return c.inbound
}

// Disconnect closes the session.
func (c *PahoClient) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	client.Disconnect(uint(250))
	c.cfg.Logger.Info("broker disconnected")
	return nil
}

// Connected reports whether a session is open.
func (c *PahoClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

// Dropped returns the number of inbound messages discarded.
func (c *PahoClient) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *PahoClient) current() (mqtt.Client, Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, Session{}, ErrNotConnected
	}
	return c.client, c.session, nil
}

func (c *PahoClient) reset() {
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
}

func (c *PahoClient) receive(_ mqtt.Client, m mqtt.Message) {
	payload := m.Payload()
	if len(payload) > c.cfg.MaxInbound {
		c.dropped.Add(1)
		c.cfg.Logger.Warn("inbound message too long", "topic", m.Topic(), "size", len(payload))
		return
	}
	msg := Message{Topic: m.Topic(), Payload: append([]byte(nil), payload...)}
	select {
	case c.inbound <- msg:
	default:
		c.dropped.Add(1)
		c.cfg.Logger.Warn("inbound queue full", "topic", m.Topic())
	}
}

func (c *PahoClient) connectionLost(_ mqtt.Client, err error) {
	c.cfg.Logger.Warn("broker connection lost", "error", err)
	select {
	case c.lost <- err:
	default:
	}
}

func (c *PahoClient) wait(ctx context.Context, tok mqtt.Token) error {
	timer := c.cfg.Clock.NewTimer(c.cfg.OpTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return ErrTimeout
	}
}
