package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/hublink/hublink-go/pkg/backoff"
	"github.com/hublink/hublink-go/pkg/broker"
	"github.com/hublink/hublink-go/pkg/buffer"
	"github.com/hublink/hublink-go/pkg/credentials"
	"github.com/hublink/hublink-go/pkg/log"
	"github.com/hublink/hublink-go/pkg/signing"
	"github.com/hublink/hublink-go/pkg/transport"
)

// MessagesTopic is appended to the base topic for hub messages.
const MessagesTopic = "/messages"

// Timing defaults.
const (
	DefaultTick            = 10 * time.Millisecond
	DefaultConnectTimeout  = 3 * time.Minute
	DefaultPreConnectDelay = 5 * time.Second
	DefaultTimeRetryBase   = 3 * time.Second
	DefaultTimeRetryJitter = 4095 * time.Millisecond
	DefaultPhaseWait       = time.Second
	DefaultCredentialReset = 10 * time.Second
	DefaultYieldTimeout    = 5 * time.Millisecond
)

// Default phase backoffs.
var (
	DefaultConnectBackoff = backoff.Spec{
		Base:        2 * time.Second,
		Multiplier:  2,
		JitterMax:   2 * time.Second,
		MaxAttempts: 6,
		MaxDelay:    time.Minute,
	}
	DefaultSubscribeBackoff = backoff.Spec{
		Base:        time.Second,
		Multiplier:  2,
		JitterMax:   500 * time.Millisecond,
		MaxAttempts: 5,
	}
)

var errNoCredentials = errors.New("no credential set")

// CredentialSource supplies broker credentials and the message signing key.
// *credentials.Store implements it.
type CredentialSource interface {
	RequestCredentials(ctx context.Context) error
	Credentials() (credentials.Credentials, bool)
	TLSCertificate() (*tls.Certificate, error)
	SigningKey() signing.Key
}

// Outbound is the buffer of messages awaiting delivery. *buffer.Buffer
// implements it.
type Outbound interface {
	Enqueue(sourceID uint64, payload []byte) bool
	GetNextMessage() (*buffer.Message, bool)
	ProcessReflectedAck(wire string) bool
}

// NetworkMonitor reports whether the wide-area link is usable.
type NetworkMonitor interface {
	Up() bool
}

// TimeSyncer sets the clock from a time server.
type TimeSyncer interface {
	Sync(ctx context.Context) error
}

// Watchdog is kicked while the link is healthy.
type Watchdog interface {
	Kick()
	Suppress()
}

// Outgoing is a message submitted directly to the machine.
type Outgoing struct {
	Subtopic string
	Text     string
}

// Config configures a Machine.
type Config struct {
	// Tick is the step interval of Run.
	Tick time.Duration

	// ConnectTimeout bounds the connect phase before a network restart.
	ConnectTimeout time.Duration

	// PreConnectDelay is the pause after the first credential fetch.
	PreConnectDelay time.Duration

	// TimeRetryBase and TimeRetryJitter pace failed time syncs.
	TimeRetryBase   time.Duration
	TimeRetryJitter time.Duration

	// PhaseWait is the pause while a phase backoff is waiting.
	PhaseWait time.Duration

	// CredentialReset is the pause after credential retries ran out.
	CredentialReset time.Duration

	// YieldTimeout is passed to the broker client each poll.
	YieldTimeout time.Duration

	ConnectBackoff   backoff.Spec
	SubscribeBackoff backoff.Spec

	// BrokerPort overrides the broker port. Zero means broker.DefaultPort.
	BrokerPort int

	// RootCAs pins the broker's roots. Nil uses the system pool.
	RootCAs *x509.CertPool

	// CleanSession requests a clean MQTT session on connect.
	CleanSession bool

	Network  NetworkMonitor
	TimeSync TimeSyncer
	Watchdog Watchdog

	// OnNetworkRestart is called when the connect phase gives up.
	OnNetworkRestart func()

	// OnInbound receives inbound messages that are not reflections.
	OnInbound func(broker.Message)

	// OnStateChange is called after every transition.
	OnStateChange func(old, new State)

	Clock  clock.Clock
	Logger *slog.Logger

	// Serial tags trace events.
	Serial string

	// Trace receives state, message and alarm events. Nil disables tracing.
	Trace log.Logger
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		Tick:             DefaultTick,
		ConnectTimeout:   DefaultConnectTimeout,
		PreConnectDelay:  DefaultPreConnectDelay,
		TimeRetryBase:    DefaultTimeRetryBase,
		TimeRetryJitter:  DefaultTimeRetryJitter,
		PhaseWait:        DefaultPhaseWait,
		CredentialReset:  DefaultCredentialReset,
		YieldTimeout:     DefaultYieldTimeout,
		ConnectBackoff:   DefaultConnectBackoff,
		SubscribeBackoff: DefaultSubscribeBackoff,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PreConnectDelay < 0 {
		c.PreConnectDelay = 0
	}
	if c.TimeRetryBase <= 0 {
		c.TimeRetryBase = d.TimeRetryBase
	}
	if c.TimeRetryJitter < 0 {
		c.TimeRetryJitter = 0
	}
	if c.PhaseWait <= 0 {
		c.PhaseWait = d.PhaseWait
	}
	if c.CredentialReset <= 0 {
		c.CredentialReset = d.CredentialReset
	}
	if c.YieldTimeout <= 0 {
		c.YieldTimeout = d.YieldTimeout
	}
	if c.ConnectBackoff.Base == 0 {
		c.ConnectBackoff = d.ConnectBackoff
	}
	if c.SubscribeBackoff.Base == 0 {
		c.SubscribeBackoff = d.SubscribeBackoff
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.Trace = log.OrNoop(c.Trace)
}

// Stats counts link activity.
type Stats struct {
	Connects        uint64
	Published       uint64
	PublishFailures uint64
	Inbound         uint64
	Reflected       uint64
	Alarms          uint64
	NetworkRestarts uint64
}

// Status is a snapshot of the machine.
type Status struct {
	State             State
	Since             time.Time
	BaseTopic         string
	ConnectAttempts   int
	SubscribeAttempts int
	Pending           bool
	Stats             Stats
}

// Machine runs the cloud link. Step must only be called from one goroutine;
// Submit, NotifyUpdate, Status, HandleAlarm and Dump are safe from any
// goroutine.
type Machine struct {
	cfg    Config
	creds  CredentialSource
	broker broker.Client
	out    Outbound

	mailbox chan Outgoing
	update  atomic.Bool

	// Owned by the stepping goroutine.
	wakeAt           time.Time
	connectSince     time.Time
	delayed          bool
	pending          *Outgoing
	connectBackoff   *backoff.State
	subscribeBackoff *backoff.State

	mu        sync.RWMutex
	state     State
	since     time.Time
	baseTopic string
	sessionID string
	stats     Stats
}

// New creates a Machine in StateInitial.
func New(cfg Config, creds CredentialSource, client broker.Client, out Outbound) *Machine {
	cfg.applyDefaults()
	return &Machine{
		cfg:              cfg,
		creds:            creds,
		broker:           client,
		out:              out,
		mailbox:          make(chan Outgoing, 1),
		connectBackoff:   backoff.NewState(cfg.ConnectBackoff, cfg.Clock),
		subscribeBackoff: backoff.NewState(cfg.SubscribeBackoff, cfg.Clock),
		state:            StateInitial,
		since:            cfg.Clock.Now(),
	}
}

// Run steps the machine every Tick until ctx ends.
func (m *Machine) Run(ctx context.Context) error {
	m.cfg.Logger.Info("cloud link starting", "tick", m.cfg.Tick)
	for {
		m.Step(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.cfg.Clock.After(m.cfg.Tick):
		}
	}
}

// Step performs at most one unit of work for the current state. It returns
// immediately while a wait set by the previous step is running.
func (m *Machine) Step(ctx context.Context) {
	if m.update.Load() && m.State() != StateStopped {
		m.stopSession()
		return
	}
	if m.cfg.Clock.Now().Before(m.wakeAt) {
		return
	}

	switch m.State() {
	case StateInitial:
		m.stepInitial()
	case StateAwaitingTime:
		m.stepAwaitingTime(ctx)
	case StateFetchingCredentials:
		m.stepFetchingCredentials(ctx)
	case StatePreConnectDelay:
		m.enterConnecting()
	case StateConnecting:
		m.stepConnecting(ctx)
	case StateSubscribing:
		m.stepSubscribing(ctx)
	case StateConnected:
		m.stepConnected(ctx)
	case StateDisconnecting:
		m.stepDisconnecting()
	case StateStopped:
	}
}

func (m *Machine) stepInitial() {
	if err := m.broker.Disconnect(); err != nil {
		m.cfg.Logger.Debug("broker reset", "error", err)
	}
	m.setState(StateAwaitingTime, "")
}

func (m *Machine) stepAwaitingTime(ctx context.Context) {
	if !m.networkUp() {
		m.sleep(m.cfg.PhaseWait)
		return
	}
	if m.cfg.TimeSync != nil {
		if err := m.cfg.TimeSync.Sync(ctx); err != nil {
			m.cfg.Logger.Warn("time sync failed", "error", err)
			m.sleep(m.cfg.TimeRetryBase + rand.N(m.cfg.TimeRetryJitter+1))
			return
		}
	}
	// Waits set before the clock was corrected no longer apply.
	m.wakeAt = time.Time{}
	m.setState(StateFetchingCredentials, "")
}

func (m *Machine) stepFetchingCredentials(ctx context.Context) {
	err := m.creds.RequestCredentials(ctx)
	switch {
	case err == nil:
		if !m.delayed && m.cfg.PreConnectDelay > 0 {
			m.delayed = true
			m.setState(StatePreConnectDelay, "")
			m.sleep(m.cfg.PreConnectDelay)
			return
		}
		m.enterConnecting()
	case errors.Is(err, transport.ErrUpdateRequested):
		m.stop()
	case errors.Is(err, credentials.ErrRetryWaiting):
		m.sleep(m.cfg.PhaseWait)
	case errors.Is(err, credentials.ErrRetriesExhausted):
		m.cfg.Logger.Warn("credential retries exhausted")
		m.sleep(m.cfg.CredentialReset)
	default:
		m.cfg.Logger.Debug("credential request failed", "error", err)
	}
}

func (m *Machine) enterConnecting() {
	m.connectSince = m.cfg.Clock.Now()
	m.setState(StateConnecting, "")
}

func (m *Machine) stepConnecting(ctx context.Context) {
	if m.cfg.Clock.Now().Sub(m.connectSince) > m.cfg.ConnectTimeout {
		m.restartNetwork("connect timeout")
		return
	}

	switch m.connectBackoff.Status() {
	case backoff.StatusWaiting:
		m.sleep(m.cfg.PhaseWait)
		return
	case backoff.StatusFailed:
		m.connectBackoff.Reset()
		m.restartNetwork("connect retries exhausted")
		return
	}

	sess, base, err := m.session()
	if err == nil {
		err = m.broker.Connect(ctx, sess)
	}
	if err != nil {
		m.connectBackoff.Progress()
		m.cfg.Logger.Warn("broker connect failed", "error", err, "attempt", m.connectBackoff.Attempts())
		return
	}

	m.connectBackoff.Reset()
	m.mu.Lock()
	m.sessionID = log.NewSessionID()
	m.baseTopic = base
	m.stats.Connects++
	m.mu.Unlock()

	online := "Hub online: " + m.stamp()
	if !m.out.Enqueue(0, []byte(online)) {
		m.cfg.Logger.Warn("online message not buffered")
	}
	m.setState(StateSubscribing, "")
}

// session builds the broker session from the accepted credentials and
// returns it with the base topic.
func (m *Machine) session() (broker.Session, string, error) {
	creds, ok := m.creds.Credentials()
	if !ok {
		return broker.Session{}, "", errNoCredentials
	}
	cert, err := m.creds.TLSCertificate()
	if err != nil {
		m.cfg.Logger.Debug("no client certificate", "error", err)
		cert = nil
	}
	tlsConfig := transport.NewClientTLSConfig(&transport.TLSConfig{
		RootCAs:     m.cfg.RootCAs,
		ServerName:  creds.Host,
		Certificate: cert,
	})
	return broker.Session{
		Host:         creds.Host,
		Port:         m.cfg.BrokerPort,
		ClientID:     creds.ClientID,
		Username:     creds.Username,
		Password:     creds.Password,
		TLS:          tlsConfig,
		Will:         broker.Will{Topic: creds.BaseTopic + MessagesTopic, Payload: "Hub offline (Last Will): " + m.stamp()},
		CleanSession: m.cfg.CleanSession,
		Topics:       []string{creds.BaseTopic + "/#"},
	}, creds.BaseTopic, nil
}

// stamp renders "dd hh mm ss" of the current UTC time.
func (m *Machine) stamp() string {
	now := m.cfg.Clock.Now().UTC()
	return fmt.Sprintf("%02d %02d %02d %02d", now.Day(), now.Hour(), now.Minute(), now.Second())
}

func (m *Machine) stepSubscribing(ctx context.Context) {
	switch m.subscribeBackoff.Status() {
	case backoff.StatusWaiting:
		m.sleep(m.cfg.PhaseWait)
		return
	case backoff.StatusFailed:
		m.subscribeBackoff.Reset()
		m.setState(StateDisconnecting, "subscribe retries exhausted")
		return
	}

	if err := m.broker.Subscribe(ctx); err != nil {
		m.subscribeBackoff.Progress()
		m.cfg.Logger.Warn("subscribe failed", "error", err, "attempt", m.subscribeBackoff.Attempts())
		return
	}
	m.subscribeBackoff.Reset()
	m.setState(StateConnected, "")
}

func (m *Machine) stepConnected(ctx context.Context) {
	if !m.networkUp() {
		m.setState(StateDisconnecting, "network down")
		return
	}

	m.drainInbound()
	m.publishNext(ctx)

	if err := m.broker.Yield(m.cfg.YieldTimeout); err != nil {
		m.setState(StateDisconnecting, err.Error())
		return
	}
	if m.cfg.Watchdog != nil {
		m.cfg.Watchdog.Kick()
	}
}

// publishNext publishes one message: the pending or submitted message if
// any, otherwise the next due buffer entry.
func (m *Machine) publishNext(ctx context.Context) {
	if m.pending == nil {
		select {
		case o := <-m.mailbox:
			m.pending = &o
		default:
		}
	}
	if m.pending != nil {
		if err := m.publish(ctx, m.pending.Subtopic, m.pending.Text, 0, 0); err == nil {
			m.pending = nil
		}
		return
	}

	if msg, ok := m.out.GetNextMessage(); ok {
		_ = m.publish(ctx, msg.Subtopic, msg.Text, msg.Index, msg.Retries)
	}
}

func (m *Machine) publish(ctx context.Context, subtopic, text string, index uint8, retries int) error {
	topic := m.BaseTopic() + MessagesTopic + subtopic
	payload := SignMessage(m.creds.SigningKey(), topic, text)

	err := m.broker.Publish(ctx, topic, []byte(payload))

	m.mu.Lock()
	if err != nil {
		m.stats.PublishFailures++
	} else {
		m.stats.Published++
	}
	m.mu.Unlock()

	if err != nil {
		m.cfg.Logger.Warn("publish failed", "topic", topic, "error", err)
		return err
	}

	data, truncated := log.TruncatePayload([]byte(payload))
	m.trace(log.Event{
		Direction: log.DirectionOut,
		Category:  log.CategoryMessage,
		Message: &log.MessageEvent{
			Topic:     topic,
			Size:      len(payload),
			Index:     index,
			Retries:   retries,
			Payload:   data,
			Truncated: truncated,
		},
	})
	return nil
}

// SignMessage returns the published form of text on topic.
func SignMessage(key signing.Key, topic, text string) string {
	return signing.Sign(key, []byte(topic+text)) + " " + text
}

func (m *Machine) drainInbound() {
	for {
		select {
		case msg := <-m.broker.Inbound():
			m.handleInbound(msg)
		default:
			return
		}
	}
}

func (m *Machine) handleInbound(msg broker.Message) {
	m.mu.Lock()
	m.stats.Inbound++
	m.mu.Unlock()

	reflected := false
	if strings.HasPrefix(msg.Topic, m.BaseTopic()+MessagesTopic) {
		text := string(msg.Payload)
		if i := strings.IndexByte(text, ' '); i >= 0 {
			text = text[i+1:]
		}
		reflected = m.out.ProcessReflectedAck(text)
	}

	data, truncated := log.TruncatePayload(msg.Payload)
	m.trace(log.Event{
		Direction: log.DirectionIn,
		Category:  log.CategoryMessage,
		Message: &log.MessageEvent{
			Topic:     msg.Topic,
			Size:      len(msg.Payload),
			Payload:   data,
			Truncated: truncated,
			Reflected: reflected,
		},
	})

	if reflected {
		m.mu.Lock()
		m.stats.Reflected++
		m.mu.Unlock()
		return
	}
	if m.cfg.OnInbound != nil {
		m.cfg.OnInbound(msg)
	}
}

func (m *Machine) stepDisconnecting() {
	if err := m.broker.Disconnect(); err != nil {
		m.cfg.Logger.Warn("broker disconnect failed", "error", err)
		_ = m.broker.Yield(m.cfg.YieldTimeout)
		return
	}
	m.setState(StateInitial, "")
}

func (m *Machine) restartNetwork(reason string) {
	m.mu.Lock()
	m.stats.NetworkRestarts++
	m.mu.Unlock()
	m.cfg.Logger.Warn("requesting network restart", "reason", reason)
	if m.cfg.OnNetworkRestart != nil {
		m.cfg.OnNetworkRestart()
	}
	m.setState(StateInitial, reason)
}

// NotifyUpdate reports a firmware-update directive received outside the
// credential exchange. The next Step closes any broker session and enters
// StateStopped.
func (m *Machine) NotifyUpdate() {
	m.update.Store(true)
}

func (m *Machine) stopSession() {
	switch m.State() {
	case StateConnecting, StateSubscribing, StateConnected, StateDisconnecting:
		if err := m.broker.Disconnect(); err != nil {
			m.cfg.Logger.Debug("broker disconnect", "error", err)
		}
	}
	m.stop()
}

func (m *Machine) stop() {
	m.setState(StateStopped, "firmware update requested")
	if m.cfg.Watchdog != nil {
		m.cfg.Watchdog.Suppress()
	}
	m.trace(log.Event{
		Layer:    log.LayerLink,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityWatchdog,
			NewState: "SUPPRESSED",
			Reason:   "firmware update requested",
		},
	})
}

// HandleAlarm records a buffer alarm. It has the signature of
// buffer.AlarmFunc.
func (m *Machine) HandleAlarm(kind buffer.AlarmKind, msg *buffer.Message) {
	m.mu.Lock()
	m.stats.Alarms++
	m.mu.Unlock()

	m.cfg.Logger.Warn("message alarm", "kind", kind, "index", msg.Index, "retries", msg.Retries)
	m.trace(log.Event{
		Layer:    log.LayerLink,
		Category: log.CategoryAlarm,
		Alarm: &log.AlarmEvent{
			Kind:  kind.String(),
			Index: msg.Index,
			Text:  msg.Text,
		},
	})
}

// Submit hands a message to the machine without blocking. It returns false
// when a submitted message is still waiting.
func (m *Machine) Submit(o Outgoing) bool {
	select {
	case m.mailbox <- o:
		return true
	default:
		return false
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// BaseTopic returns the base topic of the current session.
func (m *Machine) BaseTopic() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseTopic
}

// Status returns a snapshot for diagnostics and metrics.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:             m.state,
		Since:             m.since,
		BaseTopic:         m.baseTopic,
		ConnectAttempts:   m.connectBackoff.Attempts(),
		SubscribeAttempts: m.subscribeBackoff.Attempts(),
		Pending:           len(m.mailbox) > 0,
		Stats:             m.stats,
	}
}

// Dump writes a human-readable status report.
func (m *Machine) Dump(w io.Writer) {
	s := m.Status()
	fmt.Fprintf(w, "state:       %s (for %s)\n", s.State, m.cfg.Clock.Now().Sub(s.Since).Truncate(time.Second))
	fmt.Fprintf(w, "base topic:  %s\n", s.BaseTopic)
	fmt.Fprintf(w, "attempts:    connect %d, subscribe %d\n", s.ConnectAttempts, s.SubscribeAttempts)
	fmt.Fprintf(w, "connects:    %d\n", s.Stats.Connects)
	fmt.Fprintf(w, "published:   %d (%d failed)\n", s.Stats.Published, s.Stats.PublishFailures)
	fmt.Fprintf(w, "inbound:     %d (%d reflections)\n", s.Stats.Inbound, s.Stats.Reflected)
	fmt.Fprintf(w, "alarms:      %d\n", s.Stats.Alarms)
	fmt.Fprintf(w, "restarts:    %d\n", s.Stats.NetworkRestarts)
	fmt.Fprintf(w, "mailbox:     %t\n", s.Pending)
}

func (m *Machine) networkUp() bool {
	return m.cfg.Network == nil || m.cfg.Network.Up()
}

func (m *Machine) sleep(d time.Duration) {
	m.wakeAt = m.cfg.Clock.Now().Add(d)
}

func (m *Machine) setState(next State, reason string) {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.since = now
	m.mu.Unlock()

	if prev == next {
		return
	}
	m.cfg.Logger.Info("link state", "from", prev, "to", next, "reason", reason)
	m.trace(log.Event{
		Layer:    log.LayerLink,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityLink,
			OldState: prev.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(prev, next)
	}
}

func (m *Machine) trace(e log.Event) {
	m.mu.RLock()
	e.SessionID = m.sessionID
	m.mu.RUnlock()
	e.Timestamp = m.cfg.Clock.Now()
	e.HubSerial = m.cfg.Serial
	if e.Category == log.CategoryMessage {
		e.Layer = log.LayerBroker
	}
	m.cfg.Trace.Log(e)
}
