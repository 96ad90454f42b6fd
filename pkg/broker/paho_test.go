package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doneToken is an already completed token.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken never completes.
type pendingToken struct{ doneToken }

func (pendingToken) Done() <-chan struct{} { return make(chan struct{}) }

// fakeMQTT records calls. Methods not overridden panic through the nil
// embedded interface.
type fakeMQTT struct {
	mqtt.Client

	mu           sync.Mutex
	connectErr   error
	connectTok   mqtt.Token
	subscribed   map[string]byte
	published    []string
	disconnected bool
	open         bool
}

func (f *fakeMQTT) Connect() mqtt.Token {
	if f.connectTok != nil {
		return f.connectTok
	}
	f.mu.Lock()
	f.open = f.connectErr == nil
	f.mu.Unlock()
	return doneToken{err: f.connectErr}
}

func (f *fakeMQTT) SubscribeMultiple(filters map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = filters
	return doneToken{}
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic+" "+string(payload.([]byte)))
	return doneToken{}
}

func (f *fakeMQTT) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	f.open = false
}

func (f *fakeMQTT) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type capturedOptions struct {
	*mqtt.ClientOptions
}

func newTestClient(fake *fakeMQTT) (*PahoClient, *capturedOptions) {
	captured := &capturedOptions{}
	cfg := DefaultPahoConfig()
	cfg.OpTimeout = 100 * time.Millisecond
	cfg.NewClient = func(o *mqtt.ClientOptions) mqtt.Client {
		captured.ClientOptions = o
		return fake
	}
	return NewPahoClient(cfg), captured
}

func testSession() Session {
	return Session{
		Host:         "broker.example.com",
		ClientID:     "H010-0123456",
		Username:     "hubuser",
		Password:     "s3cret",
		CleanSession: true,
		Will:         Will{Topic: "hubs/1/messages", Payload: "Hub offline (Last Will): 01 02 03 04"},
		Topics:       []string{"hubs/1/#"},
	}
}

func TestPahoConnectOptions(t *testing.T) {
	fake := &fakeMQTT{}
	c, opts := newTestClient(fake)

	require.NoError(t, c.Connect(context.Background(), testSession()))
	assert.True(t, c.Connected())

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://broker.example.com:8883", opts.Servers[0].String())
	assert.Equal(t, "H010-0123456", opts.ClientID)
	assert.Equal(t, "hubuser", opts.Username)
	assert.False(t, opts.AutoReconnect)
	assert.True(t, opts.CleanSession)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "hubs/1/messages", opts.WillTopic)
	assert.Equal(t, []byte("Hub offline (Last Will): 01 02 03 04"), opts.WillPayload)
	assert.Equal(t, QoS, opts.WillQos)
}

func TestPahoConnectFailure(t *testing.T) {
	fake := &fakeMQTT{connectErr: errors.New("refused")}
	c, _ := newTestClient(fake)

	err := c.Connect(context.Background(), testSession())
	require.Error(t, err)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Subscribe(context.Background()), ErrNotConnected)
}

func TestPahoConnectTimeout(t *testing.T) {
	fake := &fakeMQTT{connectTok: pendingToken{}}
	clk := testclock.NewClock(time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC))
	cfg := DefaultPahoConfig()
	cfg.Clock = clk
	cfg.NewClient = func(*mqtt.ClientOptions) mqtt.Client { return fake }
	c := NewPahoClient(cfg)

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), testSession()) }()

	require.NoError(t, clk.WaitAdvance(DefaultOpTimeout, 2*time.Second, 1))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not time out")
	}
}

func TestPahoYieldWaitsOnClock(t *testing.T) {
	fake := &fakeMQTT{}
	clk := testclock.NewClock(time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC))
	cfg := DefaultPahoConfig()
	cfg.Clock = clk
	cfg.NewClient = func(*mqtt.ClientOptions) mqtt.Client { return fake }
	c := NewPahoClient(cfg)
	require.NoError(t, c.Connect(context.Background(), testSession()))

	errc := make(chan error, 1)
	go func() { errc <- c.Yield(time.Minute) }()

	require.NoError(t, clk.WaitAdvance(time.Minute, 2*time.Second, 1))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("yield did not return")
	}
}

func TestPahoSubscribeAndPublish(t *testing.T) {
	fake := &fakeMQTT{}
	c, _ := newTestClient(fake)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, testSession()))

	require.NoError(t, c.Subscribe(ctx))
	assert.Equal(t, map[string]byte{"hubs/1/#": QoS}, fake.subscribed)

	require.NoError(t, c.Publish(ctx, "hubs/1/messages", []byte("sig text")))
	assert.Equal(t, []string{"hubs/1/messages sig text"}, fake.published)
}

func TestPahoInbound(t *testing.T) {
	fake := &fakeMQTT{}
	cfg := DefaultPahoConfig()
	cfg.InboundDepth = 2
	cfg.MaxInbound = 8
	cfg.NewClient = func(*mqtt.ClientOptions) mqtt.Client { return fake }
	c := NewPahoClient(cfg)

	c.receive(nil, fakeMessage{topic: "a", payload: []byte("one")})
	c.receive(nil, fakeMessage{topic: "b", payload: []byte("way too long")})
	c.receive(nil, fakeMessage{topic: "c", payload: []byte("two")})
	c.receive(nil, fakeMessage{topic: "d", payload: []byte("three")})

	assert.Equal(t, uint64(2), c.Dropped(), "oversize and overflow are dropped")
	first := <-c.Inbound()
	second := <-c.Inbound()
	assert.Equal(t, Message{Topic: "a", Payload: []byte("one")}, first)
	assert.Equal(t, Message{Topic: "c", Payload: []byte("two")}, second)
}

func TestPahoYieldReportsLoss(t *testing.T) {
	fake := &fakeMQTT{}
	c, opts := newTestClient(fake)
	require.NoError(t, c.Connect(context.Background(), testSession()))

	assert.NoError(t, c.Yield(time.Millisecond))

	opts.OnConnectionLost(fake, errors.New("eof"))
	err := c.Yield(time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, c.Yield(time.Millisecond), ErrNotConnected)
}

func TestPahoDisconnect(t *testing.T) {
	fake := &fakeMQTT{}
	c, _ := newTestClient(fake)
	assert.NoError(t, c.Disconnect(), "disconnecting a closed session succeeds")

	require.NoError(t, c.Connect(context.Background(), testSession()))
	require.NoError(t, c.Disconnect())
	assert.True(t, fake.disconnected)
	assert.False(t, c.Connected())
}
