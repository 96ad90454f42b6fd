package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 8, 30, 5, 0, time.UTC)

// fakeNTP answers queries from a per-host script.
type fakeNTP struct {
	offsets map[string]time.Duration
	queried []string
	timeout time.Duration
}

func (f *fakeNTP) query(host string, opts ntp.QueryOptions) (*ntp.Response, error) {
	f.queried = append(f.queried, host)
	f.timeout = opts.Timeout
	offset, ok := f.offsets[host]
	if !ok {
		return nil, errors.New("i/o timeout")
	}
	return &ntp.Response{
		Time:          testNow,
		ReferenceTime: testNow,
		ClockOffset:   offset,
		RTT:           20 * time.Millisecond,
		Stratum:       2,
	}, nil
}

func newSyncer(f *fakeNTP, servers ...string) (*Syncer, *testclock.Clock) {
	clk := testclock.NewClock(testNow)
	s := New(Config{
		Servers: servers,
		Timeout: 2 * time.Second,
		Query:   f.query,
		Clock:   clk,
	})
	return s, clk
}

func TestSyncFallsThroughServers(t *testing.T) {
	f := &fakeNTP{offsets: map[string]time.Duration{"b.example": 1500 * time.Millisecond}}
	s, _ := newSyncer(f, "a.example", "b.example")

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, []string{"a.example", "b.example"}, f.queried)
	assert.Equal(t, 2*time.Second, f.timeout)
	assert.True(t, s.Synced())
	assert.Equal(t, "b.example", s.Server())
	assert.Equal(t, 1500*time.Millisecond, s.Offset())
	assert.Equal(t, testNow.Add(1500*time.Millisecond), s.Now())
}

func TestSyncFailsUntilFirstAnswer(t *testing.T) {
	f := &fakeNTP{offsets: map[string]time.Duration{}}
	s, _ := newSyncer(f, "a.example")

	err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrUnsynced)
	assert.False(t, s.Synced())
}

func TestSyncReusesFreshMeasurement(t *testing.T) {
	f := &fakeNTP{offsets: map[string]time.Duration{"a.example": time.Second}}
	s, clk := newSyncer(f, "a.example")

	require.NoError(t, s.Sync(context.Background()))
	require.NoError(t, s.Sync(context.Background()))
	assert.Len(t, f.queried, 1)

	clk.Advance(DefaultResyncInterval)
	f.offsets["a.example"] = 3 * time.Second
	require.NoError(t, s.Sync(context.Background()))
	assert.Len(t, f.queried, 2)
	assert.Equal(t, 3*time.Second, s.Offset())
}

func TestSyncKeepsOffsetWhenResyncFails(t *testing.T) {
	f := &fakeNTP{offsets: map[string]time.Duration{"a.example": time.Second}}
	s, clk := newSyncer(f, "a.example")
	require.NoError(t, s.Sync(context.Background()))

	delete(f.offsets, "a.example")
	clk.Advance(2 * DefaultResyncInterval)
	assert.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, time.Second, s.Offset())
}

func TestSyncRejectsInvalidResponse(t *testing.T) {
	s := New(Config{
		Servers: []string{"a.example"},
		Query: func(string, ntp.QueryOptions) (*ntp.Response, error) {
			return &ntp.Response{Time: testNow, ReferenceTime: testNow, Stratum: 0}, nil
		},
		Clock: testclock.NewClock(testNow),
	})
	err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrUnsynced)
}

func TestSyncNoServers(t *testing.T) {
	s, _ := newSyncer(&fakeNTP{})
	assert.ErrorIs(t, s.Sync(context.Background()), ErrNoServers)
}

func TestSyncCancelled(t *testing.T) {
	f := &fakeNTP{offsets: map[string]time.Duration{"a.example": time.Second}}
	s, _ := newSyncer(f, "a.example")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Sync(ctx), context.Canceled)
	assert.Empty(t, f.queried)
}

func TestClockAppliesOffset(t *testing.T) {
	f := &fakeNTP{offsets: map[string]time.Duration{"a.example": 10 * time.Minute}}
	s, clk := newSyncer(f, "a.example")
	c := s.Clock()
	assert.Equal(t, testNow, c.Now(), "unsynced clock is the base clock")

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, testNow.Add(10*time.Minute), c.Now())

	ch := c.After(time.Second)
	clk.Advance(time.Second)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timer on corrected clock did not fire")
	}
	assert.Equal(t, testNow.Add(10*time.Minute+time.Second), c.Now())
}
