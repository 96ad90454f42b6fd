package watchdog

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func newWatchdog(t *testing.T) (*Watchdog, *testclock.Clock, chan struct{}) {
	t.Helper()
	clk := testclock.NewClock(testNow)
	w, err := New(Config{Clock: clk})
	require.NoError(t, err)
	expired := make(chan struct{}, 1)
	w.OnExpire(func() { expired <- struct{}{} })
	return w, clk, expired
}

func waitExpired(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not expire")
	}
}

func assertNotExpired(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("watchdog expired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpiresWithoutKick(t *testing.T) {
	w, clk, expired := newWatchdog(t)
	w.Start()
	assert.Equal(t, StateArmed, w.State())

	clk.Advance(DefaultTimeout)
	waitExpired(t, expired)
	assert.Equal(t, StateExpired, w.State())
}

func TestKickPostponesExpiry(t *testing.T) {
	w, clk, expired := newWatchdog(t)
	w.Start()

	clk.Advance(9 * time.Minute)
	w.Kick()
	assert.Equal(t, DefaultTimeout, w.Remaining())

	clk.Advance(9 * time.Minute)
	assertNotExpired(t, expired)
	assert.Equal(t, time.Minute, w.Remaining())

	clk.Advance(time.Minute)
	waitExpired(t, expired)
}

func TestSuppressDisarms(t *testing.T) {
	w, clk, expired := newWatchdog(t)
	var changes []string
	w.OnStateChange(func(old, next State) {
		changes = append(changes, old.String()+">"+next.String())
	})
	w.Start()
	w.Suppress()

	clk.Advance(time.Hour)
	assertNotExpired(t, expired)
	assert.Equal(t, StateSuppressed, w.State())
	assert.Zero(t, w.Remaining())

	w.Kick()
	w.Start()
	assert.Equal(t, StateSuppressed, w.State(), "suppression is permanent")
	assert.Equal(t, []string{"IDLE>ARMED", "ARMED>SUPPRESSED"}, changes)
}

func TestKickBeforeStartIsIgnored(t *testing.T) {
	w, _, _ := newWatchdog(t)
	w.Kick()
	assert.Equal(t, StateIdle, w.State())
}

func TestInvalidTimeout(t *testing.T) {
	_, err := New(Config{Timeout: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "ARMED", StateArmed.String())
	assert.Equal(t, "EXPIRED", StateExpired.String())
	assert.Equal(t, "SUPPRESSED", StateSuppressed.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
