package netmon

import (
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
)

type fakeLinks struct {
	links []Link
	err   error
	scans int
}

func (f *fakeLinks) list() ([]Link, error) {
	f.scans++
	return f.links, f.err
}

func newMonitor(f *fakeLinks, iface string) (*Monitor, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	return New(Config{Interface: iface, List: f.list, Clock: clk}), clk
}

func TestUp(t *testing.T) {
	eth := Link{Name: "eth0", Up: true, HasAddr: true}
	lo := Link{Name: "lo", Up: true, Loopback: true, HasAddr: true}

	tests := []struct {
		name  string
		iface string
		links []Link
		err   error
		want  bool
	}{
		{name: "usable interface", links: []Link{lo, eth}, want: true},
		{name: "loopback only", links: []Link{lo}, want: false},
		{name: "no address", links: []Link{{Name: "eth0", Up: true}}, want: false},
		{name: "down", links: []Link{{Name: "eth0", HasAddr: true}}, want: false},
		{name: "named interface present", iface: "eth0", links: []Link{eth}, want: true},
		{name: "named interface missing", iface: "wlan0", links: []Link{eth}, want: false},
		{name: "scan error", err: errors.New("netlink"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMonitor(&fakeLinks{links: tt.links, err: tt.err}, tt.iface)
			assert.Equal(t, tt.want, m.Up())
		})
	}
}

func TestUpCachesScan(t *testing.T) {
	f := &fakeLinks{links: []Link{{Name: "eth0", Up: true, HasAddr: true}}}
	m, clk := newMonitor(f, "")

	assert.True(t, m.Up())
	f.links = nil
	assert.True(t, m.Up(), "cached")
	assert.Equal(t, 1, f.scans)

	clk.Advance(DefaultCacheFor)
	assert.False(t, m.Up())
	assert.Equal(t, 2, f.scans)
}

func TestRestartForcesRescan(t *testing.T) {
	f := &fakeLinks{links: []Link{{Name: "eth0", Up: true, HasAddr: true}}}
	m, _ := newMonitor(f, "")

	assert.True(t, m.Up())
	f.links = nil
	m.Restart()
	assert.False(t, m.Up())
	assert.Equal(t, 1, m.Restarts())
}
