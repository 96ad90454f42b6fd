// Package netmon reports whether the hub has a usable wide-area interface.
package netmon

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultCacheFor is how long an interface scan is reused.
const DefaultCacheFor = time.Second

// Link describes one network interface.
type Link struct {
	Name     string
	Up       bool
	Loopback bool
	HasAddr  bool
}

// Usable reports whether the link can carry cloud traffic.
func (l Link) Usable() bool {
	return l.Up && !l.Loopback && l.HasAddr
}

// ListFunc enumerates the host's interfaces.
type ListFunc func() ([]Link, error)

// Config configures a Monitor.
type Config struct {
	// Interface restricts the check to one interface. Empty means any.
	Interface string

	// CacheFor is how long a scan result is reused.
	CacheFor time.Duration

	List   ListFunc
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.CacheFor <= 0 {
		c.CacheFor = DefaultCacheFor
	}
	if c.List == nil {
		c.List = SystemLinks
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Monitor answers Up from periodic interface scans.
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	up       bool
	scanned  time.Time
	valid    bool
	restarts int
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{cfg: cfg}
}

// Up reports whether a usable interface exists.
func (m *Monitor) Up() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()
	if m.valid && now.Sub(m.scanned) < m.cfg.CacheFor {
		return m.up
	}

	up := m.scan()
	if m.valid && up != m.up {
		m.cfg.Logger.Info("network state changed", "up", up)
	}
	m.up = up
	m.scanned = now
	m.valid = true
	return up
}

func (m *Monitor) scan() bool {
	links, err := m.cfg.List()
	if err != nil {
		m.cfg.Logger.Warn("interface scan failed", "error", err)
		return false
	}
	for _, l := range links {
		if m.cfg.Interface != "" && l.Name != m.cfg.Interface {
			continue
		}
		if l.Usable() {
			return true
		}
	}
	return false
}

// Restart records a request to re-establish the network and forces the
// next Up to rescan.
func (m *Monitor) Restart() {
	m.mu.Lock()
	m.valid = false
	m.restarts++
	n := m.restarts
	m.mu.Unlock()
	m.cfg.Logger.Warn("network restart requested", "count", n)
}

// Restarts returns the number of restart requests.
func (m *Monitor) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// SystemLinks lists the host interfaces.
func SystemLinks() ([]Link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		links = append(links, Link{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			HasAddr:  err == nil && len(addrs) > 0,
		})
	}
	return links, nil
}
