package timesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/juju/clock"
)

// Default configuration values.
const (
	DefaultServer         = "pool.ntp.org"
	DefaultTimeout        = 5 * time.Second
	DefaultResyncInterval = time.Hour
)

// Errors returned by Sync.
var (
	ErrNoServers = errors.New("no time servers configured")
	ErrUnsynced  = errors.New("time not synchronized")
)

// QueryFunc queries one NTP server. ntp.QueryWithOptions satisfies it.
type QueryFunc func(host string, opts ntp.QueryOptions) (*ntp.Response, error)

// Config configures a Syncer.
type Config struct {
	// Servers are queried in order until one answers.
	Servers []string

	// Timeout bounds a single query.
	Timeout time.Duration

	// ResyncInterval is how long a measurement is reused before Sync
	// queries again.
	ResyncInterval time.Duration

	Query  QueryFunc
	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Servers:        []string{DefaultServer},
		Timeout:        DefaultTimeout,
		ResyncInterval: DefaultResyncInterval,
	}
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.Query == nil {
		c.Query = ntp.QueryWithOptions
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Syncer measures the local clock offset against NTP servers.
type Syncer struct {
	cfg Config

	mu       sync.RWMutex
	synced   bool
	lastSync time.Time
	offset   time.Duration
	server   string
}

// New creates an unsynchronized Syncer.
func New(cfg Config) *Syncer {
	cfg.applyDefaults()
	return &Syncer{cfg: cfg}
}

// Sync returns nil once the time is known. It queries the servers when no
// measurement exists or the last one is older than ResyncInterval.
func (s *Syncer) Sync(ctx context.Context) error {
	now := s.cfg.Clock.Now()

	s.mu.RLock()
	synced := s.synced
	fresh := synced && now.Sub(s.lastSync) < s.cfg.ResyncInterval
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	err := s.query(ctx)
	if err == nil {
		return nil
	}
	if synced {
		s.cfg.Logger.Warn("time resync failed, keeping last offset", "error", err)
		return nil
	}
	return err
}

func (s *Syncer) query(ctx context.Context) error {
	if len(s.cfg.Servers) == 0 {
		return ErrNoServers
	}

	var errs []error
	for _, host := range s.cfg.Servers {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.cfg.Query(host, ntp.QueryOptions{Timeout: s.cfg.Timeout})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}

		s.mu.Lock()
		s.synced = true
		s.lastSync = s.cfg.Clock.Now()
		s.offset = resp.ClockOffset
		s.server = host
		s.mu.Unlock()

		s.cfg.Logger.Info("time synchronized", "server", host, "offset", resp.ClockOffset, "rtt", resp.RTT)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnsynced, errors.Join(errs...))
}

// Synced reports whether any query has succeeded.
func (s *Syncer) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// Offset returns the last measured offset of the local clock.
func (s *Syncer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Server returns the server that answered the last successful query.
func (s *Syncer) Server() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

// Now returns the local time corrected by the measured offset.
func (s *Syncer) Now() time.Time {
	return s.cfg.Clock.Now().Add(s.Offset())
}

// Clock returns a clock whose Now is corrected by the measured offset.
// Timers and alarms run on the base clock.
func (s *Syncer) Clock() clock.Clock {
	return correctedClock{Clock: s.cfg.Clock, s: s}
}

type correctedClock struct {
	clock.Clock
	s *Syncer
}

func (c correctedClock) Now() time.Time {
	return c.s.Now()
}

func (c correctedClock) At(t time.Time) <-chan time.Time {
	return c.Clock.At(t.Add(-c.s.Offset()))
}

func (c correctedClock) AtFunc(t time.Time, f func()) clock.Alarm {
	return c.Clock.AtFunc(t.Add(-c.s.Offset()), f)
}

func (c correctedClock) NewAlarm(t time.Time) clock.Alarm {
	return c.Clock.NewAlarm(t.Add(-c.s.Offset()))
}
