package watchdog

import (
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultTimeout is the default time allowed between kicks.
const DefaultTimeout = 10 * time.Minute

// ErrInvalidTimeout is returned for a negative timeout.
var ErrInvalidTimeout = errors.New("invalid watchdog timeout")

// State is the watchdog state.
type State uint8

const (
	// StateIdle means the watchdog has not been started.
	StateIdle State = iota

	// StateArmed means the watchdog is counting down.
	StateArmed

	// StateExpired means no kick arrived in time.
	StateExpired

	// StateSuppressed means the watchdog was disarmed permanently.
	StateSuppressed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	case StateExpired:
		return "EXPIRED"
	case StateSuppressed:
		return "SUPPRESSED"
	default:
		return "UNKNOWN"
	}
}

// Config holds watchdog configuration.
type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
}

// Watchdog expires unless kicked within its timeout.
type Watchdog struct {
	mu sync.Mutex

	state   State
	timeout time.Duration
	clock   clock.Clock
	timer   clock.Timer
	kicked  time.Time

	onStateChange func(oldState, newState State)
	onExpire      func()
}

// New creates an idle watchdog.
func New(cfg Config) (*Watchdog, error) {
	if cfg.Timeout < 0 {
		return nil, ErrInvalidTimeout
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Watchdog{
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
	}, nil
}

// Start arms the watchdog. It has no effect unless the watchdog is idle.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return
	}
	w.state = StateArmed
	w.kicked = w.clock.Now()
	w.timer = w.clock.AfterFunc(w.timeout, w.expire)
	fn := w.onStateChange
	w.mu.Unlock()

	if fn != nil {
		fn(StateIdle, StateArmed)
	}
}

// Kick restarts the countdown of an armed watchdog.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateArmed {
		return
	}
	w.kicked = w.clock.Now()
	w.timer.Reset(w.timeout)
}

// Suppress disarms the watchdog permanently.
func (w *Watchdog) Suppress() {
	w.mu.Lock()
	old := w.state
	if old == StateSuppressed {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.state = StateSuppressed
	fn := w.onStateChange
	w.mu.Unlock()

	if fn != nil {
		fn(old, StateSuppressed)
	}
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Remaining returns the time left before expiry, or 0 when not armed.
func (w *Watchdog) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateArmed {
		return 0
	}
	remaining := w.timeout - w.clock.Now().Sub(w.kicked)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OnStateChange sets a callback for state changes.
func (w *Watchdog) OnStateChange(fn func(oldState, newState State)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStateChange = fn
}

// OnExpire sets the expiry handler.
func (w *Watchdog) OnExpire(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onExpire = fn
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if w.state != StateArmed {
		w.mu.Unlock()
		return
	}
	w.state = StateExpired
	w.timer = nil
	stateFn := w.onStateChange
	expireFn := w.onExpire
	w.mu.Unlock()

	if stateFn != nil {
		stateFn(StateArmed, StateExpired)
	}
	if expireFn != nil {
		expireFn()
	}
}
