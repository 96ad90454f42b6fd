package backoff

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Status is the outcome of asking a backoff state whether an attempt may be made.
type Status uint8

const (
	// StatusReady means an attempt may be made now.
	StatusReady Status = iota

	// StatusWaiting means the delay since the last attempt has not yet elapsed.
	StatusWaiting

	// StatusFinalAttempt means exactly one attempt remains.
	StatusFinalAttempt

	// StatusFailed means the attempt budget is exhausted.
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusWaiting:
		return "WAITING"
	case StatusFinalAttempt:
		return "FINAL_ATTEMPT"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Spec holds the fixed parameters of a backoff policy.
type Spec struct {
	// Base is the delay after the first attempt, before jitter.
	Base time.Duration

	// Multiplier scales the delay on every subsequent attempt.
	Multiplier float64

	// JitterMax is the upper bound of the uniform jitter added per attempt.
	JitterMax time.Duration

	// MaxAttempts is the attempt budget. Zero means unlimited.
	MaxAttempts int

	// MaxDelay caps the delay. Zero means uncapped.
	MaxDelay time.Duration
}

// State tracks attempts against a Spec.
//
// The delay never decreases between Progress calls until Reset.
type State struct {
	mu sync.Mutex

	spec  Spec
	clock clock.Clock

	attempts  int
	delay     time.Duration
	lastRetry time.Time
}

// NewState creates a fresh state for spec. A nil clock uses the wall clock.
func NewState(spec Spec, clk clock.Clock) *State {
	if spec.Multiplier < 1 {
		spec.Multiplier = 1
	}
	if spec.JitterMax < 0 {
		spec.JitterMax = 0
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &State{
		spec:  spec,
		clock: clk,
		delay: spec.Base,
	}
}

// Status reports whether an attempt may be made now.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempts > 0 && s.clock.Now().Sub(s.lastRetry) < s.delay {
		return StatusWaiting
	}
	if s.spec.MaxAttempts > 0 {
		if s.attempts >= s.spec.MaxAttempts {
			return StatusFailed
		}
		if s.attempts == s.spec.MaxAttempts-1 {
			return StatusFinalAttempt
		}
	}
	return StatusReady
}

// Progress records an attempt made now and grows the delay.
func (s *State) Progress() {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.spec.Base
	if s.attempts > 0 {
		next = time.Duration(float64(s.delay) * s.spec.Multiplier)
	}
	next += s.jitter()
	if s.spec.MaxDelay > 0 && next > s.spec.MaxDelay {
		next = s.spec.MaxDelay
	}
	if next < s.delay {
		next = s.delay
	}

	s.delay = next
	s.attempts++
	s.lastRetry = s.clock.Now()
}

// Reset returns the state to zero attempts and the base delay.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.delay = s.spec.Base
	s.lastRetry = time.Time{}
}

// Attempts returns the number of attempts since the last reset.
func (s *State) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Delay returns the current delay.
func (s *State) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// Remaining returns how long until the current wait elapses, or zero.
func (s *State) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == 0 {
		return 0
	}
	left := s.delay - s.clock.Now().Sub(s.lastRetry)
	if left < 0 {
		return 0
	}
	return left
}

// Spec returns the policy parameters.
func (s *State) Spec() Spec {
	return s.spec
}

func (s *State) jitter() time.Duration {
	if s.spec.JitterMax <= 0 {
		return 0
	}
	return rand.N(s.spec.JitterMax + 1)
}
