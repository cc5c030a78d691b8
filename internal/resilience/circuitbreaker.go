// Package resilience provides the circuit breaker that keeps a failing audio
// engine from being called on every chunk.
//
// [Breaker] is a three-state breaker (closed → open → half-open). Hot paths
// use the split [Breaker.Allow] / [Breaker.Done] form so no closure is
// allocated per call; [Breaker.Execute] wraps the two for control paths.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; a single
	// failure re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 1s, a few hundred chunks at typical sizes.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker's lock released.
	OnStateChange func(from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(from, to State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// New creates a [Breaker]. Zero-value config fields get defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
	}
}

// Allow reports whether a call may proceed. Every true result must be paired
// with exactly one [Breaker.Done].
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false
		}
		b.state = StateHalfOpen
		b.probes, b.probeOK = 0, 0
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			return false
		}
		b.probes++
	}
	to := b.state
	b.mu.Unlock()
	b.changed(from, to)
	return true
}

// Done records the outcome of a call admitted by [Breaker.Allow].
func (b *Breaker) Done(err error) {
	b.mu.Lock()
	from := b.state
	switch {
	case err != nil && b.state == StateHalfOpen:
		b.trip()
	case err != nil:
		b.failures++
		if b.state == StateClosed && b.failures >= b.maxFailures {
			b.trip()
		}
	case b.state == StateHalfOpen:
		b.probeOK++
		if b.probeOK >= b.halfOpenMax {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		if to == StateOpen {
			slog.Warn("circuit breaker opened", "name", b.name, "from", from, "consecutive_failures", failures)
		} else {
			slog.Info("circuit breaker closed", "name", b.name)
		}
	}
	b.changed(from, to)
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.maxFailures
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// Execute runs fn if the breaker allows it and returns [ErrCircuitOpen]
// otherwise.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.Done(err)
	return err
}

// State returns the current [State]. An open breaker whose timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Allow].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.probes, b.probeOK = 0, 0, 0
	b.mu.Unlock()
	slog.Info("circuit breaker reset", "name", b.name)
	b.changed(from, StateClosed)
}
