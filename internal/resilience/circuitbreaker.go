// Package resilience provides the circuit breaker that guards Aurora's
// backend connection attempts.
//
// A [CircuitBreaker] is a classic three-state breaker (closed, open,
// half-open). After MaxFailures consecutive failed connects it rejects
// attempts with [ErrCircuitOpen] until ResetTimeout has passed, then lets a
// bounded number of probes through.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. The
	// default ignores context cancellation and deadline errors, which are
	// the caller giving up rather than the backend failing.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(from, to State)

	// Logger receives transition logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeWins   int
	lastFailure error
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: log.With("breaker", cfg.Name),
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenMax probes run concurrently.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.enterLocked(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probes++
	}
	probing := cb.state == StateHalfOpen
	mid := cb.state
	cb.mu.Unlock()
	cb.changed(from, mid)

	err := fn()

	cb.mu.Lock()
	before := cb.state
	switch {
	case err != nil && cb.cfg.IsFailure(err):
		cb.failLocked(err, probing)
	case err != nil:
		// Not the backend's fault; release the probe slot.
		if probing {
			cb.probes--
		}
	default:
		cb.succeedLocked(probing)
	}
	after := cb.state
	cb.mu.Unlock()
	cb.changed(before, after)
	return err
}

func (cb *CircuitBreaker) failLocked(err error, probing bool) {
	cb.lastFailure = err
	if probing {
		cb.log.Warn("circuit breaker re-opened from half-open", "err", err)
		cb.enterLocked(StateOpen)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.log.Warn("circuit breaker opened", "consecutive_failures", cb.failures, "err", err)
		cb.enterLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) succeedLocked(probing bool) {
	if !probing {
		cb.failures = 0
		return
	}
	cb.probeWins++
	if cb.state == StateHalfOpen && cb.probeWins >= cb.cfg.HalfOpenMax {
		cb.log.Info("circuit breaker closed after successful probes", "probes", cb.probeWins)
		cb.enterLocked(StateClosed)
	}
}

// enterLocked moves to s and resets the counters that belong to it.
func (cb *CircuitBreaker) enterLocked(s State) {
	cb.state = s
	cb.probes = 0
	cb.probeWins = 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateClosed:
		cb.failures = 0
		cb.lastFailure = nil
	}
}

func (cb *CircuitBreaker) changed(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Err returns nil unless the breaker is open, in which case it returns
// [ErrCircuitOpen] joined with the failure that tripped it. Suitable as a
// readiness check.
func (cb *CircuitBreaker) Err() error {
	if cb.State() != StateOpen {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.lastFailure == nil {
		return ErrCircuitOpen
	}
	return errors.Join(ErrCircuitOpen, cb.lastFailure)
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.enterLocked(StateClosed)
	cb.mu.Unlock()
	cb.log.Info("circuit breaker manually reset")
	cb.changed(from, StateClosed)
}
