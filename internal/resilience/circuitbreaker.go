// Package resilience provides the consecutive-error back-off used by a call
// session and a provider failover group built on top of it.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open). A call session records every transport or
// capture failure on it and asks it before opening a new capture; once the
// error cap is reached auto-capture stays suppressed until the reset timeout
// elapses or a successful round trip closes the breaker again.
// [FallbackGroup] composes several instances of one provider type with
// per-entry breakers so that a failing primary is bypassed.
//
// All types are safe for concurrent use.
package resilience

import (
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
	// StateClosed is the normal operating state: everything is allowed.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Allow reports false until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. Work is
	// allowed again; a failure re-opens the breaker at once and HalfOpenMax
	// successes close it.
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
	// before the breaker opens. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successes needed in the half-open state to
	// close the breaker. Default: 1.
	HalfOpenMax int

	// OnOpen, when set, is called once each time the breaker trips from closed
	// to open, with the failure count that tripped it. A failed probe in
	// half-open re-opens the breaker without calling OnOpen again: the streak
	// has not been broken by a success. Called without the lock held.
	OnOpen func(failures int)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onOpen       func(int)
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenSuccess int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onOpen:       cfg.OnOpen,
		now:          cfg.Now,
		state:        StateClosed,
	}
}

// Allow reports whether new work may start. In the open state it returns
// false until the reset timeout has elapsed, at which point the breaker moves
// to half-open and allows probes.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.allowLocked()
}

func (cb *CircuitBreaker) allowLocked() bool {
	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
		return false
	}
	cb.state = StateHalfOpen
	cb.halfOpenSuccess = 0
	slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
	return true
}

// Failure records one failed operation.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.consecutiveFail++
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		cb.mu.Unlock()
		return
	}

	cb.consecutiveFail++
	var tripped bool
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		tripped = true
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
	failures := cb.consecutiveFail
	onOpen := cb.onOpen
	cb.mu.Unlock()

	if tripped && onOpen != nil {
		onOpen(failures)
	}
}

// Success records one successful operation. In the closed state it resets the
// consecutive failure counter; in half-open it counts towards closing.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecutiveFail = 0
	case StateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenSuccess = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
	case StateOpen:
		// A success reported while open (a late response to an earlier request)
		// proves the remote side works again.
		cb.state = StateClosed
		cb.consecutiveFail = 0
		slog.Info("circuit breaker closed by late success", "name", cb.name)
	}
}

// Execute runs fn if the breaker allows it and records the outcome. In the
// open state it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next Allow call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenSuccess = 0
	cb.lastFailure = time.Time{}
}
