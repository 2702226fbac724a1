// Package circuit provides a circuit breaker with consecutive-failure
// tracking. When the circuit is open, calls fail fast with ErrOpen so the
// caller can divert work to a fallback instead of piling up retries.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the wrapped function while the
// circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// IsOpen reports whether err is the breaker's fail-fast error.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// State represents the breaker state.
type State int

const (
	// StateClosed allows requests through.
	StateClosed State = iota
	// StateOpen rejects requests with ErrOpen.
	StateOpen
	// StateHalfOpen allows a probe request to test recovery.
	StateHalfOpen
)

// String returns the state name.
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

// Config holds breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// OpenDuration is how long the circuit stays open before a probe is allowed.
	OpenDuration time.Duration
}

// DefaultConfig returns a conservative default.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:  5,
		OpenDuration: 30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern. Any success while closed
// resets the consecutive-failure count; a failed half-open probe re-opens
// the circuit for another full OpenDuration.
type Breaker struct {
	config *Config

	mu           sync.Mutex
	state        State
	failures     int
	lastFailTime time.Time
	now          func() time.Time
}

// New creates a new circuit breaker.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn under breaker protection. While the circuit is open it
// returns ErrOpen without calling fn.
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithResult runs fn under breaker protection and returns its result.
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, ErrOpen
	}
	res, err := fn()
	cb.record(err)
	return res, err
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) >= cb.config.OpenDuration {
			cb.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
		}
		return
	}

	cb.state = StateClosed
	cb.failures = 0
}

// GetState returns the current breaker state.
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}
