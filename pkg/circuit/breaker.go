// Package circuit provides a circuit breaker guarding the bridge's sinks
// (Kafka, Postgres, Redis) so a dead dependency does not stall share relay.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/nebula/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests are allowed
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - a trial request is allowed to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported in errors and state-change callbacks
	MaxFailures     int           // Consecutive failures before opening
	SuccessRequired int           // Successful calls required to close from half-open
	Timeout         time.Duration // Time spent open before going half-open
	ResetTimeout    time.Duration // Window after which the closed failure count resets

	// OnStateChange is called outside the breaker lock after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mu     sync.Mutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs fn with circuit breaker protection
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection and returns its result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allow() {
		return zero, errors.New(errors.ErrorTypeNetwork, "circuit_breaker",
			"circuit breaker is open").
			WithContext("breaker", cb.config.Name).
			WithContext("state", cb.State().String())
	}

	result, err := fn()
	cb.record(err)
	return result, err
}

// allow decides whether a request may proceed, moving open to half-open
// once the open timeout has elapsed.
func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	now := time.Now()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		}
	case StateHalfOpen:
		allowed = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.state = StateOpen
				cb.successes = 0
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = time.Now()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns statistics about the circuit breaker
func (cb *Breaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = time.Now()
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}
