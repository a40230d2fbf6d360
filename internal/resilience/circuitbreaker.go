// Package resilience keeps a session talking when a speech service
// misbehaves. Each remote backend sits behind a [CircuitBreaker], and a
// stage's backends form a [Chain] tried in configured order. The stage
// wrappers implement the provider interfaces, so the pipeline never sees
// the failover.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen means the breaker refused the call without running it.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is a breaker's mode.
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls are refused until the reset timeout
	StateHalfOpen              // a few probe calls decide
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	Name string

	// MaxFailures in a row open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker refuses calls. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax successful probes close the breaker again; it is also the
	// number of probes allowed in flight. Default 3.
	HalfOpenMax int

	Logger *slog.Logger
	Now    func() time.Time
}

// CircuitBreaker guards one backend. A call that ends in context.Canceled
// counts neither way: the caller gave up, the backend did not fail.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last failure that opened the breaker
	probes   int       // in flight or finished while half-open
	passed   int       // successful probes
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open and returns fn's error.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state, cb.probes, cb.passed = StateHalfOpen, 0, 0
		cb.cfg.Logger.Info("resilience: circuit half-open", "name", cb.cfg.Name)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case errors.Is(err, context.Canceled):
		if probe && cb.state == StateHalfOpen {
			cb.probes--
		}
	case err != nil && probe:
		cb.trip()
		cb.cfg.Logger.Warn("resilience: probe failed, circuit open again", "name", cb.cfg.Name, "err", err)
	case err != nil:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
			cb.cfg.Logger.Warn("resilience: circuit opened", "name", cb.cfg.Name, "consecutive_failures", cb.failures, "err", err)
		}
	case probe:
		cb.passed++
		if cb.state == StateHalfOpen && cb.passed >= cb.cfg.HalfOpenMax {
			cb.state, cb.failures = StateClosed, 0
			cb.cfg.Logger.Info("resilience: circuit closed", "name", cb.cfg.Name)
		}
	default:
		cb.failures = 0
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
}

// State reports the breaker's mode. An open breaker past its reset timeout
// reads as half-open before the next call moves it there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
