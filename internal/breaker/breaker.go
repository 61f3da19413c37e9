// Package breaker implements a generic three-state circuit breaker wrapping
// any fallible operation.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RetryAfter)
}

// IsOpen reports whether err is an *OpenError.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening. Default 5.
	RecoveryTimeout  time.Duration // time OPEN must elapse before probing. Default 30s.
	HalfOpenMaxCalls int           // concurrent probes allowed in HALF_OPEN. Default 1.
}

// Breaker wraps calls to a single dependency with failure-counting,
// fail-fast, and half-open probing. State transitions are serialised by a
// mutex; the wrapped call itself always runs outside the lock.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenInFlight int
}

// New creates a Breaker, applying defaults for zero-valued Config fields.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		state:            Closed,
	}
}

// observeState lazily transitions OPEN to HALF_OPEN once recoveryTimeout has
// elapsed, without a background timer. Must be called with mu held.
func (b *Breaker) observeState() State {
	if b.state == Open && time.Since(b.openedAt) >= b.recoveryTimeout {
		b.state = HalfOpen
		b.halfOpenInFlight = 0
	}
	return b.state
}

// State returns the breaker's current observed state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observeState()
}

// acquire decides whether a call may proceed, reserving a half-open slot if
// necessary. Returns an *OpenError when the call must fail fast.
func (b *Breaker) acquire() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.observeState()
	switch state {
	case Open:
		retryAfter := b.recoveryTimeout - time.Since(b.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return state, &OpenError{Name: b.name, RetryAfter: retryAfter}
	case HalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			return state, &OpenError{Name: b.name, RetryAfter: b.recoveryTimeout}
		}
		b.halfOpenInFlight++
		return state, nil
	default:
		return state, nil
	}
}

func (b *Breaker) onSuccess(calledInState State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if calledInState == HalfOpen {
		b.halfOpenInFlight--
	}
	b.state = Closed
	b.consecutiveFail = 0
}

func (b *Breaker) onFailure(calledInState State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if calledInState == HalfOpen {
		b.halfOpenInFlight--
		b.state = Open
		b.openedAt = time.Now()
		return
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.failureThreshold {
		b.state = Open
		b.openedAt = time.Now()
	}
}

// Call runs fn through the breaker. If the breaker is open (or HALF_OPEN
// with no free probe slot), fn is never invoked and an *OpenError is
// returned.
func (b *Breaker) Call(fn func() error) error {
	state, err := b.acquire()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil {
		b.onFailure(state)
		return err
	}
	b.onSuccess(state)
	return nil
}

// Snapshot describes the breaker's state for health reporting.
type Snapshot struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	ConsecutiveFail int           `json:"consecutive_failures"`
	OpenedAt        time.Time     `json:"opened_at,omitempty"`
}

// Snapshot returns a point-in-time view of the breaker for health_check.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.observeState(),
		ConsecutiveFail: b.consecutiveFail,
		OpenedAt:        b.openedAt,
	}
}

// Reset forces the breaker back to CLOSED, clearing counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFail = 0
	b.halfOpenInFlight = 0
}
