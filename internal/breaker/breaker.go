// Package breaker guards broker operations with a three-state circuit breaker.
//
// Callers must check Allowed() before the guarded operation and report the
// outcome through RecordSuccess or RecordFailure. While the breaker denies,
// callers either fail fast or route the event to the offline queue; no broker
// call is attempted.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that fail fast while the breaker denies.
var ErrOpen = errors.New("circuit breaker is open")

// State identifies the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state label used in stats and logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive failures against a threshold. It is shared by
// every broker-touching call site, so all transitions happen under the mutex.
type Breaker struct {
	mu               sync.Mutex
	failureCount     int
	open             bool
	halfOpen         bool
	lastFailure      time.Time
	failureThreshold int
	recoveryTimeout  time.Duration
}

// New creates a breaker in the CLOSED state.
func New(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allowed reports whether the guarded operation may be attempted. The check
// is side-effecting: once the recovery timeout has elapsed an OPEN breaker
// flips to HALF_OPEN and admits a single probe.
func (b *Breaker) Allowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.lastFailure) >= b.recoveryTimeout {
		b.open = false
		b.halfOpen = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker to CLOSED with a zero failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.open = false
	b.halfOpen = false
}

// RecordFailure counts a consecutive failure and opens the breaker once the
// threshold is reached. A failed HALF_OPEN probe returns straight to OPEN.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()
	if b.halfOpen || b.failureCount >= b.failureThreshold {
		b.open = true
		b.halfOpen = false
	}
}

// State returns the current breaker position without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.halfOpen:
		return StateHalfOpen
	case b.open:
		return StateOpen
	default:
		return StateClosed
	}
}

// FailureCount returns the consecutive failure count for observability.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
