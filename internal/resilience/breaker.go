// Package resilience provides reliability patterns for calls to remote
// collaborators: circuit breaking, bounded retries and concurrency limits.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/taskforge/internal/domain"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting
// calls. It is transient: the collaborator may recover once the breaker
// half-opens.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", domain.ErrTransientProvider)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker implements a circuit breaker for one remote collaborator.
// It counts consecutive failures and opens the circuit when a threshold is
// reached, rejecting calls until a timeout elapses. Caller-side errors
// (cancellation, contract violations, permanent rejections) do not count.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open. A nil Breaker runs fn directly.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && countsAsFailure(err) {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return err
}

// State reports "closed", "open" or "half_open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return stateHalfOpen.String()
	}
	return b.state.String()
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = stateClosed
}

// countsAsFailure reports whether err says something about the health of
// the remote side.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) || domain.IsContractViolation(err) {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}
