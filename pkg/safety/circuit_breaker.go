// Package safety pauses transitions after repeated failures.
package safety

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// State is the state of a circuit breaker
type State string

const (
	StateClosed   State = "Closed"
	StateOpen     State = "Open"
	StateHalfOpen State = "HalfOpen"
)

const (
	DefaultErrorThreshold   = 5
	DefaultSuccessThreshold = 3
	DefaultTimeout          = 15 * time.Minute
)

// Options configures a CircuitBreaker. Zero values take the defaults.
type Options struct {
	// ErrorThreshold is the number of consecutive failed cycles before opening
	ErrorThreshold int
	// SuccessThreshold is the number of successful half-open cycles before closing
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	Clock   clock.PassiveClock
}

// CircuitBreaker stops transition cycles after consecutive failures and
// lets them through again once a timeout has passed and trial cycles succeed.
type CircuitBreaker struct {
	mu sync.Mutex

	errorThreshold   int
	successThreshold int
	timeout          time.Duration
	clock            clock.PassiveClock

	state                State
	consecutiveErrors    int
	consecutiveSuccesses int
	openedAt             time.Time
}

func NewCircuitBreaker(opts Options) *CircuitBreaker {
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = DefaultErrorThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultSuccessThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &CircuitBreaker{
		errorThreshold:   opts.ErrorThreshold,
		successThreshold: opts.SuccessThreshold,
		timeout:          opts.Timeout,
		clock:            opts.Clock,
		state:            StateClosed,
	}
}

// ShouldAllow reports whether a cycle may run. An open breaker moves to
// half-open once its timeout has elapsed. A nil breaker always allows.
func (cb *CircuitBreaker) ShouldAllow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if elapsed := cb.clock.Since(cb.openedAt); elapsed >= cb.timeout {
		cb.state = StateHalfOpen
		cb.consecutiveErrors = 0
		cb.consecutiveSuccesses = 0
		klog.Infof("Circuit breaker half-open after %v, probing", cb.timeout)
		return true
	}
	return false
}

// RecordSuccess records a cycle without failures.
func (cb *CircuitBreaker) RecordSuccess() (stateChanged bool) {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErrors = 0
	cb.consecutiveSuccesses++

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.successThreshold {
		cb.state = StateClosed
		cb.consecutiveSuccesses = 0
		klog.Infof("Circuit breaker closed after %d successful cycles", cb.successThreshold)
		return true
	}
	return false
}

// RecordFailure records a failed cycle. A half-open breaker reopens immediately.
func (cb *CircuitBreaker) RecordFailure(err error) (stateChanged bool) {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveErrors++

	if cb.state == StateOpen {
		return false
	}
	if cb.state == StateHalfOpen || cb.consecutiveErrors >= cb.errorThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.clock.Now()
		klog.Warningf("Circuit breaker opened after %d consecutive failed cycles: %v", cb.consecutiveErrors, err)
		return true
	}
	return false
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	if cb == nil {
		return StateClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OpenUntil returns when an open breaker will start probing.
func (cb *CircuitBreaker) OpenUntil() time.Time {
	if cb == nil {
		return time.Time{}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.timeout)
}
