// Package circuitbreaker stops the ledger from leaning on a failing tier-lock oracle.
//
// While the breaker is open every oracle-backed operation fails fast with ErrOracleUnavailable,
// leaving emergency withdrawal as the exit path for stakers.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, oracle calls rejected
	StateHalfOpen              // Probing whether the oracle recovered
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = fmt.Errorf("%w: circuit breaker open", types.ErrOracleUnavailable)

// CircuitBreaker tracks oracle failures and sanity-checks oracle answers
type CircuitBreaker struct {
	// Configuration thresholds for triggering the circuit breaker
	thresholds Thresholds

	// Current state of the circuit breaker (Closed, Open, HalfOpen)
	state State

	// Timestamp of the last circuit trip
	lastTrip time.Time

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// Consecutive failures while closed
	failures int

	// Count of consecutive successful operations in HalfOpen state
	successCount int

	// Number of successful operations required to close circuit
	successThreshold int

	// Event callback for monitoring/alerting
	onTripCallback func(reason string)

	now func() time.Time
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Consecutive oracle errors that open the circuit
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	// Largest tier timeline accepted for one query; longer answers are treated as corrupt
	MaxIntervals int `json:"max_intervals"`
}

// DefaultThresholds returns conservative limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveFailures: 5,
		MaxIntervals:           1024,
	}
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       30 * time.Second,
		successThreshold: 3,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful operations needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// Allow reports whether an oracle call may proceed. An open circuit moves to half-open
// once the reset delay has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastTrip) <= cb.resetDelay {
		return ErrOpen
	}
	cb.state = StateHalfOpen
	cb.successCount = 0
	logrus.Info("Circuit breaker half-open: probing oracle recovery")
	return nil
}

// RecordSuccess notes a good oracle answer
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: oracle has recovered")
		}
	}
}

// RecordFailure notes an oracle error. Context cancellation is the caller's doing and
// does not count.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trip(fmt.Sprintf("oracle failed while half-open: %v", err))
		return
	}
	cb.failures++
	if cb.thresholds.MaxConsecutiveFailures > 0 && cb.failures >= cb.thresholds.MaxConsecutiveFailures {
		cb.trip(fmt.Sprintf("%d consecutive oracle failures, last: %v", cb.failures, err))
	}
}

// Check evaluates an oracle answer against the thresholds and trips on corrupt data
func (cb *CircuitBreaker) Check(intervals []types.TierInterval) error {
	reason := ""
	if cb.thresholds.MaxIntervals > 0 && len(intervals) > cb.thresholds.MaxIntervals {
		reason = fmt.Sprintf("tier timeline too long: got %d, limit %d", len(intervals), cb.thresholds.MaxIntervals)
	}
	for i := 1; reason == "" && i < len(intervals); i++ {
		if intervals[i].Start < intervals[i-1].Start {
			reason = fmt.Sprintf("tier timeline out of order at index %d", i)
		}
	}
	if reason == "" {
		logrus.Debug("Circuit breaker checks passed")
		cb.RecordSuccess()
		return nil
	}

	cb.mu.Lock()
	cb.trip(reason)
	cb.mu.Unlock()
	return fmt.Errorf("%w: %s", types.ErrOracleUnavailable, reason)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.failures = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

// trip sets the circuit breaker to open state; callers hold the lock
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.failures = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
}
