// Package reliability implements failure-isolation primitives (§5, §7): a
// failure-rate circuit breaker, which pkg/llm's FailoverClient uses to
// guard the primary provider, and exponential backoff with jitter plus a
// retryable-error classifier. No store call in this tree goes through the
// retrier.
package reliability

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState is the three-state circuit breaker state machine.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half_open"
)

// minRequestsForEvaluation is the minimum sample size before the failure
// rate is trusted to trip the breaker.
const minRequestsForEvaluation = 5

// CircuitBreaker trips open once the failure rate over the current window
// crosses failureThreshold, with at least minRequestsForEvaluation samples
// observed. After resetTimeout the next call moves it to half-open and runs
// as a probe; while it is half-open every call is let through, not only the
// first. A success in half-open closes it and resets counters; a failure
// reopens it immediately.
type CircuitBreaker struct {
	mu               sync.Mutex
	name             string
	failureThreshold float64
	resetTimeout     time.Duration
	state            CircuitState
	requests         int64
	failures         int64
	lastFailureAt    time.Time
	logger           logrus.FieldLogger
}

func NewCircuitBreaker(name string, failureThreshold float64, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            CircuitStateClosed,
		logger:           logrus.StandardLogger(),
	}
}

func (cb *CircuitBreaker) WithLogger(logger logrus.FieldLogger) *CircuitBreaker {
	cb.logger = logger
	return cb
}

func (cb *CircuitBreaker) GetName() string                     { return cb.name }
func (cb *CircuitBreaker) GetFailureThreshold() float64         { return cb.failureThreshold }
func (cb *CircuitBreaker) GetResetTimeout() time.Duration       { return cb.resetTimeout }

func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) GetFailureRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureRateLocked()
}

func (cb *CircuitBreaker) failureRateLocked() float64 {
	if cb.requests == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.requests)
}

// Call executes fn, updating the breaker's state. It rejects fn outright
// (without executing it) when the breaker is open and the reset timeout
// has not elapsed.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allow() {
		return fmt.Errorf("circuit breaker %q is open", cb.name)
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitStateOpen:
		if time.Since(cb.lastFailureAt) >= cb.resetTimeout {
			cb.state = CircuitStateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == CircuitStateHalfOpen

	if err != nil {
		cb.lastFailureAt = time.Now()
		if wasHalfOpen {
			cb.state = CircuitStateOpen
			cb.logger.WithField("circuit", cb.name).Warn("half-open probe failed, reopening circuit")
			return
		}
		cb.requests++
		cb.failures++
		if cb.requests >= minRequestsForEvaluation && cb.failureRateLocked() >= cb.failureThreshold {
			cb.state = CircuitStateOpen
			cb.logger.WithFields(logrus.Fields{
				"circuit":      cb.name,
				"failure_rate": cb.failureRateLocked(),
			}).Warn("circuit breaker tripped open")
		}
		return
	}

	if wasHalfOpen {
		cb.state = CircuitStateClosed
		cb.requests = 0
		cb.failures = 0
		cb.logger.WithField("circuit", cb.name).Info("circuit breaker recovered, closing")
		return
	}
	cb.requests++
}
