package reliability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig configures the exponential-backoff Retrier.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryConfig matches §7's "retry with exponential backoff (3 attempts)"
// row for transient store errors.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// DatabaseRetryConfig is tuned for the store's transient-error recovery path.
func DatabaseRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}
}

var retryableMessageFragments = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many connections",
	"deadlock detected",
	"lock timeout",
	"serialization failure",
	"could not serialize access",
	"connection lost",
	"server closed the connection",
	"broken pipe",
	"i/o timeout",
	"network is unreachable",
	"no route to host",
}

type retryableError struct {
	cause      error
	retryable  bool
	annotation string
}

func (e *retryableError) Error() string {
	if e.cause == nil {
		return e.annotation
	}
	return fmt.Sprintf("%s: %s", e.annotation, e.cause.Error())
}

func (e *retryableError) Unwrap() error { return e.cause }

// WrapRetryableError explicitly tags an error as retryable or not,
// overriding message-based classification. Returns nil for a nil cause.
func WrapRetryableError(cause error, retryable bool, annotation string) error {
	if cause == nil {
		return nil
	}
	return &retryableError{cause: cause, retryable: retryable, annotation: annotation}
}

// IsRetryableError classifies an error per §7's transient-store-error row:
// connection resets, timeouts, serialization conflicts and similar
// infrastructure hiccups are retryable; syntax/constraint/permission errors
// are not. context.Canceled is never retryable (cooperative cancellation
// must win immediately, §5).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var re *retryableError
	if errors.As(err, &re) {
		return re.retryable
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range retryableMessageFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Operation is a unit of work the Retrier executes, told its 1-based attempt
// number so it can vary behavior (e.g. test fixtures that succeed on retry).
type Operation func(ctx context.Context, attempt int) (any, error)

// Retrier executes an Operation with exponential backoff, bailing out
// immediately on a non-retryable error or a cancelled context.
type Retrier struct {
	config RetryConfig
	logger logrus.FieldLogger
}

func NewRetrier(config RetryConfig, logger logrus.FieldLogger) *Retrier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retrier{config: config, logger: logger}
}

// ExecuteWithType runs op, retrying retryable failures up to MaxAttempts
// times with exponential backoff (+ optional jitter), capped at MaxDelay.
func (r *Retrier) ExecuteWithType(ctx context.Context, op Operation) (any, error) {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		wait := delay
		if r.config.Jitter {
			wait += time.Duration(rand.Int63n(int64(delay) / 2))
		}

		r.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   wait,
		}).Warn("retrying after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * r.config.BackoffMultiplier)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	return nil, fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}
