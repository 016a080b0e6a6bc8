package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError marks a transient failure of a remote service, e.g. a 5xx
// response or an exceeded rate limit. The whole invocation can be repeated
// when it happens.
type RetryableError struct {
	Err error
	// After is the earliest time the remote accepts requests again. The
	// zero value allows retrying immediately.
	After time.Time
}

// NewRetryableError returns a RetryableError that can be retried at
// retryAfter.
func NewRetryableError(err error, retryAfter time.Time) *RetryableError {
	return &RetryableError{Err: err, After: retryAfter}
}

// NewRetryableAnytimeError returns a RetryableError without a retry time
// constraint.
func NewRetryableAnytimeError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("transient error: %s", e.Err)
	}

	return fmt.Sprintf("transient error, retry after %s: %s", e.After.Format(time.RFC3339), e.Err)
}

// Delay returns how long to wait at now before retrying. It is never
// shorter than minDelay.
func (e *RetryableError) Delay(now time.Time, minDelay time.Duration) time.Duration {
	if d := e.After.Sub(now); d > minDelay {
		return d
	}

	return minDelay
}

// AsRetryable returns the first RetryableError in the chain of err.
func AsRetryable(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}

	return nil, false
}

// IsRetryable returns true if err wraps a RetryableError.
func IsRetryable(err error) bool {
	_, ok := AsRetryable(err)
	return ok
}
