// Package retry provides bounded exponential backoff with jitter and a
// per-route circuit breaker set built on gobreaker.
//
// Errors are classified as transient or permanent. Transient errors are
// retried until the policy's budget runs out; permanent errors stop the
// loop immediately. Handlers mark an error permanent by wrapping it with
// Permanent, or callers install a custom Classifier on the Policy.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// DefaultClassifier treats every error as transient unless it was wrapped
// with Permanent or carries a context cancellation.
func DefaultClassifier(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsPermanent(err)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned by Policy.Do when a transient error survives
// the full retry budget.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is a retry budget exhaustion.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
