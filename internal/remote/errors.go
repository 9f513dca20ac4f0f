package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError wraps a failure that is expected to clear on retry:
// connection resets, timeouts, 5xx responses, rate limiting.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError indicates the remote rejected our credentials. The engine does
// not retry these; the session pauses until the caller re-authenticates.
type AuthError struct {
	Op         string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s (status %d)", e.Op, e.StatusCode)
}

// ValidationError indicates the remote permanently rejected a request.
// Terminal for the affected record; never retried.
type ValidationError struct {
	Op     string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed during %s: %s", e.Op, e.Detail)
}

// IsTransient reports whether err should be retried with backoff.
// Network-level failures and context deadline expiry count as transient;
// caller cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
