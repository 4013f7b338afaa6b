package shield

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for matching terminal failures with errors.Is.
var (
	// ErrCircuitOpen matches rejections from an open circuit breaker.
	// The call was refused without ever invoking the wrapped function.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRetryExhausted matches failures where every permitted attempt was
	// used while the error stayed transient.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// CircuitOpenError is returned when a circuit breaker refuses admission.
// RetryAfter reports how long until the breaker will allow a probe; it is zero
// when the breaker is half-open and its probe budget is already spent.
type CircuitOpenError struct {
	Operation  string
	State      CircuitState
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker open for operation %q, retry after %s", e.Operation, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker open for operation %q", e.Operation)
}

// Is makes errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryExhaustedError is returned when retries stop with the failure still
// transient, either because the attempt limit was reached or the elapsed-time
// budget ran out. Err holds the last underlying failure.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Elapsed   time.Duration
	Err       error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempts in %s: %v", e.Operation, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap exposes the last underlying failure to errors.Is and errors.As.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRetryExhausted) match.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// IsCircuitOpen reports whether err is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsRetryExhausted reports whether err is a retry exhaustion failure.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// isContextError reports whether err stems from context cancellation or
// deadline expiry.
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
