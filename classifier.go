package shield

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// Classification is the retry-eligibility of a failure.
type Classification int

const (
	// Transient failures are expected to heal on their own and are safe to retry.
	Transient Classification = iota
	// Permanent failures will not succeed no matter how often they are retried.
	Permanent
)

// String returns a human-readable name for the classification.
func (c Classification) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classifier decides whether a failure should trigger a retry.
// Implement this interface to customize retry behavior for your specific error types.
type Classifier interface {
	// Classify returns Transient for failures worth retrying and Permanent for
	// failures that will never succeed.
	Classify(err error) Classification
}

// ClassifierFunc adapts an ordinary function to the Classifier interface.
type ClassifierFunc func(err error) Classification

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) Classification {
	return f(err)
}

// Sentinel errors for tagging failures with an explicit classification.
// Wrap them with fmt.Errorf("...: %w", shield.ErrServiceUnavailable) to make
// the default classifier treat the failure accordingly.
var (
	// ErrServiceUnavailable marks a failure as a temporary downstream outage.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrThrottled marks a failure caused by rate limiting.
	ErrThrottled = errors.New("request throttled")

	// ErrInvalidInput marks a failure caused by a malformed request that no
	// amount of retrying will fix.
	ErrInvalidInput = errors.New("invalid input")
)

// Sentinels matched by errors tagged with MarkTransient and MarkPermanent,
// so callers can test how a failure was classified without re-running the
// classifier.
var (
	// ErrTransient matches any error wrapped by MarkTransient.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent matches any error wrapped by MarkPermanent.
	ErrPermanent = errors.New("permanent failure")
)

// taggedError carries an explicit classification alongside the wrapped error.
type taggedError struct {
	err   error
	class Classification
}

func (e *taggedError) Error() string {
	return e.err.Error()
}

func (e *taggedError) Unwrap() error {
	return e.err
}

// Is makes tagged errors match ErrTransient or ErrPermanent.
func (e *taggedError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.class == Transient
	case ErrPermanent:
		return e.class == Permanent
	default:
		return false
	}
}

// MarkTransient tags err so the default classifier treats it as retryable.
// Returns nil if err is nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{err: err, class: Transient}
}

// MarkPermanent tags err so the default classifier never retries it.
// Returns nil if err is nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{err: err, class: Permanent}
}

// DefaultClassifier returns the classifier used when none is configured.
// It applies the following rules in order:
//
//  1. Context cancellation and deadline expiry are Permanent: retrying with
//     the same context fails immediately.
//  2. Connection, timeout, and other network-layer errors are Transient.
//  3. Failures tagged as rate limits or service unavailability are Transient.
//  4. Failures carrying an HTTP status code: 429 and 5xx are Transient, any
//     other 4xx is Permanent.
//  5. Failures tagged permanent, and basic programming errors such as
//     malformed input to parsers, are Permanent.
//  6. Anything unrecognized is Transient, so unknown failures get the chance
//     to recover.
func DefaultClassifier() Classifier {
	return defaultClassifier{}
}

type defaultClassifier struct{}

// Classify implements Classifier with the default rule set.
func (defaultClassifier) Classify(err error) Classification {
	if err == nil {
		return Permanent
	}

	// Check context errors before the network checks: context.DeadlineExceeded
	// also satisfies net.Error and would otherwise be classified Transient.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}

	if isNetworkError(err) {
		return Transient
	}

	if isTaggedTransient(err) {
		return Transient
	}

	if code := extractStatusCode(err); code != 0 {
		if code == 429 || code >= 500 {
			return Transient
		}
		if code >= 400 {
			return Permanent
		}
	}

	if isTaggedPermanent(err) {
		return Permanent
	}

	// Unknown failures might be transient (network issues, partial outages),
	// so prefer retrying them.
	return Transient
}

// isNetworkError reports whether err originates in the network layer.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return pkgerrors.IsTimeout(err)
}

// isTaggedTransient reports whether err was explicitly tagged as retryable.
func isTaggedTransient(err error) bool {
	if errors.Is(err, pkgerrors.ErrRateLimited) || errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrThrottled) {
		return true
	}
	var tagged *taggedError
	return errors.As(err, &tagged) && tagged.class == Transient
}

// isTaggedPermanent reports whether err was explicitly tagged as non-retryable
// or represents a programming error that cannot heal on retry.
func isTaggedPermanent(err error) bool {
	if errors.Is(err, ErrInvalidInput) {
		return true
	}
	var tagged *taggedError
	if errors.As(err, &tagged) && tagged.class == Permanent {
		return true
	}
	if errors.Is(err, strconv.ErrSyntax) || errors.Is(err, strconv.ErrRange) {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr)
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// extractStatusCode attempts to extract an HTTP status code from the error
// chain. Returns 0 when no status code is present.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when you need to add status code information to an existing error.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
// This is useful when wrapping errors from systems that don't provide status codes.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return shield.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
