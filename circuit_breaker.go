package shield

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CircuitState identifies the circuit breaker's position in its state machine.
type CircuitState int

const (
	// StateClosed admits every call. This is the initial state.
	StateClosed CircuitState = iota
	// StateOpen rejects every call until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls to test recovery.
	StateHalfOpen
)

// String returns a human-readable name for the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates admission to a failing downstream operation. After
// FailureThreshold consecutive failures it opens and rejects calls outright;
// once RecoveryTimeout elapses it admits up to HalfOpenMaxCalls probes, and a
// probe success closes it again.
//
// The zero value is not usable; construct with NewCircuitBreaker. All methods
// are safe for concurrent use. Transitions happen on the admission and
// outcome-recording paths only: State is a passive read and never mutates.
type CircuitBreaker struct {
	operation     string
	config        CircuitBreakerConfig
	logger        *slog.Logger
	metrics       *Metrics
	onStateChange func(operation string, from, to CircuitState)

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	halfOpenCalls int
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithCircuitBreakerLogger sets the logger for state change events.
// Defaults to slog.Default().
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithCircuitBreakerMetrics attaches a Metrics instance so breaker transitions
// and standalone Execute outcomes are counted. Defaults to a fresh instance.
func WithCircuitBreakerMetrics(m *Metrics) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.metrics = m
	}
}

// WithStateChangeHandler registers a callback fired on every state transition.
// The callback runs while the breaker's lock is held, so it must not call back
// into the breaker.
func WithStateChangeHandler(fn func(operation string, from, to CircuitState)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker for the named operation.
// Zero config fields are replaced with defaults (threshold 5, recovery 60s,
// 3 half-open probes).
func NewCircuitBreaker(operation string, config CircuitBreakerConfig, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		operation: operation,
		config:    config.withDefaults(),
		state:     StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.metrics == nil {
		cb.metrics = NewMetrics()
	}

	return cb
}

// Allow decides whether a call may proceed. It returns nil to admit the call
// and a *CircuitOpenError to reject it. An open breaker whose recovery timeout
// has elapsed moves to half-open here, admitting the caller as the first
// probe. Every admitted call must be resolved with RecordSuccess,
// RecordFailure, or RecordCancellation.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		remaining := cb.config.RecoveryTimeout - time.Since(cb.openedAt)
		if remaining > 0 {
			return &CircuitOpenError{
				Operation:  cb.operation,
				State:      StateOpen,
				RetryAfter: remaining,
			}
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenCalls = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return &CircuitOpenError{
				Operation: cb.operation,
				State:     StateHalfOpen,
			}
		}
		cb.halfOpenCalls++
		return nil

	default:
		return nil
	}
}

// RecordSuccess reports that an admitted call completed successfully.
// In the closed state it clears the consecutive-failure streak; in half-open
// it closes the breaker. Successes landing after the breaker opened are
// ignored.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.failures = 0
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure reports that an admitted call failed. In the closed state it
// extends the consecutive-failure streak and opens the breaker at the
// threshold; in half-open a single failure reopens immediately. Failures
// landing after the breaker opened are ignored.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.openLocked()
		}
	case StateHalfOpen:
		cb.openLocked()
	}
}

// RecordCancellation reports that an admitted call was abandoned by the
// caller before the service produced an outcome. In half-open the admission
// slot is handed back so a later call can test recovery; the failure streak
// stays untouched. Cancellations landing in any other state are ignored.
func (cb *CircuitBreaker) RecordCancellation() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// openLocked stamps the open time and transitions to open.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) openLocked() {
	cb.openedAt = time.Now()
	cb.transitionLocked(StateOpen)
}

// transitionLocked moves the breaker to a new state, updating metrics, logging
// the change, and firing the state change handler. Callers must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to

	switch to {
	case StateOpen:
		cb.metrics.recordOpen()
	case StateHalfOpen:
		cb.halfOpenCalls = 0
		cb.metrics.recordHalfOpen()
	case StateClosed:
		cb.halfOpenCalls = 0
		cb.metrics.recordClose()
	}

	cb.logger.Warn("circuit breaker state changed",
		"operation", cb.operation,
		"from", from.String(),
		"to", to.String())

	if cb.onStateChange != nil {
		cb.onStateChange(cb.operation, from, to)
	}
}

// Execute runs fn through the breaker, recording the outcome in both breaker
// state and metrics. Use this for standalone breakers; the orchestrator drives
// Allow, RecordSuccess, and RecordFailure directly so retries and fallbacks
// can sit in between.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := cb.Allow(); err != nil {
		cb.metrics.recordRejection()
		return nil, err
	}

	resp, err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
		cb.metrics.recordFailure()
		return nil, err
	}

	cb.RecordSuccess()
	cb.metrics.recordSuccess()
	return resp, nil
}

// State returns the current state without side effects. An open breaker whose
// recovery timeout has elapsed still reports open until the next Allow.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Operation returns the operation name this breaker guards.
func (cb *CircuitBreaker) Operation() string {
	return cb.operation
}

// Config returns the breaker's effective configuration after defaulting.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

// Metrics returns a snapshot of the attached metrics.
func (cb *CircuitBreaker) Metrics() MetricsSnapshot {
	return cb.metrics.Snapshot()
}
