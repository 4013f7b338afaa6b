package shield

import "time"

// OperationMetrics is the admin view of one operation: its resolved strategy,
// the breaker's state and thresholds, and a metrics snapshot. It provides a
// strongly-typed alternative to map[string]interface{} for monitoring
// endpoints.
type OperationMetrics struct {
	// Operation is the operation name.
	Operation string `json:"operation"`

	// Strategy is the named strategy currently resolved for the operation,
	// empty when the configuration was built by hand.
	Strategy Strategy `json:"strategy,omitempty"`

	// State is the circuit breaker state name ("closed", "open", "half-open").
	State string `json:"state"`

	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int `json:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`

	// HalfOpenMaxCalls is the probe budget while half-open.
	HalfOpenMaxCalls int `json:"half_open_max_calls"`

	// Metrics is the point-in-time counter snapshot.
	Metrics MetricsSnapshot `json:"metrics"`
}

// HealthReport summarizes circuit breaker states across all operations.
type HealthReport struct {
	// Healthy is true when no circuit breaker is open. Half-open operations
	// are degraded but still count as healthy.
	Healthy bool `json:"healthy"`

	// Operations is the number of operations the orchestrator knows about.
	Operations int `json:"operations"`

	// Open lists operations whose breaker is rejecting calls, sorted by name.
	Open []string `json:"open"`

	// HalfOpen lists operations currently probing recovery, sorted by name.
	HalfOpen []string `json:"half_open"`
}
