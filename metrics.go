package shield

import (
	"sync"
	"time"
)

// Metrics tracks call outcomes for a single operation. All methods are safe
// for concurrent use. The orchestrator and circuit breaker update the
// counters; read them with Snapshot.
type Metrics struct {
	mu sync.RWMutex

	totalCalls              uint64
	successfulCalls         uint64
	failedCalls             uint64
	retryAttempts           uint64
	circuitBreakerOpens     uint64
	circuitBreakerHalfOpens uint64
	circuitBreakerCloses    uint64
	lastSuccess             time.Time
	lastFailure             time.Time
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// recordSuccess counts one completed call that succeeded. The total is
// incremented together with the outcome so a concurrent Snapshot never sees a
// call that is counted but not yet resolved.
func (m *Metrics) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.successfulCalls++
	m.lastSuccess = time.Now()
}

// recordFailure counts one completed call that failed.
func (m *Metrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.failedCalls++
	m.lastFailure = time.Now()
}

// recordRejection counts one call that ended without a completed downstream
// outcome, either refused by the breaker or abandoned on cancellation. These
// count as failures but leave the failure timestamp alone: the downstream
// never produced the failure.
func (m *Metrics) recordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.failedCalls++
}

// recordRetry counts one scheduled retry.
func (m *Metrics) recordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryAttempts++
}

// recordOpen counts one transition to the open state.
func (m *Metrics) recordOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitBreakerOpens++
}

// recordHalfOpen counts one transition to the half-open state.
func (m *Metrics) recordHalfOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitBreakerHalfOpens++
}

// recordClose counts one transition back to the closed state.
func (m *Metrics) recordClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitBreakerCloses++
}

// reset zeroes every counter and timestamp.
func (m *Metrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls = 0
	m.successfulCalls = 0
	m.failedCalls = 0
	m.retryAttempts = 0
	m.circuitBreakerOpens = 0
	m.circuitBreakerHalfOpens = 0
	m.circuitBreakerCloses = 0
	m.lastSuccess = time.Time{}
	m.lastFailure = time.Time{}
}

// Snapshot returns a point-in-time copy of all counters with derived rates.
// SuccessRate and FailureRate are percentages that sum to 100 whenever at
// least one call was counted, and are both 0 otherwise.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		TotalCalls:              m.totalCalls,
		SuccessfulCalls:         m.successfulCalls,
		FailedCalls:             m.failedCalls,
		RetryAttempts:           m.retryAttempts,
		CircuitBreakerOpens:     m.circuitBreakerOpens,
		CircuitBreakerHalfOpens: m.circuitBreakerHalfOpens,
		CircuitBreakerCloses:    m.circuitBreakerCloses,
		LastSuccess:             m.lastSuccess,
		LastFailure:             m.lastFailure,
	}
	if m.totalCalls > 0 {
		snap.SuccessRate = float64(m.successfulCalls) / float64(m.totalCalls) * 100
		snap.FailureRate = float64(m.failedCalls) / float64(m.totalCalls) * 100
	}
	return snap
}

// MetricsSnapshot is an immutable copy of an operation's metrics, suitable for
// logging or JSON export.
type MetricsSnapshot struct {
	TotalCalls              uint64    `json:"total_calls"`
	SuccessfulCalls         uint64    `json:"successful_calls"`
	FailedCalls             uint64    `json:"failed_calls"`
	RetryAttempts           uint64    `json:"retry_attempts"`
	CircuitBreakerOpens     uint64    `json:"circuit_breaker_opens"`
	CircuitBreakerHalfOpens uint64    `json:"circuit_breaker_half_opens"`
	CircuitBreakerCloses    uint64    `json:"circuit_breaker_closes"`
	LastSuccess             time.Time `json:"last_success"`
	LastFailure             time.Time `json:"last_failure"`
	SuccessRate             float64   `json:"success_rate"`
	FailureRate             float64   `json:"failure_rate"`
}
