package shield

import (
	"fmt"
	"strings"
	"time"
)

// Strategy names a preset bundle of retry and circuit breaker parameters,
// chosen by how critical an operation is. See StrategyConfig for the exact
// parameters behind each name.
type Strategy string

const (
	// StrategyAggressive fails fast: few attempts, short recovery. Suited to
	// operations with cheap fallbacks such as health checks.
	StrategyAggressive Strategy = "aggressive"

	// StrategyBalanced is a reasonable trade-off for most operations and the
	// default when nothing else is configured.
	StrategyBalanced Strategy = "balanced"

	// StrategyConservative retries patiently and tolerates longer outages.
	// Suited to expensive operations where giving up is costly.
	StrategyConservative Strategy = "conservative"

	// StrategyCritical tries hardest and protects longest. Suited to
	// operations the product cannot function without.
	StrategyCritical Strategy = "critical"
)

// ParseStrategy converts a string such as "balanced" into a Strategy.
// Matching is case-insensitive and ignores surrounding whitespace.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyAggressive:
		return StrategyAggressive, nil
	case StrategyBalanced:
		return StrategyBalanced, nil
	case StrategyConservative:
		return StrategyConservative, nil
	case StrategyCritical:
		return StrategyCritical, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// RetryConfig holds retry behavior configuration.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations including the first.
	MaxAttempts int

	// MaxElapsed caps the wall-clock time spent across all attempts of one
	// call. Once exceeded, no further retries are scheduled.
	MaxElapsed time.Duration

	// InitialDelay seeds the exponential backoff: the delay before retry n is
	// InitialDelay * 2^(n-1), clamped to [MinDelay, MaxDelay].
	InitialDelay time.Duration

	// MinDelay is the lower clamp for computed delays.
	MinDelay time.Duration

	// MaxDelay is the upper clamp for computed delays.
	MaxDelay time.Duration

	// Jitter adds a uniformly sampled duration in [0, JitterMax) to each
	// delay to avoid synchronized retry storms.
	Jitter bool

	// JitterMax bounds the random addition when Jitter is enabled.
	JitterMax time.Duration
}

// withDefaults replaces zero or invalid fields with usable values.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 30 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MinDelay > c.MaxDelay {
		c.MinDelay = c.MaxDelay
	}
	if c.JitterMax < 0 {
		c.JitterMax = 0
	}
	return c
}

// CircuitBreakerConfig holds circuit breaker behavior configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting a
	// probe call.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps the number of probe calls admitted while the
	// breaker is half-open.
	HalfOpenMaxCalls int
}

// withDefaults replaces zero or invalid fields with usable values.
func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// Config bundles everything needed to protect one operation.
type Config struct {
	// Strategy records which named strategy produced this config, if any.
	Strategy Strategy

	// Retry configures the retry policy.
	Retry RetryConfig

	// CircuitBreaker configures the admission gate.
	CircuitBreaker CircuitBreakerConfig

	// EnableRetry turns the retry layer on. When false the callable is
	// invoked at most once per call.
	EnableRetry bool

	// EnableCircuitBreaker turns the admission gate on. When false every
	// call is admitted regardless of recent failures.
	EnableCircuitBreaker bool
}
