package shield

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy re-invokes a failing callable with exponential backoff until it
// succeeds, the failure turns permanent, or the attempt and elapsed-time
// budgets run out. Classification of each failure is delegated to a
// Classifier.
type RetryPolicy struct {
	config     RetryConfig
	classifier Classifier
	logger     *slog.Logger
	onRetry    func(attempt int, err error, delay time.Duration)
}

// RetryPolicyOption configures a RetryPolicy.
type RetryPolicyOption func(*RetryPolicy)

// WithRetryClassifier sets the classifier consulted after each failure.
// Defaults to DefaultClassifier().
func WithRetryClassifier(classifier Classifier) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.classifier = classifier
	}
}

// WithRetryLogger sets the logger for retry events. Defaults to slog.Default().
func WithRetryLogger(logger *slog.Logger) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.logger = logger
	}
}

// WithOnRetry registers a hook fired before each retry sleep with the attempt
// number just completed, its error, and the computed delay.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.onRetry = fn
	}
}

// NewRetryPolicy creates a policy from config. Zero config fields are replaced
// with defaults (3 attempts, 30s budget, 1s initial delay, 10s max delay).
func NewRetryPolicy(config RetryConfig, opts ...RetryPolicyOption) *RetryPolicy {
	p := &RetryPolicy{
		config: config.withDefaults(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.classifier == nil {
		p.classifier = DefaultClassifier()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}

// Config returns the policy's effective configuration after defaulting.
func (p *RetryPolicy) Config() RetryConfig {
	return p.config
}

// Execute invokes fn until it succeeds or the policy gives up.
//
// Transient failures are retried with the configured backoff; on exhaustion
// the last failure is returned wrapped in a *RetryExhaustedError. Permanent
// failures and context cancellation stop immediately and propagate unwrapped.
// The inter-attempt sleep is cancellable: a context cancelled mid-sleep
// abandons the remaining attempts.
func (p *RetryPolicy) Execute(ctx context.Context, operation string, fn func(ctx context.Context) (any, error)) (any, error) {
	// Check the context before the first attempt so an already-cancelled
	// caller never reaches the downstream service.
	select {
	case <-ctx.Done():
		p.logger.Debug("context done before first attempt",
			"operation", operation,
			"error", ctx.Err())
		return nil, ctx.Err()
	default:
	}

	var (
		resp      any
		attempts  int
		lastErr   error
		permanent bool
	)
	started := time.Now()

	limited := retry.WithMaxRetries(uint64(p.config.MaxAttempts-1), p.delaySchedule())

	// retry.Do consults the backoff between a failed attempt and the sleep
	// that follows, so this wrapper fires the retry bookkeeping before every
	// sleep: elapsed-budget check, retry hook, then a warning with the
	// attempt number and computed delay.
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if time.Since(started) >= p.config.MaxElapsed {
			return 0, true
		}
		delay, stop := limited.Next()
		if stop {
			return 0, true
		}
		if p.onRetry != nil {
			p.onRetry(attempts, lastErr, delay)
		}
		p.logger.Warn("retrying after transient failure",
			"operation", operation,
			"attempt", attempts,
			"delay", delay,
			"error", lastErr)
		return delay, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		r, err := fn(ctx)
		if err == nil {
			if attempts > 1 {
				p.logger.Info("call succeeded after retry",
					"operation", operation,
					"attempts", attempts)
			}
			resp = r
			return nil
		}

		lastErr = err
		if p.classifier.Classify(err) == Permanent {
			permanent = true
			p.logger.Debug("permanent failure, giving up",
				"operation", operation,
				"attempt", attempts,
				"error", err)
			return err
		}

		return retry.RetryableError(err)
	})
	if err == nil {
		return resp, nil
	}

	if permanent || (isContextError(err) && ctx.Err() != nil) {
		return nil, err
	}

	return nil, &RetryExhaustedError{
		Operation: operation,
		Attempts:  attempts,
		Elapsed:   time.Since(started),
		Err:       err,
	}
}

// delaySchedule produces the inter-attempt delays: InitialDelay doubled per
// retry, clamped to [MinDelay, MaxDelay], plus up to JitterMax of random
// jitter when enabled.
func (p *RetryPolicy) delaySchedule() retry.Backoff {
	cfg := p.config
	attempt := 0

	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++

		// Computed in float64 so large attempt counts saturate at MaxDelay
		// instead of overflowing.
		delay := float64(cfg.InitialDelay)
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= float64(cfg.MaxDelay) {
				break
			}
		}

		d := time.Duration(delay)
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
		if d < cfg.MinDelay {
			d = cfg.MinDelay
		}

		if cfg.Jitter && cfg.JitterMax > 0 {
			d += randomJitter(cfg.JitterMax)
		}

		return d, false
	})
}

// randomJitter samples a uniform duration in [0, max) using crypto/rand to
// prevent synchronized retry storms. Falls back to zero jitter if the random
// source fails.
func randomJitter(max time.Duration) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// RetryValue executes fn under policy, preserving the result type.
//
// Example:
//
//	policy := shield.NewRetryPolicy(shield.RetryConfig{MaxAttempts: 5})
//	user, err := shield.RetryValue(ctx, policy, "fetch_user", fetchUser)
func RetryValue[T any](ctx context.Context, policy *RetryPolicy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := policy.Execute(ctx, operation, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}

	v, ok := out.(T)
	if !ok {
		var zero T
		return zero, nil
	}
	return v, nil
}
