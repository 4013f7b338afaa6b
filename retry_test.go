package shield_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	shield "github.com/JohnPlummer/jp-go-shield"
)

var _ = Describe("RetryPolicy", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		logger *slog.Logger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
	})

	AfterEach(func() {
		cancel()
	})

	// fastConfig keeps test sleeps in the tens of milliseconds.
	fastConfig := func() shield.RetryConfig {
		return shield.RetryConfig{
			MaxAttempts:  3,
			MaxElapsed:   5 * time.Second,
			InitialDelay: 10 * time.Millisecond,
			MinDelay:     10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
		}
	}

	Describe("NewRetryPolicy", func() {
		It("applies defaults to a zero config", func() {
			policy := shield.NewRetryPolicy(shield.RetryConfig{})

			cfg := policy.Config()
			Expect(cfg.MaxAttempts).To(Equal(3))
			Expect(cfg.MaxElapsed).To(Equal(30 * time.Second))
			Expect(cfg.InitialDelay).To(Equal(time.Second))
			Expect(cfg.MaxDelay).To(Equal(10 * time.Second))
		})

		It("clamps a minimum delay above the maximum", func() {
			policy := shield.NewRetryPolicy(shield.RetryConfig{
				MinDelay: 20 * time.Second,
				MaxDelay: 5 * time.Second,
			})

			cfg := policy.Config()
			Expect(cfg.MinDelay).To(Equal(5 * time.Second))
		})
	})

	Describe("Execute", func() {
		It("returns the result on first success", func() {
			policy := shield.NewRetryPolicy(fastConfig(), shield.WithRetryLogger(logger))

			calls := 0
			resp, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return "ok", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
			Expect(calls).To(Equal(1))
		})

		It("retries transient failures until success", func() {
			policy := shield.NewRetryPolicy(fastConfig(), shield.WithRetryLogger(logger))

			calls := 0
			resp, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				if calls < 3 {
					return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
				}
				return "ok", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(resp).To(Equal("ok"))
			Expect(calls).To(Equal(3))
		})

		It("wraps the last failure when attempts run out", func() {
			policy := shield.NewRetryPolicy(fastConfig(), shield.WithRetryLogger(logger))

			cause := shield.NewStatusCodeError(503, errors.New("service unavailable"))
			calls := 0
			resp, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return nil, cause
			})

			Expect(resp).To(BeNil())
			Expect(calls).To(Equal(3))
			Expect(shield.IsRetryExhausted(err)).To(BeTrue())

			var exhausted *shield.RetryExhaustedError
			Expect(errors.As(err, &exhausted)).To(BeTrue())
			Expect(exhausted.Operation).To(Equal("fetch"))
			Expect(exhausted.Attempts).To(Equal(3))
			Expect(errors.Is(err, cause)).To(BeTrue())
		})

		It("stops immediately on permanent failures", func() {
			policy := shield.NewRetryPolicy(fastConfig(), shield.WithRetryLogger(logger))

			cause := shield.NewStatusCodeError(400, errors.New("bad request"))
			calls := 0
			_, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return nil, cause
			})

			Expect(calls).To(Equal(1))
			Expect(errors.Is(err, cause)).To(BeTrue())
			Expect(shield.IsRetryExhausted(err)).To(BeFalse())
		})

		It("runs exactly once when max attempts is one", func() {
			cfg := fastConfig()
			cfg.MaxAttempts = 1
			policy := shield.NewRetryPolicy(cfg, shield.WithRetryLogger(logger))

			calls := 0
			_, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
			})

			Expect(calls).To(Equal(1))
			Expect(shield.IsRetryExhausted(err)).To(BeTrue())
		})

		It("stops scheduling retries once the elapsed budget is spent", func() {
			cfg := shield.RetryConfig{
				MaxAttempts:  10,
				MaxElapsed:   80 * time.Millisecond,
				InitialDelay: 50 * time.Millisecond,
				MinDelay:     50 * time.Millisecond,
				MaxDelay:     50 * time.Millisecond,
			}
			policy := shield.NewRetryPolicy(cfg, shield.WithRetryLogger(logger))

			calls := 0
			start := time.Now()
			_, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
			})
			elapsed := time.Since(start)

			Expect(shield.IsRetryExhausted(err)).To(BeTrue())
			// Attempt 1 at ~0ms, attempt 2 at ~50ms, attempt 3 at ~100ms; the
			// 80ms budget expires before a fourth attempt can be scheduled.
			Expect(calls).To(BeNumerically(">=", 2))
			Expect(calls).To(BeNumerically("<=", 3))
			Expect(elapsed).To(BeNumerically("<", 500*time.Millisecond))
		})

		It("keeps delays within the configured bounds", func() {
			cfg := shield.RetryConfig{
				MaxAttempts:  3,
				MaxElapsed:   5 * time.Second,
				InitialDelay: 100 * time.Millisecond,
				MinDelay:     100 * time.Millisecond,
				MaxDelay:     100 * time.Millisecond,
			}
			policy := shield.NewRetryPolicy(cfg, shield.WithRetryLogger(logger))

			start := time.Now()
			_, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
			})
			elapsed := time.Since(start)

			Expect(shield.IsRetryExhausted(err)).To(BeTrue())
			// Two sleeps of exactly 100ms separate the three attempts.
			Expect(elapsed).To(BeNumerically(">=", 200*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 400*time.Millisecond))
		})

		It("reports computed delays to the retry hook", func() {
			cfg := shield.RetryConfig{
				MaxAttempts:  4,
				MaxElapsed:   5 * time.Second,
				InitialDelay: 10 * time.Millisecond,
				MinDelay:     10 * time.Millisecond,
				MaxDelay:     25 * time.Millisecond,
			}

			var (
				attempts []int
				delays   []time.Duration
			)
			policy := shield.NewRetryPolicy(cfg,
				shield.WithRetryLogger(logger),
				shield.WithOnRetry(func(attempt int, err error, delay time.Duration) {
					attempts = append(attempts, attempt)
					delays = append(delays, delay)
				}),
			)

			_, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
			})

			Expect(shield.IsRetryExhausted(err)).To(BeTrue())
			Expect(attempts).To(Equal([]int{1, 2, 3}))
			// 10ms doubles to 20ms, then clamps at the 25ms ceiling.
			Expect(delays).To(Equal([]time.Duration{
				10 * time.Millisecond,
				20 * time.Millisecond,
				25 * time.Millisecond,
			}))
		})

		It("abandons the sleep when the context is cancelled", func() {
			cfg := shield.RetryConfig{
				MaxAttempts:  5,
				MaxElapsed:   10 * time.Second,
				InitialDelay: 2 * time.Second,
				MinDelay:     2 * time.Second,
				MaxDelay:     2 * time.Second,
			}
			policy := shield.NewRetryPolicy(cfg, shield.WithRetryLogger(logger))

			callCtx, callCancel := context.WithCancel(ctx)
			defer callCancel()
			go func() {
				time.Sleep(100 * time.Millisecond)
				callCancel()
			}()

			calls := 0
			start := time.Now()
			_, err := policy.Execute(callCtx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
			})
			elapsed := time.Since(start)

			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(shield.IsRetryExhausted(err)).To(BeFalse())
			Expect(calls).To(Equal(1))
			// Cancellation interrupts the 2s sleep long before it finishes.
			Expect(elapsed).To(BeNumerically("<", time.Second))
		})

		It("makes no attempts when the context is already done", func() {
			policy := shield.NewRetryPolicy(fastConfig(), shield.WithRetryLogger(logger))

			doneCtx, doneCancel := context.WithCancel(ctx)
			doneCancel()

			calls := 0
			_, err := policy.Execute(doneCtx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return "ok", nil
			})

			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(calls).To(Equal(0))
		})

		It("honors a custom classifier", func() {
			policy := shield.NewRetryPolicy(fastConfig(),
				shield.WithRetryLogger(logger),
				shield.WithRetryClassifier(shield.ClassifierFunc(func(err error) shield.Classification {
					return shield.Permanent
				})),
			)

			calls := 0
			_, err := policy.Execute(ctx, "fetch", func(ctx context.Context) (any, error) {
				calls++
				return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
			})

			Expect(calls).To(Equal(1))
			Expect(shield.IsRetryExhausted(err)).To(BeFalse())
		})
	})

	Describe("RetryValue", func() {
		It("preserves the result type", func() {
			policy := shield.NewRetryPolicy(fastConfig(), shield.WithRetryLogger(logger))

			calls := 0
			n, err := shield.RetryValue(ctx, policy, "count", func(ctx context.Context) (int, error) {
				calls++
				if calls < 2 {
					return 0, shield.NewStatusCodeError(503, errors.New("service unavailable"))
				}
				return 42, nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(42))
			Expect(calls).To(Equal(2))
		})

		It("returns the zero value on failure", func() {
			cfg := fastConfig()
			cfg.MaxAttempts = 1
			policy := shield.NewRetryPolicy(cfg, shield.WithRetryLogger(logger))

			n, err := shield.RetryValue(ctx, policy, "count", func(ctx context.Context) (int, error) {
				return 7, errors.New("mystery failure")
			})

			Expect(shield.IsRetryExhausted(err)).To(BeTrue())
			Expect(n).To(Equal(0))
		})
	})
})
