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

var _ = Describe("Resilience integration", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		logger *slog.Logger
		orch   *shield.Orchestrator
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
		orch = shield.NewOrchestrator(shield.WithLogger(logger))
	})

	AfterEach(func() {
		cancel()
	})

	It("walks the full breaker lifecycle under sustained failures", func() {
		orch.RegisterOperationConfig("payments", shield.Config{
			Retry: shield.RetryConfig{
				MaxAttempts:  1,
				MaxElapsed:   5 * time.Second,
				InitialDelay: 5 * time.Millisecond,
				MinDelay:     5 * time.Millisecond,
				MaxDelay:     20 * time.Millisecond,
			},
			CircuitBreaker: shield.CircuitBreakerConfig{
				FailureThreshold: 2,
				RecoveryTimeout:  300 * time.Millisecond,
				HalfOpenMaxCalls: 1,
			},
			EnableRetry:          true,
			EnableCircuitBreaker: true,
		})

		invocations := 0
		backend := func(ctx context.Context) (any, error) {
			invocations++
			if invocations <= 2 {
				return nil, shield.NewStatusCodeError(503, errors.New("service unavailable"))
			}
			return "charged", nil
		}

		// Two failures trip the breaker.
		for i := 0; i < 2; i++ {
			_, err := orch.Execute(ctx, "payments", backend)
			Expect(err).To(HaveOccurred())
		}
		state, _ := orch.CircuitState("payments")
		Expect(state).To(Equal(shield.StateOpen))

		// The third call is rejected without reaching the backend.
		start := time.Now()
		_, err := orch.Execute(ctx, "payments", backend)
		Expect(shield.IsCircuitOpen(err)).To(BeTrue())
		Expect(invocations).To(Equal(2))
		Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond))

		// After the recovery timeout the next call probes and closes.
		time.Sleep(350 * time.Millisecond)

		resp, err := orch.Execute(ctx, "payments", backend)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("charged"))

		state, _ = orch.CircuitState("payments")
		Expect(state).To(Equal(shield.StateClosed))

		m, ok := orch.Metrics("payments")
		Expect(ok).To(BeTrue())
		Expect(m.Metrics.TotalCalls).To(Equal(uint64(4)))
		Expect(m.Metrics.FailedCalls).To(Equal(uint64(3)))
		Expect(m.Metrics.SuccessfulCalls).To(Equal(uint64(1)))
		Expect(m.Metrics.CircuitBreakerOpens).To(Equal(uint64(1)))
		Expect(m.Metrics.CircuitBreakerHalfOpens).To(Equal(uint64(1)))
		Expect(m.Metrics.CircuitBreakerCloses).To(Equal(uint64(1)))
		Expect(m.Metrics.SuccessRate).To(BeNumerically("~", 25.0, 0.001))
		Expect(m.Metrics.FailureRate).To(BeNumerically("~", 75.0, 0.001))
		Expect(m.Metrics.SuccessRate + m.Metrics.FailureRate).To(BeNumerically("~", 100.0, 0.001))
	})

	It("tracks health through an outage and recovery", func() {
		orch.RegisterOperationConfig("search", shield.Config{
			Retry: shield.RetryConfig{
				MaxAttempts:  1,
				MaxElapsed:   5 * time.Second,
				InitialDelay: 5 * time.Millisecond,
				MinDelay:     5 * time.Millisecond,
				MaxDelay:     20 * time.Millisecond,
			},
			CircuitBreaker: shield.CircuitBreakerConfig{
				FailureThreshold: 1,
				RecoveryTimeout:  200 * time.Millisecond,
				HalfOpenMaxCalls: 1,
			},
			EnableRetry:          true,
			EnableCircuitBreaker: true,
		})

		_, err := orch.Execute(ctx, "search", alwaysFail(errors.New("index offline")))
		Expect(err).To(HaveOccurred())

		report := orch.HealthReport()
		Expect(report.Healthy).To(BeFalse())
		Expect(report.Open).To(Equal([]string{"search"}))

		// Health reads are passive: past the recovery timeout the breaker
		// still reports open until a call probes it.
		time.Sleep(250 * time.Millisecond)
		report = orch.HealthReport()
		Expect(report.Open).To(Equal([]string{"search"}))

		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})
		var probeErr error
		go func() {
			defer close(done)
			_, probeErr = orch.Execute(ctx, "search", func(ctx context.Context) (any, error) {
				close(started)
				<-release
				return "found", nil
			})
		}()

		// While the probe is in flight the operation shows as half-open,
		// which counts as healthy.
		<-started
		report = orch.HealthReport()
		Expect(report.Healthy).To(BeTrue())
		Expect(report.Open).To(BeEmpty())
		Expect(report.HalfOpen).To(Equal([]string{"search"}))

		close(release)
		<-done
		Expect(probeErr).NotTo(HaveOccurred())

		report = orch.HealthReport()
		Expect(report.Healthy).To(BeTrue())
		Expect(report.HalfOpen).To(BeEmpty())
	})

	It("protects a typed client end to end", func() {
		orch.RegisterOperationConfig("chat", shield.Config{
			Retry: shield.RetryConfig{
				MaxAttempts:  3,
				MaxElapsed:   5 * time.Second,
				InitialDelay: 5 * time.Millisecond,
				MinDelay:     5 * time.Millisecond,
				MaxDelay:     20 * time.Millisecond,
			},
			CircuitBreaker: shield.CircuitBreakerConfig{
				FailureThreshold: 100,
				RecoveryTimeout:  time.Minute,
				HalfOpenMaxCalls: 1,
			},
			EnableRetry:          true,
			EnableCircuitBreaker: true,
		})

		backend := &mockBackend{}
		backend.executeFunc = func(ctx context.Context, req string) (string, error) {
			if backend.getCallCount() <= 2 {
				return "", shield.NewStatusCodeError(503, errors.New("service unavailable"))
			}
			return "answer to " + req, nil
		}

		protected := shield.Wrap[string, string](orch, "chat")(backend.Execute)

		resp, err := protected(ctx, "hi")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("answer to hi"))
		Expect(backend.getCallCount()).To(Equal(3))

		m, ok := orch.Metrics("chat")
		Expect(ok).To(BeTrue())
		Expect(m.Metrics.TotalCalls).To(Equal(uint64(1)))
		Expect(m.Metrics.SuccessfulCalls).To(Equal(uint64(1)))
		Expect(m.Metrics.RetryAttempts).To(Equal(uint64(2)))
	})

	It("drives operation strategies from a deployment preset", func() {
		preset, ok := shield.PresetByName(shield.PresetProduction)
		Expect(ok).To(BeTrue())

		o := shield.NewOrchestrator(
			shield.WithLogger(logger),
			shield.WithConfigProvider(shield.NewPresetConfigProvider(preset)),
		)

		Expect(o.ResolveConfig("generate").Strategy).To(Equal(shield.StrategyCritical))
		Expect(o.ResolveConfig("embedding").Strategy).To(Equal(shield.StrategyConservative))
		Expect(o.ResolveConfig("health_check").Strategy).To(Equal(shield.StrategyAggressive))
		Expect(o.ResolveConfig("anything_else").Strategy).To(Equal(shield.StrategyBalanced))

		_, err := o.Execute(ctx, "generate", func(ctx context.Context) (any, error) {
			return "text", nil
		})
		Expect(err).NotTo(HaveOccurred())

		m, ok := o.Metrics("generate")
		Expect(ok).To(BeTrue())
		Expect(m.Strategy).To(Equal(shield.StrategyCritical))
		Expect(m.FailureThreshold).To(Equal(10))
		Expect(m.RecoveryTimeout).To(Equal(300 * time.Second))
	})
})
