package shield

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Orchestrator owns the per-operation circuit breakers and metrics and runs
// calls through the configured resilience layers. Operations are registered
// lazily on first use.
//
// All methods are safe for concurrent use. Concurrent first calls to the same
// operation name share a single circuit breaker and metrics instance.
type Orchestrator struct {
	logger        *slog.Logger
	classifier    Classifier
	provider      ConfigProvider
	defaults      Config
	onStateChange func(operation string, from, to CircuitState)

	mu         sync.RWMutex
	operations map[string]*operationState
	configs    map[string]Config
}

// operationState is the shared mutable state for one operation name.
type operationState struct {
	name    string
	breaker *CircuitBreaker
	metrics *Metrics
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the logger used by the orchestrator and everything it
// creates. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClassifier sets the classifier consulted after each failed attempt.
// Defaults to DefaultClassifier().
func WithClassifier(classifier Classifier) OrchestratorOption {
	return func(o *Orchestrator) {
		o.classifier = classifier
	}
}

// WithConfigProvider attaches an external configuration source consulted for
// operations with no registered configuration.
func WithConfigProvider(provider ConfigProvider) OrchestratorOption {
	return func(o *Orchestrator) {
		o.provider = provider
	}
}

// WithDefaultStrategy sets the strategy used when nothing more specific
// applies. Defaults to StrategyBalanced.
func WithDefaultStrategy(strategy Strategy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.defaults = StrategyConfig(strategy)
	}
}

// WithOnStateChange registers a callback fired whenever any operation's
// circuit breaker changes state. The callback runs while that breaker's lock
// is held, so it must return quickly and not call back into the breaker.
func WithOnStateChange(fn func(operation string, from, to CircuitState)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onStateChange = fn
	}
}

// NewOrchestrator creates an orchestrator with no registered operations.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		defaults:   StrategyConfig(StrategyBalanced),
		operations: make(map[string]*operationState),
		configs:    make(map[string]Config),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.classifier == nil {
		o.classifier = DefaultClassifier()
	}

	return o
}

// callSettings collects per-call overrides.
type callSettings struct {
	strategy Strategy
	custom   *Config
	fallback func(ctx context.Context) (any, error)
}

// CallOption adjusts a single call or a wrapped operation.
type CallOption func(*callSettings)

// WithStrategy selects a named strategy for this call, overriding the
// operation's registered configuration.
func WithStrategy(strategy Strategy) CallOption {
	return func(cs *callSettings) {
		cs.strategy = strategy
	}
}

// WithConfig supplies a complete configuration for this call. It takes
// precedence over WithStrategy and the registered configuration.
func WithConfig(cfg Config) CallOption {
	return func(cs *callSettings) {
		cs.custom = &cfg
	}
}

// WithFallbackFunc supplies an untyped fallback invoked when the call
// terminally fails. A fallback passed directly to ExecuteWithFallback or
// installed with Operation.WithFallback takes precedence.
func WithFallbackFunc(fn func(ctx context.Context) (any, error)) CallOption {
	return func(cs *callSettings) {
		cs.fallback = fn
	}
}

// RegisterOperation associates an operation name with a named strategy.
// The first registration for a name wins; repeats are no-ops.
func (o *Orchestrator) RegisterOperation(name string, strategy Strategy) {
	o.register(name, StrategyConfig(strategy))
}

// RegisterOperationConfig associates an operation name with a specific
// configuration. The first registration for a name wins.
func (o *Orchestrator) RegisterOperationConfig(name string, cfg Config) {
	o.register(name, cfg)
}

func (o *Orchestrator) register(name string, cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.configs[name]; ok {
		return
	}
	o.configs[name] = cfg
	o.ensureStateLocked(name, cfg)
}

// ensureStateLocked returns the operation's shared state, creating it with
// cfg's circuit breaker settings on first sight. Breaker settings bind at
// creation: later registrations and per-call overrides change retry behavior
// only. Callers must hold o.mu for writing.
func (o *Orchestrator) ensureStateLocked(name string, cfg Config) *operationState {
	if st, ok := o.operations[name]; ok {
		return st
	}

	metrics := NewMetrics()
	cbOpts := []CircuitBreakerOption{
		WithCircuitBreakerLogger(o.logger),
		WithCircuitBreakerMetrics(metrics),
	}
	if o.onStateChange != nil {
		cbOpts = append(cbOpts, WithStateChangeHandler(o.onStateChange))
	}

	st := &operationState{
		name:    name,
		breaker: NewCircuitBreaker(name, cfg.CircuitBreaker, cbOpts...),
		metrics: metrics,
	}
	o.operations[name] = st
	return st
}

// state returns the operation's shared state, creating it on first use.
func (o *Orchestrator) state(name string, cfg Config) *operationState {
	o.mu.RLock()
	st, ok := o.operations[name]
	o.mu.RUnlock()
	if ok {
		return st
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ensureStateLocked(name, cfg)
}

// resolveConfig applies the precedence chain: per-call config, per-call
// strategy, registered config, provider, then the orchestrator's default.
func (o *Orchestrator) resolveConfig(name string, cs callSettings) Config {
	if cs.custom != nil {
		return *cs.custom
	}
	if cs.strategy != "" {
		return StrategyConfig(cs.strategy)
	}

	o.mu.RLock()
	cfg, ok := o.configs[name]
	o.mu.RUnlock()
	if ok {
		return cfg
	}

	if o.provider != nil {
		if s, ok := o.provider.OperationStrategy(name); ok {
			return StrategyConfig(s)
		}
		return o.provider.ResilienceConfig()
	}

	return o.defaults
}

// ResolveConfig returns the configuration a call to the named operation would
// use with no per-call overrides.
func (o *Orchestrator) ResolveConfig(name string) Config {
	return o.resolveConfig(name, callSettings{})
}

// Execute runs fn under the named operation's resilience configuration. The
// returned error is the final underlying failure for permanent errors, a
// *RetryExhaustedError when the attempt or time budget ran out, or a
// *CircuitOpenError when the breaker rejected the call without invoking fn.
// Context cancellation propagates as the context's error.
func (o *Orchestrator) Execute(ctx context.Context, name string, fn func(ctx context.Context) (any, error), opts ...CallOption) (any, error) {
	return o.run(ctx, name, fn, nil, opts)
}

// ExecuteWithFallback is Execute with a substitute path: terminal failures
// (circuit open, retries exhausted, permanent error) run the fallback and
// return its result instead. Context cancellation bypasses the fallback.
func (o *Orchestrator) ExecuteWithFallback(ctx context.Context, name string, fn, fallback func(ctx context.Context) (any, error), opts ...CallOption) (any, error) {
	return o.run(ctx, name, fn, fallback, opts)
}

func (o *Orchestrator) run(ctx context.Context, name string, fn, fallback func(ctx context.Context) (any, error), opts []CallOption) (any, error) {
	var cs callSettings
	for _, opt := range opts {
		opt(&cs)
	}
	if fallback == nil {
		fallback = cs.fallback
	}

	cfg := o.resolveConfig(name, cs)
	st := o.state(name, cfg)

	if cfg.EnableCircuitBreaker {
		if err := st.breaker.Allow(); err != nil {
			st.metrics.recordRejection()
			o.logger.Debug("circuit breaker rejected call",
				"operation", name,
				"error", err)
			return o.finish(ctx, name, fallback, err)
		}
	}

	resp, err := o.invoke(ctx, name, cfg, st, fn)
	if err == nil {
		if cfg.EnableCircuitBreaker {
			st.breaker.RecordSuccess()
		}
		st.metrics.recordSuccess()
		return resp, nil
	}

	// Cancellation is the caller giving up, not the service failing: it
	// neither trips the breaker nor triggers the fallback. A half-open
	// admission consumed by the cancelled call is handed back.
	if isContextError(err) && ctx.Err() != nil {
		if cfg.EnableCircuitBreaker {
			st.breaker.RecordCancellation()
		}
		st.metrics.recordRejection()
		return nil, err
	}

	if cfg.EnableCircuitBreaker {
		st.breaker.RecordFailure()
	}
	st.metrics.recordFailure()
	return o.finish(ctx, name, fallback, err)
}

// invoke runs fn once, or under a retry policy when the configuration enables
// retries.
func (o *Orchestrator) invoke(ctx context.Context, name string, cfg Config, st *operationState, fn func(ctx context.Context) (any, error)) (any, error) {
	if !cfg.EnableRetry {
		return fn(ctx)
	}

	policy := NewRetryPolicy(cfg.Retry,
		WithRetryClassifier(o.classifier),
		WithRetryLogger(o.logger),
		WithOnRetry(func(attempt int, err error, delay time.Duration) {
			st.metrics.recordRetry()
		}),
	)
	return policy.Execute(ctx, name, fn)
}

// finish routes a terminal failure to the fallback when one is configured.
func (o *Orchestrator) finish(ctx context.Context, name string, fallback func(ctx context.Context) (any, error), err error) (any, error) {
	if fallback == nil {
		return nil, err
	}

	o.logger.Info("invoking fallback",
		"operation", name,
		"error", err)
	return fallback(ctx)
}

// Metrics returns the admin view of one operation: its strategy, breaker
// state and thresholds, and the metrics snapshot. Returns false if the
// operation has never been called or registered.
func (o *Orchestrator) Metrics(name string) (OperationMetrics, bool) {
	o.mu.RLock()
	st, ok := o.operations[name]
	o.mu.RUnlock()
	if !ok {
		return OperationMetrics{}, false
	}
	return o.export(st), true
}

// AllMetrics returns the admin view of every known operation, keyed by name.
func (o *Orchestrator) AllMetrics() map[string]OperationMetrics {
	states := o.snapshotStates()

	out := make(map[string]OperationMetrics, len(states))
	for _, st := range states {
		out[st.name] = o.export(st)
	}
	return out
}

// export builds the admin view of one operation. Called without holding o.mu
// because ResolveConfig takes the lock itself.
func (o *Orchestrator) export(st *operationState) OperationMetrics {
	cbConfig := st.breaker.Config()
	return OperationMetrics{
		Operation:        st.name,
		Strategy:         o.ResolveConfig(st.name).Strategy,
		State:            st.breaker.State().String(),
		FailureThreshold: cbConfig.FailureThreshold,
		RecoveryTimeout:  cbConfig.RecoveryTimeout,
		HalfOpenMaxCalls: cbConfig.HalfOpenMaxCalls,
		Metrics:          st.metrics.Snapshot(),
	}
}

// ResetMetrics clears the named operation's counters and timestamps. Circuit
// breaker state is left untouched. Returns false if the operation is unknown.
func (o *Orchestrator) ResetMetrics(name string) bool {
	o.mu.RLock()
	st, ok := o.operations[name]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	st.metrics.reset()
	return true
}

// ResetAllMetrics clears every operation's counters and timestamps.
func (o *Orchestrator) ResetAllMetrics() {
	for _, st := range o.snapshotStates() {
		st.metrics.reset()
	}
}

// IsHealthy reports whether no operation's circuit breaker is currently open.
func (o *Orchestrator) IsHealthy() bool {
	return o.HealthReport().Healthy
}

// HealthReport summarizes breaker states across all operations. Reading the
// report never changes breaker state, so an open breaker past its recovery
// timeout still reports open until the next call probes it.
func (o *Orchestrator) HealthReport() HealthReport {
	states := o.snapshotStates()

	report := HealthReport{
		Healthy:    true,
		Operations: len(states),
		Open:       []string{},
		HalfOpen:   []string{},
	}
	for _, st := range states {
		switch st.breaker.State() {
		case StateOpen:
			report.Healthy = false
			report.Open = append(report.Open, st.name)
		case StateHalfOpen:
			report.HalfOpen = append(report.HalfOpen, st.name)
		}
	}
	slices.Sort(report.Open)
	slices.Sort(report.HalfOpen)
	return report
}

// Operations returns the known operation names, sorted.
func (o *Orchestrator) Operations() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Sorted(maps.Keys(o.operations))
}

// CircuitState returns the named operation's breaker state. Returns false if
// the operation is unknown.
func (o *Orchestrator) CircuitState(name string) (CircuitState, bool) {
	o.mu.RLock()
	st, ok := o.operations[name]
	o.mu.RUnlock()
	if !ok {
		return StateClosed, false
	}
	return st.breaker.State(), true
}

// snapshotStates copies the operation set out from under the lock.
func (o *Orchestrator) snapshotStates() []*operationState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	states := make([]*operationState, 0, len(o.operations))
	for _, st := range o.operations {
		states = append(states, st)
	}
	return states
}
