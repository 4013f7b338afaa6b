// Package shield protects calls to unreliable downstream services by combining
// automatic retry with exponential backoff and a per-operation circuit breaker.
// Behaviour is selected through named resilience strategies, and it integrates
// with jp-go-errors for standardized error classification.
package shield

import (
	"context"
	"fmt"
)

// Callable is a generic function that performs one call against a downstream
// service. Type parameters Req and Resp can be any types, making this suitable
// for HTTP clients, gRPC clients, database clients, or any other operation that
// needs resilience patterns.
//
// The context should be used to control timeouts and cancellation.
type Callable[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Operation binds a Callable to an Orchestrator under a stable operation name.
// All executions share the operation's circuit breaker and metrics, so repeated
// failures in one place are visible everywhere the operation is used.
type Operation[Req, Resp any] struct {
	orch     *Orchestrator
	name     string
	fn       Callable[Req, Resp]
	fallback Callable[Req, Resp]
	opts     []CallOption
}

// NewOperation creates an Operation that executes fn through orch under the
// given name. Call options are applied on every execution, so a strategy chosen
// here sticks for the lifetime of the operation.
func NewOperation[Req, Resp any](orch *Orchestrator, name string, fn Callable[Req, Resp], opts ...CallOption) *Operation[Req, Resp] {
	return &Operation[Req, Resp]{
		orch: orch,
		name: name,
		fn:   fn,
		opts: opts,
	}
}

// WithFallback returns a copy of the operation that invokes fallback when the
// primary callable is exhausted, rejected by an open circuit, or fails with a
// permanent error. The original operation is not modified.
func (o *Operation[Req, Resp]) WithFallback(fallback Callable[Req, Resp]) *Operation[Req, Resp] {
	clone := *o
	clone.fallback = fallback
	return &clone
}

// Name returns the operation name used for circuit breaker and metrics state.
func (o *Operation[Req, Resp]) Name() string {
	return o.name
}

// Execute runs the operation's callable with the resilience behaviour resolved
// by the orchestrator. The error is either the final underlying failure, a
// *RetryExhaustedError, or a *CircuitOpenError when the breaker rejects the
// call without invoking it. An untyped fallback installed with
// WithFallbackFunc must return a value assignable to Resp; any other result
// is reported as an error rather than silently dropped.
func (o *Operation[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	fn := func(ctx context.Context) (any, error) {
		return o.fn(ctx, req)
	}

	var fallback func(ctx context.Context) (any, error)
	if o.fallback != nil {
		fallback = func(ctx context.Context) (any, error) {
			return o.fallback(ctx, req)
		}
	}

	out, err := o.orch.run(ctx, o.name, fn, fallback, o.opts)
	if err != nil {
		var zero Resp
		return zero, err
	}

	resp, ok := out.(Resp)
	if !ok {
		var zero Resp
		if out == nil {
			return zero, nil
		}
		return zero, fmt.Errorf("operation %q: fallback result %T does not match the operation's response type", o.name, out)
	}
	return resp, nil
}

// Wrap returns a decorator that adds retry and circuit breaker protection to a
// Callable without changing its signature. The wrapped function can be passed
// anywhere the original was used.
//
// Example:
//
//	fetch := shield.Wrap[string, *http.Response](orch, "fetch_profile")(doFetch)
//	resp, err := fetch(ctx, userID)
func Wrap[Req, Resp any](orch *Orchestrator, name string, opts ...CallOption) func(Callable[Req, Resp]) Callable[Req, Resp] {
	return func(fn Callable[Req, Resp]) Callable[Req, Resp] {
		op := NewOperation(orch, name, fn, opts...)
		return op.Execute
	}
}

// WrapWithFallback is like Wrap but routes terminal failures to fallback.
// The fallback receives the original request and its result is returned to the
// caller as if the primary call had succeeded.
func WrapWithFallback[Req, Resp any](orch *Orchestrator, name string, fallback Callable[Req, Resp], opts ...CallOption) func(Callable[Req, Resp]) Callable[Req, Resp] {
	return func(fn Callable[Req, Resp]) Callable[Req, Resp] {
		op := NewOperation(orch, name, fn, opts...).WithFallback(fallback)
		return op.Execute
	}
}
