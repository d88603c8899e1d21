package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout runs fn with a derived context that is cancelled after the
// given timeout. A zero timeout runs fn with ctx unchanged.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
	}
}

// Policy bundles the guards applied around one external call: a per-attempt
// timeout, retries with backoff and an optional circuit breaker.
type Policy struct {
	Name    string
	Retry   RetryConfig
	Timeout time.Duration
	Breaker *CircuitBreaker
}

// Do runs fn under the policy. An open circuit is not retried.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, p.Name, p.Retry, func() error {
		call := func() error {
			return WithTimeout(ctx, p.Timeout, p.Name, fn)
		}
		if p.Breaker == nil {
			return call()
		}
		err := p.Breaker.Execute(call)
		if isCircuitOpen(err) {
			return Permanent(err)
		}
		return err
	})
}
