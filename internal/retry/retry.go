// Package retry builds the retry pipelines used for read-only state fetches.
// Monetary submissions never go through these executors.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"DefiLedger/internal/fault"
)

// Policy configures a read-only retry pipeline.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy retries three times with 50ms..1s exponential backoff.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Delay: 50 * time.Millisecond, MaxDelay: time.Second}
}

// Retryable reports whether a failed read may be repeated. Classified errors
// are definitive answers and are returned as-is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return fault.KindOf(err) == fault.KindUnknown
}

// NewExecutor returns a failsafe executor retrying transient read errors.
func NewExecutor[R any](p Policy) failsafe.Executor[R] {
	builder := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return Retryable(err)
		}).
		WithMaxRetries(p.MaxRetries)

	if p.Delay > 0 {
		if p.MaxDelay > p.Delay {
			builder = builder.WithBackoff(p.Delay, p.MaxDelay)
		} else {
			builder = builder.WithDelay(p.Delay)
		}
	}

	return failsafe.With[R](builder.Build())
}

// Get runs fn through the executor. onRetry, if set, is invoked once per
// repeated attempt.
func Get[R any](ctx context.Context, exec failsafe.Executor[R], onRetry func(), fn func(context.Context) (R, error)) (R, error) {
	return exec.WithContext(ctx).GetWithExecution(func(e failsafe.Execution[R]) (R, error) {
		if e.Attempts() > 1 && onRetry != nil {
			onRetry()
		}
		return fn(ctx)
	})
}
