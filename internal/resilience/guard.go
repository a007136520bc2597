package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Guard wraps a collaborator call in a per-call timeout, an optional circuit
// breaker and a retry policy. The timeout bounds the whole call including
// retries, so a slow collaborator degrades instead of stalling the caller.
type Guard struct {
	Timeout time.Duration
	Retry   RetryConfig
	Breaker *CircuitBreaker
}

// Call runs fn under g. A zero Guard runs fn once with no deadline beyond ctx.
func Call[T any](ctx context.Context, g Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	attempt := fn
	if g.Breaker != nil {
		attempt = func(ctx context.Context) (T, error) {
			return ExecuteVal(ctx, g.Breaker, fn)
		}
	}

	retry := g.Retry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	shouldRetry := retry.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	// An open breaker will not close within the retry window.
	retry.ShouldRetry = func(err error) bool {
		return !eris.Is(err, ErrCircuitOpen) && shouldRetry(err)
	}

	val, err := DoVal(ctx, retry, attempt)
	if err != nil && g.Timeout > 0 && ctx.Err() == context.DeadlineExceeded {
		var zero T
		return zero, eris.Wrapf(err, "resilience: timed out after %s", g.Timeout)
	}
	return val, err
}
