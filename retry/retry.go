// Package retry re-runs failed backend calls with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/m4xw311/iabuilder/clock"
	"github.com/m4xw311/iabuilder/errors"
)

// Config controls retry behavior. MaxRetries counts retries after the first
// attempt, so MaxRetries == 2 allows three calls in total.
type Config struct {
	MaxRetries int
	// Backoff is the delay before the first retry; it doubles on each
	// subsequent retry up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// ShouldRetry decides whether err is worth another attempt. A nil
	// ShouldRetry retries everything except context errors.
	ShouldRetry func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
	Clock   clock.Clock
}

// RetryAfterer is implemented by errors that carry a server-suggested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var lastErr error
	for attempt := 0; attempt <= normalizedRetries(cfg.MaxRetries); attempt++ {
		if attempt > 0 {
			delay := backoffFor(cfg, attempt, lastErr)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, delay, lastErr)
			}
			select {
			case <-ctx.Done():
				return zero, errors.Wrapf(ctx.Err(), "retry interrupted after %d attempt(s)", attempt)
			case <-clk.After(delay):
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !shouldRetry(ctx, cfg, err) {
			break
		}
	}
	return zero, lastErr
}

func normalizedRetries(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func backoffFor(cfg Config, attempt int, err error) time.Duration {
	delay := cfg.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxBackoff > 0 && delay >= cfg.MaxBackoff {
			delay = cfg.MaxBackoff
			break
		}
	}
	var hinted RetryAfterer
	if errors.As(err, &hinted) && hinted.RetryAfter() > delay {
		delay = hinted.RetryAfter()
	}
	return delay
}

func shouldRetry(ctx context.Context, cfg Config, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if cfg.ShouldRetry == nil {
		return true
	}
	return cfg.ShouldRetry(err)
}
