package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// retryableError marks a failure worth another attempt. After, when set,
// is the server's Retry-After hint.
type retryableError struct {
	err   error
	after time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func retryable(err error, after time.Duration) error {
	return &retryableError{err: err, after: after}
}

type retrier struct {
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	logger        *slog.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

func newRetrier(cfg Config, logger *slog.Logger) *retrier {
	return &retrier{
		maxRetries:    cfg.MaxRetries,
		baseDelay:     cfg.BaseDelay,
		maxDelay:      cfg.MaxDelay,
		backoffFactor: 2.0,
		logger:        logger,
		sleep:         sleepCtx,
	}
}

// do runs op until it succeeds, fails permanently or runs out of attempts
func (r *retrier) do(ctx context.Context, op func(context.Context) error) error {
	attempts := r.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("request succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := r.backoff(attempt)
		if re.after > delay {
			delay = min(re.after, r.maxDelay)
		}

		r.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// backoff is exponential in attempt with +/-25% jitter, capped at maxDelay
func (r *retrier) backoff(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(r.backoffFactor, float64(attempt-1))

	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter

	d := time.Duration(delay)
	if d > r.maxDelay {
		d = r.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
