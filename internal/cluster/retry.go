package cluster

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	Attempts int           // total attempts, including the first
	Initial  time.Duration // backoff after the first failure
	Max      time.Duration // backoff ceiling
}

// DefaultRetryPolicy makes five attempts with backoff from 100ms up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Initial: 100 * time.Millisecond, Max: 2 * time.Second}
}

// Retry runs fn until it succeeds, returns an error other than
// ErrTransientUnavailable, runs out of attempts or ctx ends. Backoff doubles
// after each failure up to p.Max.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Initial

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !errors.Is(err, ErrTransientUnavailable) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if p.Max > 0 && backoff > p.Max {
			backoff = p.Max
		}
	}
	return err
}
