package storage

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
)

// RetryPolicy bounds caller-side retries of transient backend errors.
type RetryPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 5,
	}
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, op func(context.Context) error) error {
	if p.MaxRetries <= 0 {
		return op(ctx)
	}
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: p.MinBackoff,
		MaxBackoff: p.MaxBackoff,
		MaxRetries: p.MaxRetries,
	})
	var err error
	for b.Ongoing() {
		err = op(ctx)
		if !IsRetryable(err) {
			return err
		}
		b.Wait()
	}
	if err == nil {
		// context ended before the first attempt
		return b.Err()
	}
	return err
}
