package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds RetryOnConflict.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times: 100ms, 200ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs fn until it succeeds, returns a non-conflict error, or
// the attempts are used up. Delays double after each SQLite conflict.
func RetryOnConflict(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	return Retry(ctx, p, op, IsSQLiteConflictError, fn)
}

// Retry runs fn until it succeeds, returns an error retryable rejects, or the
// attempts are used up. Delays double after each retryable failure.
func Retry(ctx context.Context, p RetryPolicy, op string, retryable func(error) bool, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for i := 0; i < p.Attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || i == p.Attempts-1 {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<i)
		slog.Debug("Retrying", "op", op, "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	if retryable(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", op, p.Attempts, err)
	}
	return err
}
