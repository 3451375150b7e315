package engine

import (
	"context"
	"time"
)

// RetryPolicy drives synchronization retries. The delay before retry n
// (counting from 0) is Base * 2^n. MaxAttempts of zero retries forever.
type RetryPolicy struct {
	Base        time.Duration
	MaxAttempts int
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy waits 1s, 2s, 4s, ... with no attempt ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second}
}

// Delay returns the wait before retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt > 32 {
		attempt = 32
	}
	return p.Base << uint(attempt)
}

// Do runs op until it succeeds, ctx is cancelled or MaxAttempts is reached.
// onError sees every failure before the wait.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, onError func(attempt int, err error)) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onError != nil {
			onError(attempt, err)
		}
		if p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts {
			return err
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
