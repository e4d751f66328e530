// Package retry drives bounded retries with exponential backoff. Attempts
// report their outcome explicitly; only a returned error is retried.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop. The delay before retry n (1-indexed) is
// Backoff * 2^n, so the default policy sleeps 2s then 4s.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultPolicy returns three attempts with a one second backoff unit.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: time.Second}
}

// Delay returns the pause before retry n.
func (p Policy) Delay(n int) time.Duration {
	return p.Backoff * time.Duration(1<<n)
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls attempt until it returns a nil error or the policy is exhausted.
// onRetry, when non-nil, is called before each backoff sleep. No sleep
// follows the final failed attempt. The last error is returned on
// exhaustion, or the context error if a sleep is interrupted.
func Do[T any](ctx context.Context, p Policy, sleep Sleeper, attempt func(context.Context) (T, error), onRetry func(n int, delay time.Duration, err error)) (T, error) {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := max(p.MaxAttempts, 1)

	var (
		out T
		err error
	)
	for n := 1; ; n++ {
		out, err = attempt(ctx)
		if err == nil {
			return out, nil
		}
		if n >= attempts {
			return out, err
		}
		delay := p.Delay(n)
		if onRetry != nil {
			onRetry(n, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return out, sleepErr
		}
	}
}
