package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Retry runs fn until it succeeds, ctx ends, or maxAttempts calls have failed.
// A maxAttempts of zero or less retries until ctx ends. The last error is
// returned when attempts are exhausted.
func Retry(ctx context.Context, maxAttempts int, fn func(context.Context) error) error {
	return retry(ctx, maxAttempts, Delay, fn)
}

func retry(ctx context.Context, maxAttempts int, delay func(int) time.Duration, fn func(context.Context) error) error {
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		attempt++
		if maxAttempts > 0 && attempt >= maxAttempts {
			return err
		}
		t := time.NewTimer(delay(attempt - 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
