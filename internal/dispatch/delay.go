package dispatch

import (
	"context"
	"time"
)

// TickFunc observes the remaining whole seconds of a countdown at each
// one-second boundary.
type TickFunc func(remaining int)

// SleepFunc suspends for d or returns early with the context error.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Countdown waits the given number of seconds one tick at a time, reporting
// the remaining value before each tick and consulting cancelled at every
// boundary rather than only at the start. It returns false when the wait was
// abandoned early.
func Countdown(ctx context.Context, seconds int, tick TickFunc, cancelled func() bool, sleep SleepFunc) (bool, error) {
	if sleep == nil {
		sleep = sleepWithContext
	}

	for remaining := seconds; remaining > 0; remaining-- {
		if cancelled != nil && cancelled() {
			return false, nil
		}
		if tick != nil {
			tick(remaining)
		}
		if err := sleep(ctx, time.Second); err != nil {
			return false, err
		}
	}

	if cancelled != nil && cancelled() {
		return false, nil
	}
	return true, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
