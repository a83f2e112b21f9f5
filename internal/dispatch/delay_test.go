package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func instantSleep(_ context.Context, _ time.Duration) error { return nil }

func TestCountdownTicksEverySecond(t *testing.T) {
	t.Parallel()

	var ticks []int
	done, err := Countdown(context.Background(), 3,
		func(remaining int) { ticks = append(ticks, remaining) },
		nil,
		instantSleep,
	)
	if err != nil {
		t.Fatalf("Countdown() error = %v", err)
	}
	if !done {
		t.Fatal("Countdown() done = false, want true")
	}

	want := []int{3, 2, 1}
	if len(ticks) != len(want) {
		t.Fatalf("ticks = %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("ticks = %v, want %v", ticks, want)
		}
	}
}

func TestCountdownChecksCancellationAtEveryBoundary(t *testing.T) {
	t.Parallel()

	elapsed := 0
	cancelled := func() bool { return elapsed >= 2 }
	sleep := func(context.Context, time.Duration) error {
		elapsed++
		return nil
	}

	done, err := Countdown(context.Background(), 10, nil, cancelled, sleep)
	if err != nil {
		t.Fatalf("Countdown() error = %v", err)
	}
	if done {
		t.Fatal("Countdown() done = true, want false after mid-wait cancel")
	}
	if elapsed != 2 {
		t.Fatalf("slept %d seconds, want 2 (cancel must stop further ticks)", elapsed)
	}
}

func TestCountdownPropagatesSleepError(t *testing.T) {
	t.Parallel()

	wantErr := fmt.Errorf("context deadline exceeded")
	sleep := func(context.Context, time.Duration) error { return wantErr }

	done, err := Countdown(context.Background(), 5, nil, nil, sleep)
	if done {
		t.Fatal("Countdown() done = true, want false")
	}
	if err != wantErr {
		t.Fatalf("Countdown() error = %v, want %v", err, wantErr)
	}
}

func TestCountdownZeroSeconds(t *testing.T) {
	t.Parallel()

	done, err := Countdown(context.Background(), 0, nil, nil, instantSleep)
	if err != nil {
		t.Fatalf("Countdown() error = %v", err)
	}
	if !done {
		t.Fatal("Countdown() done = false, want true for zero seconds")
	}
}

func TestSleepWithContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepWithContext(ctx, time.Minute); err != context.Canceled {
		t.Fatalf("sleepWithContext() error = %v, want context.Canceled", err)
	}
}
