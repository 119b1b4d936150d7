package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/itinerd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	short := clk.After(time.Second)
	long := clk.After(time.Minute)
	if got := clk.Pending(); got != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", got)
	}
	clk.Advance(2 * time.Second)
	select {
	case ts := <-short:
		if !ts.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", ts)
		}
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if got := clk.Pending(); got != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", got)
	}
}

func TestManualSetIgnoresPast(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	clk.Set(start.Add(-time.Hour))
	if !clk.Now().Equal(start) {
		t.Fatalf("clock moved backwards to %v", clk.Now())
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- clock.Wait(ctx, clk, time.Hour)
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancel")
	}
}

func TestWaitReturnsWhenClockAdvances(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	done := make(chan error, 1)
	go func() {
		done <- clock.Wait(context.Background(), clk, 50*time.Millisecond)
	}()
	deadline := time.Now().Add(time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(50 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
