package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/itinerd/internal/clock"
)

// sleepRecorder fires timers immediately and remembers what was asked for.
type sleepRecorder struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *sleepRecorder) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sleepRecorder) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *sleepRecorder) Sleep(d time.Duration) { <-c.After(d) }

func (c *sleepRecorder) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestInvoker(clk clock.Clock, attempts, threshold int) *Invoker {
	return NewInvoker(Config{
		Name:    "agents",
		Policy:  RetryPolicy{MaxAttempts: attempts, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		Breaker: BreakerConfig{Threshold: threshold, Cooldown: 30 * time.Second},
		Clock:   clk,
		Jitter:  func() float64 { return 0 },
	})
}

func TestInvokerRetriesTransientThenSucceeds(t *testing.T) {
	clk := &sleepRecorder{now: time.Unix(0, 0)}
	inv := newTestInvoker(clk, 4, 10)
	calls := 0
	err := inv.Do(context.Background(), "plan", func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	sleeps := clk.recorded()
	if len(sleeps) != 2 || sleeps[0] != 100*time.Millisecond || sleeps[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff %v", sleeps)
	}
	if inv.Breaker().State() != StateClosed || inv.Breaker().Snapshot().ConsecutiveFailures != 0 {
		t.Fatal("success must reset the breaker")
	}
}

func TestInvokerPermanentStopsImmediately(t *testing.T) {
	clk := &sleepRecorder{now: time.Unix(0, 0)}
	inv := newTestInvoker(clk, 5, 1)
	calls := 0
	err := inv.Do(context.Background(), "plan", func(context.Context) error {
		calls++
		return &StatusError{Status: 401, Code: "unauthorized"}
	})
	f, ok := AsFailure(err)
	if !ok {
		t.Fatalf("expected Failure, got %v", err)
	}
	if f.Kind != Permanent || f.Status != 401 || f.Code != "unauthorized" || f.Attempts != 1 {
		t.Fatalf("unexpected failure %+v", f)
	}
	if calls != 1 || len(clk.recorded()) != 0 {
		t.Fatalf("permanent failures must not retry: calls=%d sleeps=%v", calls, clk.recorded())
	}
	if inv.Breaker().State() != StateClosed {
		t.Fatal("permanent failures must not trip the breaker")
	}
}

func TestInvokerExhaustsAttempts(t *testing.T) {
	clk := &sleepRecorder{now: time.Unix(0, 0)}
	inv := newTestInvoker(clk, 3, 10)
	cause := errors.New("connection reset")
	err := inv.Do(context.Background(), "plan", func(context.Context) error { return cause })
	f, ok := AsFailure(err)
	if !ok || f.Kind != Transient || f.Attempts != 3 || !errors.Is(err, cause) {
		t.Fatalf("unexpected result %v", err)
	}
	if !f.Retryable() {
		t.Fatal("exhausted transient failure must be retryable")
	}
	if stats := inv.Stats(); stats.Attempts != 3 || stats.Retries != 2 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestInvokerOpenCircuitSkipsCall(t *testing.T) {
	clk := &sleepRecorder{now: time.Unix(0, 0)}
	inv := newTestInvoker(clk, 1, 2)
	fail := func(context.Context) error { return &StatusError{Status: 500} }
	for i := 0; i < 2; i++ {
		_ = inv.Do(context.Background(), "plan", fail)
	}
	if inv.Breaker().State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", inv.Breaker().State())
	}
	invoked := false
	err := inv.Do(context.Background(), "plan", func(context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Fatal("open circuit must not invoke the call")
	}
	f, ok := AsFailure(err)
	if !ok || f.Status != 503 || f.Code != CodeCircuitOpen || f.Kind != Transient || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("unexpected open-circuit failure %v", err)
	}
	if inv.Stats().Rejected != 1 {
		t.Fatalf("expected one rejection, got %d", inv.Stats().Rejected)
	}
}

func TestInvokerHalfOpenProbe(t *testing.T) {
	clk := &sleepRecorder{now: time.Unix(0, 0)}
	inv := newTestInvoker(clk, 1, 1)
	_ = inv.Do(context.Background(), "plan", func(context.Context) error { return errors.New("down") })
	if inv.Breaker().State() != StateOpen {
		t.Fatal("expected open breaker")
	}
	clk.Sleep(30 * time.Second)
	calls := 0
	if err := inv.Do(context.Background(), "plan", func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("probe should succeed: %v", err)
	}
	if calls != 1 || inv.Breaker().State() != StateClosed {
		t.Fatalf("probe success must close the breaker: calls=%d state=%s", calls, inv.Breaker().State())
	}
}

func TestInvokerCancellationDuringBackoff(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	inv := newTestInvoker(clk, 5, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- inv.Do(ctx, "plan", func(context.Context) error { return &StatusError{Status: 502} })
	}()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("invoker never started its backoff")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not abort the backoff")
	}
	f, ok := AsFailure(err)
	if !ok || f.Kind != Canceled || f.Attempts != 1 || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled failure after one attempt, got %v", err)
	}
	if f.Retryable() {
		t.Fatal("canceled failure must not be retryable")
	}
}

func TestCallReturnsValue(t *testing.T) {
	inv := newTestInvoker(&sleepRecorder{}, 2, 5)
	got, err := Call(context.Background(), inv, "plan", func(context.Context) (string, error) {
		return "day-1", nil
	})
	if err != nil || got != "day-1" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}

func TestInvokerSlowSuccessDoesNotCloseOpenedBreaker(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	inv := newTestInvoker(clk, 1, 2)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- inv.Do(context.Background(), "plan", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	for i := 0; i < 2; i++ {
		_ = inv.Do(context.Background(), "plan", func(context.Context) error { return &StatusError{Status: 502} })
	}
	if inv.Breaker().State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", inv.Breaker().State())
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow call failed: %v", err)
	}
	if inv.Breaker().State() != StateOpen {
		t.Fatalf("slow success must not close the breaker during cooldown, got %s", inv.Breaker().State())
	}
}
