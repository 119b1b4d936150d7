package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pkt.systems/itinerd/api"
	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/storage/memory"
	"pkt.systems/itinerd/internal/upstream"
)

type captureChannel struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (c *captureChannel) Send(_, _ string, data []byte) error {
	var ev broadcast.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureChannel) Close(broadcast.CloseReason) {}

func (c *captureChannel) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (c *captureChannel) last() broadcast.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

type fixture struct {
	locks    *lockmgr.Manager
	hub      *broadcast.Hub
	registry *Registry
	events   *captureChannel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	locks, err := lockmgr.New(lockmgr.Config{Store: memory.New(), CacheTTL: -1})
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	hub := broadcast.NewHub(broadcast.Config{BufferCapacity: 32})
	events := &captureChannel{}
	if _, err := hub.Subscribe("trip_1", broadcast.StrPtr("run-1"), events); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return &fixture{locks: locks, hub: hub, registry: NewRegistry(), events: events}
}

func (f *fixture) runner(t *testing.T, mutate func(*RunnerConfig)) *Runner {
	t.Helper()
	cfg := RunnerConfig{
		Registry:       f.registry,
		Locks:          f.locks,
		Events:         f.hub,
		LockTTL:        time.Second,
		AcquireTimeout: 200 * time.Millisecond,
		Poll:           resilience.RetryPolicy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return r
}

func mustRegister(t *testing.T, reg *Registry, agent Agent) {
	t.Helper()
	if err := reg.Register(agent); err != nil {
		t.Fatalf("register %s: %v", agent.Capability().Kind, err)
	}
}

var testRun = RunRequest{ResourceID: "trip_1", SessionID: "run-1", Owner: "worker-a"}

func TestRegistryValidatesAndOrders(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, *Step) (any, error) { return nil, nil }
	mustRegister(t, reg, FuncAgent{Cap: Capability{Kind: "summary", Stage: 2, LockType: lockmgr.Read}, Fn: noop})
	mustRegister(t, reg, FuncAgent{Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write}, Fn: noop})
	mustRegister(t, reg, FuncAgent{Cap: Capability{Kind: "budget", Stage: 1, LockType: lockmgr.Read}, Fn: noop})

	bad := []Capability{
		{Kind: "", Stage: 1, LockType: lockmgr.Read},
		{Kind: "x", Stage: -1, LockType: lockmgr.Read},
		{Kind: "y", Stage: 1, LockType: "SHARED"},
		{Kind: "planner", Stage: 3, LockType: lockmgr.Read},
	}
	for _, c := range bad {
		if err := reg.Register(FuncAgent{Cap: c, Fn: noop}); !errors.Is(err, ErrInvalidAgent) {
			t.Fatalf("expected ErrInvalidAgent for %+v, got %v", c, err)
		}
	}
	var kinds []string
	for _, c := range reg.Capabilities() {
		kinds = append(kinds, c.Kind)
	}
	if len(kinds) != 3 || kinds[0] != "budget" || kinds[1] != "planner" || kinds[2] != "summary" {
		t.Fatalf("unexpected order %v", kinds)
	}
	if _, ok := reg.Lookup("planner"); !ok {
		t.Fatal("planner must be registered")
	}
}

func TestRunPublishesLifecycle(t *testing.T) {
	f := newFixture(t)
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn: func(ctx context.Context, step *Step) (any, error) {
			locked, err := f.locks.IsLocked(ctx, step.ResourceID)
			if err != nil || !locked {
				return nil, errors.New("stage must hold the lock")
			}
			step.Progress(ctx, 150, "drafting")
			return "day plan", nil
		},
	})
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "summary", Stage: 2, LockType: lockmgr.Read},
		Fn: func(_ context.Context, step *Step) (any, error) {
			return "summary of " + step.Previous["planner"].(string), nil
		},
	})

	res, err := f.runner(t, nil).Run(context.Background(), testRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outputs["summary"] != "summary of day plan" {
		t.Fatalf("unexpected outputs %+v", res.Outputs)
	}
	want := []string{
		broadcast.EventConnectionEstablished,
		EventGenerationStarted,
		EventStageStarted, EventStageProgress, EventStageCompleted,
		EventStageStarted, EventStageCompleted,
		EventGenerationCompleted,
	}
	got := f.events.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s (%v)", i, got[i], want[i], got)
		}
	}
	locked, err := f.locks.IsLocked(context.Background(), "trip_1")
	if err != nil || locked {
		t.Fatalf("lock must be released after the run: locked=%v err=%v", locked, err)
	}
}

func TestRunProgressIsClamped(t *testing.T) {
	f := newFixture(t)
	var progress map[string]any
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn: func(ctx context.Context, step *Step) (any, error) {
			step.Progress(ctx, 150, "drafting")
			progress = f.events.last().Payload.(map[string]any)
			return nil, nil
		},
	})
	if _, err := f.runner(t, nil).Run(context.Background(), testRun); err != nil {
		t.Fatalf("run: %v", err)
	}
	if progress["percent"].(float64) != 100 {
		t.Fatalf("expected clamped percent, got %v", progress["percent"])
	}
}

func TestRunTimesOutWaitingForLock(t *testing.T) {
	f := newFixture(t)
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn:  func(context.Context, *Step) (any, error) { return nil, errors.New("must not run") },
	})
	held, err := f.locks.Acquire(context.Background(), lockmgr.AcquireRequest{ResourceID: "trip_1", Type: lockmgr.Exclusive, Owner: "editor", TTL: time.Minute})
	if err != nil || !held.OK {
		t.Fatalf("seed lock: %+v %v", held, err)
	}
	_, err = f.runner(t, func(c *RunnerConfig) { c.AcquireTimeout = 50 * time.Millisecond }).Run(context.Background(), testRun)
	var timeout *LockTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
	if timeout.Holder == nil || timeout.Holder.Owner != "editor" {
		t.Fatalf("timeout must report the holder, got %+v", timeout.Holder)
	}
	if last := f.events.last(); last.EventType != EventGenerationFailed {
		t.Fatalf("expected generation-failed, got %s", last.EventType)
	}
}

func TestRunWaitsForReleasedLock(t *testing.T) {
	f := newFixture(t)
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn:  func(context.Context, *Step) (any, error) { return "ok", nil },
	})
	if res, err := f.locks.Acquire(context.Background(), lockmgr.AcquireRequest{ResourceID: "trip_1", Type: lockmgr.Exclusive, Owner: "editor", TTL: time.Minute}); err != nil || !res.OK {
		t.Fatalf("seed lock: %+v %v", res, err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.locks.Release(context.Background(), "trip_1", "editor")
	}()
	if _, err := f.runner(t, func(c *RunnerConfig) { c.AcquireTimeout = 2 * time.Second }).Run(context.Background(), testRun); err != nil {
		t.Fatalf("run should acquire after release: %v", err)
	}
}

func TestRunReportsAgentFailure(t *testing.T) {
	f := newFixture(t)
	called := false
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn: func(context.Context, *Step) (any, error) {
			return nil, &resilience.Failure{Op: "plan", Kind: resilience.Transient, Status: 503, Code: "circuit_open", Err: resilience.ErrCircuitOpen}
		},
	})
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "summary", Stage: 2, LockType: lockmgr.Read},
		Fn: func(context.Context, *Step) (any, error) {
			called = true
			return nil, nil
		},
	})
	_, err := f.runner(t, nil).Run(context.Background(), testRun)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit open failure, got %v", err)
	}
	if called {
		t.Fatal("later stages must not run after a failure")
	}
	types := f.events.types()
	if types[len(types)-2] != EventStageFailed || types[len(types)-1] != EventGenerationFailed {
		t.Fatalf("unexpected events %v", types)
	}
	locked, _ := f.locks.IsLocked(context.Background(), "trip_1")
	if locked {
		t.Fatal("failed stage must release its lock")
	}
}

func TestKeepAliveHoldsLeaseDuringLongStage(t *testing.T) {
	f := newFixture(t)
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn: func(ctx context.Context, step *Step) (any, error) {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
			locked, err := f.locks.IsLocked(ctx, step.ResourceID)
			if err != nil || !locked {
				return nil, errors.New("lease expired during the stage")
			}
			return "done", nil
		},
	})
	r := f.runner(t, func(c *RunnerConfig) { c.LockTTL = 90 * time.Millisecond })
	if _, err := r.Run(context.Background(), testRun); err != nil {
		t.Fatalf("run: %v", err)
	}
}

type losingLocker struct {
	*lockmgr.Manager
}

func (losingLocker) Extend(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestLostLeaseCancelsStage(t *testing.T) {
	f := newFixture(t)
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn: func(ctx context.Context, _ *Step) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	r := f.runner(t, func(c *RunnerConfig) {
		c.Locks = losingLocker{f.locks}
		c.LockTTL = 30 * time.Millisecond
	})
	if _, err := r.Run(context.Background(), testRun); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestHTTPAgentCallsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call api.AgentCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(api.AgentResult{Output: map[string]any{"kind": call.Kind, "session": call.SessionID}})
	}))
	defer srv.Close()

	inv := resilience.NewInvoker(resilience.Config{Name: "agents", Policy: resilience.RetryPolicy{MaxAttempts: 1}})
	client, err := upstream.New(upstream.Config{BaseURL: srv.URL, Invoker: inv})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	f := newFixture(t)
	mustRegister(t, f.registry, NewHTTPAgent(Capability{Kind: "lodging", Stage: 1, LockType: lockmgr.Write}, client, ""))
	res, err := f.runner(t, func(c *RunnerConfig) { c.Invoker = inv }).Run(context.Background(), testRun)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := res.Outputs["lodging"].(map[string]any)
	if out["kind"] != "lodging" || out["session"] != "run-1" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	mustRegister(t, f.registry, FuncAgent{
		Cap: Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn: func(ctx context.Context, _ *Step) (any, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	r := f.runner(t, nil)
	if err := r.Start(context.Background(), testRun); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.InFlight() != 1 {
		t.Fatalf("expected one run in flight, got %d", r.InFlight())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)
	if r.InFlight() != 0 {
		t.Fatalf("expected no runs after close, got %d", r.InFlight())
	}
	if err := r.Start(context.Background(), testRun); !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("expected ErrRunnerClosed, got %v", err)
	}
}

func TestRunRejectsEmptyRegistry(t *testing.T) {
	f := newFixture(t)
	if _, err := f.runner(t, nil).Run(context.Background(), testRun); !errors.Is(err, ErrNoAgents) {
		t.Fatalf("expected ErrNoAgents, got %v", err)
	}
}
