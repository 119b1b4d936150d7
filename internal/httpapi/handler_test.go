package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/itinerd/api"
	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/lsf"
	"pkt.systems/itinerd/internal/pipeline"
	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/storage/memory"
)

type testEnv struct {
	srv      *httptest.Server
	locks    *lockmgr.Manager
	hub      *broadcast.Hub
	registry *pipeline.Registry
	runner   *pipeline.Runner
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	locks, err := lockmgr.New(lockmgr.Config{Store: memory.New()})
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	hub := broadcast.NewHub(broadcast.Config{})
	registry := pipeline.NewRegistry()
	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{Registry: registry, Locks: locks, Events: hub})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	cfg := Config{
		Locks:    locks,
		Hub:      hub,
		Runner:   runner,
		Registry: registry,
		Invoker:  resilience.NewInvoker(resilience.Config{Name: "agents"}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = runner.Close(ctx)
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{srv: srv, locks: locks, hub: hub, registry: registry, runner: runner}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %T: %v", out, err)
	}
	return out
}

func TestLockEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/v1/locks/acquire", api.AcquireRequest{ResourceID: "node_1", LockType: "exclusive", OwnerID: "a", TTLMillis: 5000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: status %d", resp.StatusCode)
	}
	granted := decodeInto[api.AcquireResponse](t, resp)
	if !granted.OK || granted.Lock == nil || granted.Lock.LockType != api.LockExclusive || granted.Lock.ExpiresAt-granted.Lock.CreatedAt != 5000 {
		t.Fatalf("unexpected grant %+v", granted)
	}

	resp = env.post(t, "/v1/locks/acquire", api.AcquireRequest{ResourceID: "node_1", LockType: "EXCLUSIVE", OwnerID: "b", TTLMillis: 5000})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	conflict := decodeInto[api.AcquireResponse](t, resp)
	if conflict.OK || conflict.Reason != lockmgr.ReasonConflict || conflict.Holder == nil || conflict.Holder.OwnerID != "a" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}

	resp = env.post(t, "/v1/locks/release", api.ReleaseRequest{ResourceID: "node_1", OwnerID: "b"})
	if resp.StatusCode != http.StatusConflict || decodeInto[api.ErrorResponse](t, resp).ErrorCode != "not_owner" {
		t.Fatalf("non-owner release must be rejected, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/v1/locks/extend", api.ExtendRequest{ResourceID: "node_1", OwnerID: "a", AdditionalMillis: 1000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("extend: status %d", resp.StatusCode)
	}

	status, err := http.Get(env.srv.URL + "/v1/locks/status?resource=node_1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer status.Body.Close()
	st := decodeInto[api.LockStatusResponse](t, status)
	if !st.Locked || len(st.Holders) != 1 || st.Holders[0].ExpiresAt-st.Holders[0].CreatedAt != 6000 {
		t.Fatalf("unexpected status %+v", st)
	}

	resp = env.post(t, "/v1/locks/release", api.ReleaseRequest{ResourceID: "node_1", OwnerID: "a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: status %d", resp.StatusCode)
	}
	resp = env.post(t, "/v1/locks/release-all", api.ReleaseAllRequest{OwnerID: "a"})
	if got := decodeInto[api.ResultResponse](t, resp); !got.OK || got.Count != 0 {
		t.Fatalf("unexpected release-all %+v", got)
	}
}

func TestLockEndpointsRejectBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []struct {
		path string
		body any
		code string
	}{
		{"/v1/locks/acquire", api.AcquireRequest{ResourceID: "n", LockType: "SHARED", OwnerID: "a"}, "invalid_lock_type"},
		{"/v1/locks/acquire", api.AcquireRequest{ResourceID: "n", LockType: "READ", OwnerID: "a", TTLMillis: -1}, "invalid_ttl"},
		{"/v1/locks/acquire", api.AcquireRequest{ResourceID: "", LockType: "READ", OwnerID: "a"}, "invalid_request"},
		{"/v1/locks/acquire", `{"resourceId":"n","bogus":1}`, "invalid_body"},
		{"/v1/locks/extend", api.ExtendRequest{ResourceID: "n", OwnerID: "a"}, "invalid_ttl"},
	}
	for _, tc := range cases {
		resp := env.post(t, tc.path, tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s %v: expected 400, got %d", tc.path, tc.body, resp.StatusCode)
		}
		if got := decodeInto[api.ErrorResponse](t, resp); got.ErrorCode != tc.code {
			t.Fatalf("%s %v: expected %s, got %s", tc.path, tc.body, tc.code, got.ErrorCode)
		}
	}
}

func TestPublishEnforcesSizeLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.PublishMaxBytes = 128 })
	resp := env.post(t, "/v1/events/publish", api.PublishRequest{ResourceID: "trip_1", EventType: "note", Payload: strings.Repeat("x", 512)})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	resp = env.post(t, "/v1/events/publish", api.PublishRequest{ResourceID: "trip_1", EventType: "note", Payload: "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	ev := decodeInto[api.Event](t, resp)
	if ev.ResourceID != "trip_1" || ev.SequenceID == "" || ev.SessionID != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	resp = env.post(t, "/v1/events/publish", api.PublishRequest{ResourceID: "trip_1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing event type, got %d", resp.StatusCode)
	}
}

type sseEvent struct {
	id   string
	name string
	data string
}

type sseReader struct {
	resp *http.Response
	r    *bufio.Reader
}

func (env *testEnv) subscribe(t *testing.T, query string) *sseReader {
	t.Helper()
	resp, err := http.Get(env.srv.URL + "/v1/events/subscribe?" + query)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subscribe: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return &sseReader{resp: resp, r: bufio.NewReader(resp.Body)}
}

// next returns the next event frame, skipping comments.
func (s *sseReader) next() (sseEvent, error) {
	var ev sseEvent
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data += strings.TrimPrefix(line, "data: ")
		}
	}
}

func (s *sseReader) mustNext(t *testing.T) sseEvent {
	t.Helper()
	ev, err := s.next()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 1; i <= 3; i++ {
		env.post(t, "/v1/events/publish", api.PublishRequest{ResourceID: "trip_1", EventType: fmt.Sprintf("stage-%d", i)})
	}
	stream := env.subscribe(t, "resource=trip_1")
	for i := 1; i <= 3; i++ {
		ev := stream.mustNext(t)
		if ev.name != fmt.Sprintf("stage-%d", i) {
			t.Fatalf("replay %d: got %s", i, ev.name)
		}
		var envelope api.Event
		if err := json.Unmarshal([]byte(ev.data), &envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if envelope.SequenceID != ev.id {
			t.Fatalf("frame id %q must equal sequence id %q", ev.id, envelope.SequenceID)
		}
	}
	if ev := stream.mustNext(t); ev.name != broadcast.EventConnectionEstablished {
		t.Fatalf("expected handshake, got %s", ev.name)
	}
	env.post(t, "/v1/events/publish", api.PublishRequest{ResourceID: "trip_1", EventType: "live"})
	if ev := stream.mustNext(t); ev.name != "live" {
		t.Fatalf("expected live event, got %s", ev.name)
	}

	resp := env.post(t, "/v1/resources/close", api.CloseResourceRequest{ResourceID: "trip_1"})
	if got := decodeInto[api.CloseResourceResponse](t, resp); got.Closed != 1 {
		t.Fatalf("expected one closed subscriber, got %+v", got)
	}
	if _, err := stream.next(); err == nil {
		t.Fatal("stream must end after the resource is closed")
	}
}

func TestSubscribeIdleTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SSEIdleTimeout = 50 * time.Millisecond
		c.SSEHeartbeat = 10 * time.Millisecond
	})
	stream := env.subscribe(t, "resource=trip_1&session=run-1")
	if ev := stream.mustNext(t); ev.name != broadcast.EventConnectionEstablished {
		t.Fatalf("expected handshake, got %s", ev.name)
	}
	done := make(chan error, 1)
	go func() {
		_, err := stream.next()
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected stream to end")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle stream was not closed")
	}
	deadline := time.Now().Add(time.Second)
	for env.hub.Stats().TotalSubscribers != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out subscriber was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribeRequiresResource(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/v1/events/subscribe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStartRunStreamsProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.registry.Register(pipeline.FuncAgent{
		Cap: pipeline.Capability{Kind: "planner", Stage: 1, LockType: lockmgr.Write},
		Fn:  func(context.Context, *pipeline.Step) (any, error) { return "plan", nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	stream := env.subscribe(t, "resource=trip_1&session=run-7")
	stream.mustNext(t)

	resp := env.post(t, "/v1/runs", api.RunRequest{ResourceID: "trip_1", SessionID: "run-7"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	run := decodeInto[api.RunResponse](t, resp)
	if run.OwnerID != "run/run-7" || run.Stages != 1 {
		t.Fatalf("unexpected run %+v", run)
	}
	want := []string{
		pipeline.EventGenerationStarted,
		pipeline.EventStageStarted,
		pipeline.EventStageCompleted,
		pipeline.EventGenerationCompleted,
	}
	for _, name := range want {
		if ev := stream.mustNext(t); ev.name != name {
			t.Fatalf("expected %s, got %s", name, ev.name)
		}
	}
}

func TestStatsAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.post(t, "/v1/locks/acquire", api.AcquireRequest{ResourceID: "node_1", LockType: "READ", OwnerID: "a"})
	resp, err := http.Get(env.srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		Locks    lockmgr.Stats           `json:"locks"`
		Upstream resilience.InvokerStats `json:"upstream"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Locks.ActiveLocks != 1 || stats.Upstream.Breaker.State != "closed" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
		if resp.Header.Get(headerRequestID) == "" {
			t.Fatalf("%s: request id header missing", path)
		}
	}
}

func TestReadyReportsFailure(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Ready = func(context.Context) error { return errors.New("store unreachable") }
	})
	resp, err := http.Get(env.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("unexpected readiness response %d", resp.StatusCode)
	}
}

func TestToHTTPErrorMapsFailures(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&resilience.Failure{Kind: resilience.Transient, Status: 503, Code: resilience.CodeCircuitOpen, Err: resilience.ErrCircuitOpen}, 503, "circuit_open"},
		{&resilience.Failure{Kind: resilience.Permanent, Status: 401, Code: "unauthorized", Err: errors.New("x")}, 401, "unauthorized"},
		{fmt.Errorf("acquire: %w", lockmgr.ErrContention), 503, "lock_contention"},
		{&pipeline.LockTimeoutError{ResourceID: "n"}, 409, "lock_timeout"},
		{broadcast.ErrHubClosed, 503, "shutting_down"},
		{errors.New("boom"), 500, "internal_error"},
	}
	for _, tc := range cases {
		got := toHTTPError(tc.err)
		if got.Status != tc.status || got.Code != tc.code {
			t.Fatalf("%v: got %d/%s want %d/%s", tc.err, got.Status, got.Code, tc.status, tc.code)
		}
	}
	if got := storeError(errors.New("s3 down")); got.(httpError).Code != "store_unavailable" {
		t.Fatalf("store errors must fail closed as 503, got %v", got)
	}
}

func TestThrottledPublishGets429(t *testing.T) {
	throttle := qrf.NewController(qrf.Config{
		Enabled:         true,
		Inflight:        map[qrf.Kind]qrf.Limits{qrf.KindPublish: {Soft: 1, Hard: 1}},
		RecoverySamples: 1,
	})
	observer := lsf.NewObserver(lsf.Config{Enabled: true}, throttle, nil)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Throttle = throttle
		cfg.Observer = observer
	})
	var busy qrf.Snapshot
	busy.Inflight[qrf.KindPublish] = 1
	throttle.Observe(busy)

	resp := env.post(t, "/v1/events/publish", api.PublishRequest{ResourceID: "it-1", EventType: "x"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", resp.Header.Get("Retry-After"))
	}
	if code := decodeInto[api.ErrorResponse](t, resp).ErrorCode; code != "throttled" {
		t.Fatalf("expected throttled, got %q", code)
	}

	resp = env.post(t, "/v1/locks/acquire", api.AcquireRequest{ResourceID: "it-1", LockType: "WRITE", OwnerID: "a", TTLMillis: 5000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock traffic must not be throttled, got %d", resp.StatusCode)
	}
	deadline := time.Now().Add(time.Second)
	for observer.Inflight(qrf.KindLock) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected inflight released after request, got %d", observer.Inflight(qrf.KindLock))
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(env.srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	stats := decodeInto[struct {
		Throttle struct {
			State  string `json:"state"`
			Reason string `json:"reason"`
		} `json:"throttle"`
	}](t, resp)
	if stats.Throttle.State != "engaged" || stats.Throttle.Reason != "publish_inflight_hard" {
		t.Fatalf("unexpected throttle stats %+v", stats.Throttle)
	}
}
