package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/itinerd/api"
	"pkt.systems/itinerd/internal/resilience"
)

func newTestClient(t *testing.T, url string, attempts int) *Client {
	t.Helper()
	inv := resilience.NewInvoker(resilience.Config{
		Name:   "agents",
		Policy: resilience.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
		Jitter: func() float64 { return 0 },
	})
	c, err := New(Config{BaseURL: url, Timeout: time.Second, Invoker: inv})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestCallDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/planner" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Errorf("request id header missing")
		}
		var call api.AgentCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(api.AgentResult{Output: "plan for " + call.ResourceID})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	var out api.AgentResult
	if err := c.Call(context.Background(), "agents/planner", api.AgentCall{Kind: "planner", ResourceID: "trip_1"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Output != "plan for trip_1" {
		t.Fatalf("unexpected output %v", out.Output)
	}
}

func TestCallRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(api.AgentResult{Output: "ok"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	var out api.AgentResult
	if err := c.Call(context.Background(), "agents/x", struct{}{}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 hits, got %d", hits.Load())
	}
}

func TestCallSurfacesPermanentErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: "invalid_destination", Detail: "unknown city"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5)
	err := c.Call(context.Background(), "agents/x", struct{}{}, nil)
	f, ok := resilience.AsFailure(err)
	if !ok {
		t.Fatalf("expected failure, got %v", err)
	}
	if f.Kind != resilience.Permanent || f.Status != http.StatusUnprocessableEntity || f.Code != "invalid_destination" {
		t.Fatalf("unexpected failure %+v", f)
	}
	if hits.Load() != 1 {
		t.Fatalf("permanent error must not be retried, got %d hits", hits.Load())
	}
}

func TestNewValidatesConfig(t *testing.T) {
	inv := resilience.NewInvoker(resilience.Config{})
	for _, base := range []string{"", "ftp://agents", "://bad"} {
		if _, err := New(Config{BaseURL: base, Invoker: inv}); err == nil {
			t.Fatalf("expected error for %q", base)
		}
	}
	if _, err := New(Config{BaseURL: "http://agents"}); err == nil {
		t.Fatal("expected error without invoker")
	}
}
