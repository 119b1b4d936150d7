package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/itinerd/internal/storage"
)

func doc(resource string, holders ...storage.Holder) *storage.LockDocument {
	return &storage.LockDocument{ResourceID: resource, Holders: holders}
}

func TestStoreCASLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Load(ctx, "node_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	etag, err := s.Store(ctx, "node_1", doc("node_1", storage.Holder{Owner: "a", Type: storage.LockWrite}), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Store(ctx, "node_1", doc("node_1"), ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected create conflict, got %v", err)
	}
	if _, err := s.Store(ctx, "node_1", doc("node_1"), "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag mismatch, got %v", err)
	}
	if _, err := s.Store(ctx, "node_2", doc("node_2"), "etag"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing doc update, got %v", err)
	}
	res, err := s.Load(ctx, "node_1")
	if err != nil || res.ETag != etag {
		t.Fatalf("load: %v etag=%q want %q", err, res.ETag, etag)
	}
	res.Doc.Holders[0].Owner = "mutated"
	again, _ := s.Load(ctx, "node_1")
	if again.Doc.Holders[0].Owner != "a" {
		t.Fatal("load must return a copy")
	}
	if err := s.Delete(ctx, "node_1", "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete mismatch, got %v", err)
	}
	if err := s.Delete(ctx, "node_1", etag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "node_1", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestStoreQueries(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.UnixMilli(1_000_000)
	mustStore := func(d *storage.LockDocument) {
		t.Helper()
		if _, err := s.Store(ctx, d.ResourceID, d, ""); err != nil {
			t.Fatalf("store %s: %v", d.ResourceID, err)
		}
	}
	mustStore(doc("a", storage.Holder{Owner: "alice", Type: storage.LockRead, ExpiresAtMillis: now.UnixMilli() - 1}))
	mustStore(doc("b", storage.Holder{Owner: "bob", Type: storage.LockWrite, ExpiresAtMillis: now.UnixMilli() + 1}))
	mustStore(doc("c",
		storage.Holder{Owner: "alice", Type: storage.LockRead, ExpiresAtMillis: now.UnixMilli() + 10},
		storage.Holder{Owner: "bob", Type: storage.LockRead, ExpiresAtMillis: now.UnixMilli() - 10},
	))

	expired, err := s.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 || expired[0] != "a" || expired[1] != "c" {
		t.Fatalf("unexpected expired set %v", expired)
	}
	owned, err := s.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(owned) != 2 || owned[0] != "a" || owned[1] != "c" {
		t.Fatalf("unexpected owner set %v", owned)
	}
	inv, err := s.Inventory(ctx, now)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if inv.Resources != 3 || inv.ActiveHolders != 2 || inv.ExpiredHolders != 2 {
		t.Fatalf("unexpected inventory %+v", inv)
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Load(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
