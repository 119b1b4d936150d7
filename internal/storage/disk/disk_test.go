package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/itinerd/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDiskStoreCASLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	if _, err := s.Load(ctx, "graph/node_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	doc := &storage.LockDocument{ResourceID: "graph/node_1", Holders: []storage.Holder{{Owner: "a", Type: storage.LockWrite, ExpiresAtMillis: 10}}}
	etag, err := s.Store(ctx, "graph/node_1", doc, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Store(ctx, "graph/node_1", doc, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected create conflict, got %v", err)
	}
	if _, err := s.Store(ctx, "graph/node_1", doc, "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag mismatch, got %v", err)
	}
	if _, err := s.Store(ctx, "missing", doc, "etag"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for update of missing record, got %v", err)
	}
	res, err := s.Load(ctx, "graph/node_1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.ETag != etag || len(res.Doc.Holders) != 1 || res.Doc.Holders[0].Owner != "a" {
		t.Fatalf("unexpected load result %+v (etag %q want %q)", res.Doc, res.ETag, etag)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "locks", "graph%2Fnode_1.json")); err != nil {
		t.Fatalf("expected escaped record file: %v", err)
	}
	if err := s.Delete(ctx, "graph/node_1", "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete mismatch, got %v", err)
	}
	if err := s.Delete(ctx, "graph/node_1", etag); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "graph/node_1", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestDiskStoreQueriesSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "store")
	s, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	now := time.UnixMilli(1_000_000)
	records := map[string][]storage.Holder{
		"a": {{Owner: "alice", Type: storage.LockRead, ExpiresAtMillis: now.UnixMilli() - 1}},
		"b": {{Owner: "bob", Type: storage.LockWrite, ExpiresAtMillis: now.UnixMilli() + 1000}},
		"c": {
			{Owner: "alice", Type: storage.LockRead, ExpiresAtMillis: now.UnixMilli() + 1000},
			{Owner: "carol", Type: storage.LockRead, ExpiresAtMillis: now.UnixMilli() + 1000},
		},
	}
	for id, holders := range records {
		if _, err := s.Store(ctx, id, &storage.LockDocument{ResourceID: id, Holders: holders}, ""); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	_ = s.Close()

	reopened, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	expired, err := reopened.ListExpired(ctx, now)
	if err != nil || len(expired) != 1 || expired[0] != "a" {
		t.Fatalf("list expired: %v %v", expired, err)
	}
	owned, err := reopened.ListByOwner(ctx, "alice")
	if err != nil || len(owned) != 2 || owned[0] != "a" || owned[1] != "c" {
		t.Fatalf("list by owner: %v %v", owned, err)
	}
	inv, err := reopened.Inventory(ctx, now)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if inv.Resources != 3 || inv.ActiveHolders != 3 || inv.ExpiredHolders != 1 {
		t.Fatalf("unexpected inventory %+v", inv)
	}
}

func TestDiskStoreConcurrentCASHasOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	etag, err := s.Store(ctx, "node", &storage.LockDocument{ResourceID: "node"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Store(ctx, "node", &storage.LockDocument{ResourceID: "node"}, etag)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, storage.ErrCASMismatch) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one CAS winner, got %d", wins)
	}
}

func TestDiskStoreRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Root: "  "}); err == nil {
		t.Fatal("expected error for empty root")
	}
	s := newStore(t)
	if _, err := s.Store(context.Background(), "", &storage.LockDocument{}, ""); err == nil {
		t.Fatal("expected error for empty resource id")
	}
	if _, err := s.Store(context.Background(), "x", nil, ""); err == nil {
		t.Fatal("expected error for nil document")
	}
}
