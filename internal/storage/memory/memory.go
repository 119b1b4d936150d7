// Package memory provides an in-process LockStore for tests, development and
// single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/itinerd/internal/ids"
	"pkt.systems/itinerd/internal/storage"
)

// Store implements storage.LockStore with a mutex-guarded map.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*entry
}

type entry struct {
	doc  *storage.LockDocument
	etag string
}

// New returns an empty store.
func New() *Store {
	return &Store{docs: make(map[string]*entry)}
}

// Load returns a copy of the document stored for resourceID.
func (s *Store) Load(ctx context.Context, resourceID string) (storage.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.LoadResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[resourceID]
	if !ok {
		return storage.LoadResult{}, storage.ErrNotFound
	}
	return storage.LoadResult{Doc: e.doc.Clone(), ETag: e.etag}, nil
}

// Store writes doc under CAS semantics.
func (s *Store) Store(ctx context.Context, resourceID string, doc *storage.LockDocument, expectedETag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("memory: nil document for %q", resourceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.docs[resourceID]
	switch {
	case expectedETag != "" && !ok:
		return "", storage.ErrNotFound
	case expectedETag != "" && e.etag != expectedETag:
		return "", storage.ErrCASMismatch
	case expectedETag == "" && ok:
		return "", storage.ErrCASMismatch
	}
	etag := ids.NewETag()
	s.docs[resourceID] = &entry{doc: doc.Clone(), etag: etag}
	return etag, nil
}

// Delete removes the document for resourceID.
func (s *Store) Delete(ctx context.Context, resourceID string, expectedETag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.docs[resourceID]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && e.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.docs, resourceID)
	return nil
}

// ListExpired returns resources holding a lease that expired before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	return s.collect(ctx, func(doc *storage.LockDocument) bool {
		return doc.HasExpired(now)
	})
}

// ListByOwner returns resources with a holder owned by owner.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]string, error) {
	return s.collect(ctx, func(doc *storage.LockDocument) bool {
		return doc.HasOwner(owner)
	})
}

// Inventory counts documents and holders.
func (s *Store) Inventory(ctx context.Context, now time.Time) (storage.Inventory, error) {
	if err := ctx.Err(); err != nil {
		return storage.Inventory{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var inv storage.Inventory
	for _, e := range s.docs {
		inv.Tally(e.doc, now)
	}
	return inv, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) collect(ctx context.Context, match func(*storage.LockDocument) bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]string, 0)
	for id, e := range s.docs {
		if match(e.doc) {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}
