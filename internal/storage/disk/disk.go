// Package disk implements a LockStore on the local filesystem. Each resource
// is one JSON record written atomically; writers serialise per resource with
// an in-process mutex plus an advisory file lock so several itinerd processes
// may share a root.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/itinerd/internal/ids"
	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

const recordSuffix = ".json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
}

// Store implements storage.LockStore backed by the local filesystem.
type Store struct {
	root    string
	docDir  string
	tmpDir  string
	lockDir string

	locks sync.Map
}

type record struct {
	ETag string                `json:"etag"`
	Doc  *storage.LockDocument `json:"doc"`
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:    root,
		docDir:  filepath.Join(root, "locks"),
		tmpDir:  filepath.Join(root, "tmp"),
		lockDir: filepath.Join(root, "flock"),
	}
	for _, dir := range []string{s.docDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// Close is a no-op; every write is durable when it returns.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.Ensure(pslog.LoggerFromContext(ctx)).With("storage_backend", "disk")
}

func (s *Store) keyLock(encoded string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(encoded, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) acquireFileLock(encoded string) (*fileLock, error) {
	f, err := os.OpenFile(filepath.Join(s.lockDir, encoded+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock resource: %w", err)
	}
	return &fileLock{file: f}, nil
}

// lock serialises writers for encoded within and across processes.
func (s *Store) lock(encoded string) (func() error, error) {
	mu := s.keyLock(encoded)
	mu.Lock()
	fl, err := s.acquireFileLock(encoded)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() error {
		defer mu.Unlock()
		return fl.Unlock()
	}, nil
}

func encodeKey(resourceID string) (string, error) {
	if resourceID == "" {
		return "", fmt.Errorf("disk: resource id required")
	}
	encoded := url.PathEscape(resourceID)
	if strings.Contains(encoded, "..") {
		return "", fmt.Errorf("disk: invalid resource id %q", resourceID)
	}
	return encoded, nil
}

func (s *Store) docPath(encoded string) string {
	return filepath.Join(s.docDir, encoded+recordSuffix)
}

// Load returns the document stored for resourceID.
func (s *Store) Load(ctx context.Context, resourceID string) (storage.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.LoadResult{}, err
	}
	encoded, err := encodeKey(resourceID)
	if err != nil {
		return storage.LoadResult{}, err
	}
	rec, err := s.readRecord(encoded)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger(ctx).Debug("disk.load.error", "resource", resourceID, "error", err)
		}
		return storage.LoadResult{}, err
	}
	return storage.LoadResult{Doc: rec.Doc, ETag: rec.ETag}, nil
}

// Store persists doc with conditional semantics. An empty expectedETag
// creates the record and fails when it already exists.
func (s *Store) Store(ctx context.Context, resourceID string, doc *storage.LockDocument, expectedETag string) (etag string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("disk: nil document for %q", resourceID)
	}
	encoded, err := encodeKey(resourceID)
	if err != nil {
		return "", err
	}
	logger := s.logger(ctx)
	unlock, err := s.lock(encoded)
	if err != nil {
		logger.Debug("disk.store.filelock_error", "resource", resourceID, "error", err)
		return "", err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	current, readErr := s.readRecord(encoded)
	exists := readErr == nil
	if readErr != nil && !errors.Is(readErr, storage.ErrNotFound) {
		logger.Debug("disk.store.read_error", "resource", resourceID, "error", readErr)
		return "", readErr
	}
	switch {
	case expectedETag != "" && !exists:
		return "", storage.ErrNotFound
	case expectedETag != "" && current.ETag != expectedETag:
		logger.Debug("disk.store.cas_mismatch", "resource", resourceID, "expected_etag", expectedETag, "current_etag", current.ETag)
		return "", storage.ErrCASMismatch
	case expectedETag == "" && exists:
		return "", storage.ErrCASMismatch
	}
	rec := record{ETag: ids.NewETag(), Doc: doc.Clone()}
	if err := s.writeJSONAtomic(s.docPath(encoded), rec); err != nil {
		logger.Debug("disk.store.write_error", "resource", resourceID, "error", err)
		return "", err
	}
	return rec.ETag, nil
}

// Delete removes the record, honouring expectedETag when supplied.
func (s *Store) Delete(ctx context.Context, resourceID string, expectedETag string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeKey(resourceID)
	if err != nil {
		return err
	}
	unlock, err := s.lock(encoded)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	if expectedETag != "" {
		rec, err := s.readRecord(encoded)
		if err != nil {
			return err
		}
		if rec.ETag != expectedETag {
			return storage.ErrCASMismatch
		}
	}
	if err := os.Remove(s.docPath(encoded)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return err
	}
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

// Inventory counts records and holders.
func (s *Store) Inventory(ctx context.Context, now time.Time) (storage.Inventory, error) {
	var inv storage.Inventory
	err := s.scan(ctx, func(_ string, doc *storage.LockDocument) {
		inv.Tally(doc, now)
	})
	return inv, err
}

func (s *Store) collect(ctx context.Context, match func(*storage.LockDocument) bool) ([]string, error) {
	out := make([]string, 0)
	err := s.scan(ctx, func(resourceID string, doc *storage.LockDocument) {
		if match(doc) {
			out = append(out, resourceID)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// scan visits every readable record. Records removed or rewritten mid-scan
// are skipped rather than failing the listing.
func (s *Store) scan(ctx context.Context, visit func(string, *storage.LockDocument)) error {
	entries, err := os.ReadDir(s.docDir)
	if err != nil {
		return fmt.Errorf("disk: list records: %w", err)
	}
	logger := s.logger(ctx)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		encoded := strings.TrimSuffix(name, recordSuffix)
		resourceID, err := url.PathUnescape(encoded)
		if err != nil {
			logger.Debug("disk.scan.decode_error", "encoded", encoded, "error", err)
			continue
		}
		rec, err := s.readRecord(encoded)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Debug("disk.scan.read_error", "resource", resourceID, "error", err)
			}
			continue
		}
		visit(resourceID, rec.Doc)
	}
	return nil
}

func (s *Store) readRecord(encoded string) (*record, error) {
	data, err := os.ReadFile(s.docPath(encoded))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode record: %w", err)
	}
	if rec.Doc == nil {
		rec.Doc = &storage.LockDocument{}
	}
	return &rec, nil
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "itinerd-lock-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
