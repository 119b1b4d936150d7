// Package lockmgr implements lease-based resource locks on top of a
// storage.LockStore. Acquire never waits on a competitor; expiry is lazy at
// read time and authoritative during sweeps.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/itinerd/internal/clock"
	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultCacheTTL bounds how long a cached read may be reused.
	DefaultCacheTTL = 30 * time.Second
	// DefaultSweepInterval is the cadence of the background expiry sweep.
	DefaultSweepInterval = 60 * time.Second
	// DefaultCASAttempts bounds re-evaluation after CAS conflicts.
	DefaultCASAttempts = 8
)

// Config wires a Manager.
type Config struct {
	Store         storage.LockStore
	Clock         clock.Clock
	Logger        pslog.Logger
	CacheTTL      time.Duration
	SweepInterval time.Duration
	CASAttempts   int
}

// Manager coordinates lock state for many resources. Operations on one
// resource are serialised in-process by a per-resource mutex and across
// processes by the store's conditional writes.
type Manager struct {
	store         storage.LockStore
	clock         clock.Clock
	logger        pslog.Logger
	cache         *docCache
	keys          *keyedMutex
	sweepInterval time.Duration
	casAttempts   int
	metrics       *metrics

	acquired  atomic.Uint64
	conflicts atomic.Uint64
	released  atomic.Uint64
	extended  atomic.Uint64
	sweeps    atomic.Uint64
	swept     atomic.Uint64
}

// New builds a Manager. Zero durations fall back to the package defaults; a
// negative CacheTTL disables caching.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lockmgr: store required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = DefaultCASAttempts
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "lock.manager")
	return &Manager{
		store:         cfg.Store,
		clock:         clock.OrReal(cfg.Clock),
		logger:        logger,
		cache:         newDocCache(cfg.CacheTTL),
		keys:          newKeyedMutex(),
		sweepInterval: cfg.SweepInterval,
		casAttempts:   cfg.CASAttempts,
		metrics:       newMetrics(logger),
	}, nil
}

type snapshot struct {
	doc    *storage.LockDocument
	etag   string
	cached bool
}

// read returns the current document, from cache when allowed.
func (m *Manager) read(ctx context.Context, resourceID string, useCache bool) (snapshot, error) {
	now := m.clock.Now()
	if useCache {
		if entry, ok := m.cache.get(resourceID, now); ok {
			return snapshot{doc: entry.doc, etag: entry.etag, cached: true}, nil
		}
	}
	res, err := m.store.Load(ctx, resourceID)
	if errors.Is(err, storage.ErrNotFound) {
		m.cache.put(resourceID, nil, "", now)
		return snapshot{}, nil
	}
	if err != nil {
		m.cache.invalidate(resourceID)
		return snapshot{}, fmt.Errorf("lockmgr: load %s: %w", resourceID, err)
	}
	m.cache.put(resourceID, res.Doc, res.ETag, now)
	return snapshot{doc: res.Doc, etag: res.ETag}, nil
}

// write persists doc, deleting the record when no holders remain.
func (m *Manager) write(ctx context.Context, resourceID string, snap snapshot, doc *storage.LockDocument) error {
	now := m.clock.Now()
	if len(doc.Holders) == 0 {
		if snap.etag == "" {
			m.cache.put(resourceID, nil, "", now)
			return nil
		}
		if err := m.store.Delete(ctx, resourceID, snap.etag); err != nil {
			m.cache.invalidate(resourceID)
			return err
		}
		m.cache.put(resourceID, nil, "", now)
		return nil
	}
	doc.ResourceID = resourceID
	doc.UpdatedAtMillis = now.UnixMilli()
	etag, err := m.store.Store(ctx, resourceID, doc, snap.etag)
	if err != nil {
		m.cache.invalidate(resourceID)
		return err
	}
	m.cache.put(resourceID, doc, etag, now)
	return nil
}

func retryableWrite(err error) bool {
	return errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound)
}

// Acquire makes a single, non-blocking attempt to take a lock.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if err := req.validate(); err != nil {
		return AcquireResult{}, err
	}
	begin := time.Now()
	logger := svcfields.FromContext(ctx, m.logger)
	logger.Trace("lock.acquire.begin", "resource", req.ResourceID, "owner", req.Owner, "type", req.Type, "ttl", req.TTL)

	unlock := m.keys.lock(req.ResourceID)
	defer unlock()

	useCache := true
	for attempt := 0; attempt < m.casAttempts; attempt++ {
		snap, err := m.read(ctx, req.ResourceID, useCache)
		if err != nil {
			m.metrics.recordAcquire(ctx, "error", time.Since(begin))
			logger.Warn("lock.acquire.store_error", "resource", req.ResourceID, "owner", req.Owner, "error", err)
			return AcquireResult{}, err
		}
		now := m.clock.Now()
		doc, granted, blocker := evaluate(snap.doc, req, now)
		if blocker != nil {
			if snap.cached {
				// Never refuse on a cached view alone.
				m.cache.invalidate(req.ResourceID)
				useCache = false
				attempt--
				continue
			}
			m.conflicts.Add(1)
			m.metrics.recordAcquire(ctx, "conflict", time.Since(begin))
			holder := lockFromHolder(req.ResourceID, *blocker)
			logger.Debug("lock.acquire.conflict",
				"resource", req.ResourceID,
				"owner", req.Owner,
				"type", req.Type,
				"holder", holder.Owner,
				"holder_type", holder.Type,
				"holder_expires_at", holder.ExpiresAt,
			)
			return AcquireResult{OK: false, Reason: ReasonConflict, Holder: &holder}, nil
		}
		if err := m.write(ctx, req.ResourceID, snap, doc); err != nil {
			if retryableWrite(err) {
				logger.Trace("lock.acquire.cas_retry", "resource", req.ResourceID, "owner", req.Owner, "attempt", attempt+1)
				useCache = false
				continue
			}
			m.metrics.recordAcquire(ctx, "error", time.Since(begin))
			logger.Warn("lock.acquire.store_error", "resource", req.ResourceID, "owner", req.Owner, "error", err)
			return AcquireResult{}, fmt.Errorf("lockmgr: acquire %s: %w", req.ResourceID, err)
		}
		m.acquired.Add(1)
		m.metrics.recordAcquire(ctx, "ok", time.Since(begin))
		lock := lockFromHolder(req.ResourceID, granted)
		logger.Debug("lock.acquire.success",
			"resource", req.ResourceID,
			"owner", req.Owner,
			"type", lock.Type,
			"expires_at", lock.ExpiresAt,
		)
		return AcquireResult{OK: true, Lock: &lock}, nil
	}
	m.metrics.recordAcquire(ctx, "contention", time.Since(begin))
	return AcquireResult{}, fmt.Errorf("lockmgr: acquire %s: %w", req.ResourceID, ErrContention)
}

// evaluate applies the compatibility rules to doc and returns either the
// updated document with the granted holder, or the holder that blocks req.
func evaluate(doc *storage.LockDocument, req AcquireRequest, now time.Time) (*storage.LockDocument, storage.Holder, *storage.Holder) {
	nowMillis := now.UnixMilli()
	expires := max(now.Add(req.TTL).UnixMilli(), nowMillis+1)
	next := &storage.LockDocument{ResourceID: req.ResourceID}
	own := -1
	var blocker *storage.Holder
	for _, h := range doc.Valid(now) {
		if h.Owner == req.Owner {
			own = len(next.Holders)
		}
		next.Holders = append(next.Holders, h)
	}
	wanted := req.Type
	if own >= 0 && next.Holders[own].Type.Rank() > wanted.Rank() {
		wanted = next.Holders[own].Type
	}
	for i := range next.Holders {
		h := next.Holders[i]
		if i == own {
			continue
		}
		if !wanted.Shared() || !h.Type.Shared() {
			blocker = &h
			break
		}
	}
	if blocker != nil {
		return nil, storage.Holder{}, blocker
	}
	if own >= 0 {
		h := &next.Holders[own]
		h.Type = wanted
		h.UpdatedAtMillis = nowMillis
		h.ExpiresAtMillis = expires
		h.Metadata = mergeMetadata(h.Metadata, req.Metadata)
		return next, *h, nil
	}
	granted := storage.Holder{
		Owner:           req.Owner,
		Type:            wanted,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
		ExpiresAtMillis: expires,
		Metadata:        mergeMetadata(nil, req.Metadata),
	}
	next.Holders = append(next.Holders, granted)
	return next, granted, nil
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Release drops owner's hold on resourceID. It reports true when no lock
// exists and false when someone else holds the resource.
func (m *Manager) Release(ctx context.Context, resourceID, owner string) (bool, error) {
	if resourceID == "" || owner == "" {
		return false, errors.Join(ErrInvalidRequest, errors.New("resource id and owner required"))
	}
	begin := time.Now()
	logger := svcfields.FromContext(ctx, m.logger)
	unlock := m.keys.lock(resourceID)
	defer unlock()

	for attempt := 0; attempt < m.casAttempts; attempt++ {
		snap, err := m.read(ctx, resourceID, false)
		if err != nil {
			m.metrics.recordRelease(ctx, "error", time.Since(begin))
			return false, err
		}
		now := m.clock.Now()
		valid := snap.doc.Valid(now)
		held := false
		next := &storage.LockDocument{ResourceID: resourceID}
		for _, h := range valid {
			if h.Owner == owner {
				held = true
				continue
			}
			next.Holders = append(next.Holders, h)
		}
		if !held && len(valid) > 0 {
			m.metrics.recordRelease(ctx, "not_owner", time.Since(begin))
			logger.Debug("lock.release.not_owner", "resource", resourceID, "owner", owner, "holder", valid[0].Owner)
			return false, nil
		}
		if !held && snap.doc == nil {
			m.metrics.recordRelease(ctx, "absent", time.Since(begin))
			return true, nil
		}
		if err := m.write(ctx, resourceID, snap, next); err != nil {
			if retryableWrite(err) {
				continue
			}
			m.metrics.recordRelease(ctx, "error", time.Since(begin))
			return false, fmt.Errorf("lockmgr: release %s: %w", resourceID, err)
		}
		if held {
			m.released.Add(1)
			m.metrics.recordRelease(ctx, "ok", time.Since(begin))
			logger.Debug("lock.release.success", "resource", resourceID, "owner", owner, "remaining", len(next.Holders))
		} else {
			m.metrics.recordRelease(ctx, "absent", time.Since(begin))
		}
		return true, nil
	}
	return false, fmt.Errorf("lockmgr: release %s: %w", resourceID, ErrContention)
}

// Extend pushes the expiry of owner's valid lock out by additional. Repeated
// extensions accumulate.
func (m *Manager) Extend(ctx context.Context, resourceID, owner string, additional time.Duration) (bool, error) {
	if resourceID == "" || owner == "" || additional <= 0 {
		return false, errors.Join(ErrInvalidRequest, errors.New("resource id, owner and positive extension required"))
	}
	begin := time.Now()
	logger := svcfields.FromContext(ctx, m.logger)
	unlock := m.keys.lock(resourceID)
	defer unlock()

	for attempt := 0; attempt < m.casAttempts; attempt++ {
		snap, err := m.read(ctx, resourceID, false)
		if err != nil {
			m.metrics.recordExtend(ctx, "error", time.Since(begin))
			return false, err
		}
		now := m.clock.Now()
		next := &storage.LockDocument{ResourceID: resourceID, Holders: snap.doc.Valid(now)}
		idx := -1
		for i, h := range next.Holders {
			if h.Owner == owner {
				idx = i
				break
			}
		}
		if idx < 0 {
			m.metrics.recordExtend(ctx, "not_owner", time.Since(begin))
			logger.Debug("lock.extend.not_owner", "resource", resourceID, "owner", owner)
			return false, nil
		}
		h := &next.Holders[idx]
		h.ExpiresAtMillis += additional.Milliseconds()
		h.UpdatedAtMillis = now.UnixMilli()
		if err := m.write(ctx, resourceID, snap, next); err != nil {
			if retryableWrite(err) {
				continue
			}
			m.metrics.recordExtend(ctx, "error", time.Since(begin))
			return false, fmt.Errorf("lockmgr: extend %s: %w", resourceID, err)
		}
		m.extended.Add(1)
		m.metrics.recordExtend(ctx, "ok", time.Since(begin))
		logger.Trace("lock.extend.success", "resource", resourceID, "owner", owner, "expires_at", time.UnixMilli(h.ExpiresAtMillis).UTC())
		return true, nil
	}
	return false, fmt.Errorf("lockmgr: extend %s: %w", resourceID, ErrContention)
}

// IsLocked reports whether resourceID has at least one unexpired holder.
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	locks, err := m.Get(ctx, resourceID)
	if err != nil {
		return false, err
	}
	return len(locks) > 0, nil
}

// Get returns the unexpired holders of resourceID.
func (m *Manager) Get(ctx context.Context, resourceID string) ([]NodeLock, error) {
	snap, err := m.read(ctx, resourceID, true)
	if err != nil {
		return nil, err
	}
	valid := snap.doc.Valid(m.clock.Now())
	out := make([]NodeLock, 0, len(valid))
	for _, h := range valid {
		out = append(out, lockFromHolder(resourceID, h))
	}
	return out, nil
}

// ReleaseAllFor drops every lock held by owner and returns how many were
// released. It keeps going past individual failures and reports them joined.
func (m *Manager) ReleaseAllFor(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, errors.Join(ErrInvalidRequest, errors.New("owner required"))
	}
	resources, err := m.store.ListByOwner(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("lockmgr: list by owner: %w", err)
	}
	var errs []error
	count := 0
	for _, resourceID := range resources {
		removed, err := m.dropOwner(ctx, resourceID, owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			count++
		}
	}
	svcfields.FromContext(ctx, m.logger).Info("lock.release_all.complete", "owner", owner, "released", count, "failed", len(errs))
	return count, errors.Join(errs...)
}

// dropOwner removes owner's holder, expired or not, from resourceID.
func (m *Manager) dropOwner(ctx context.Context, resourceID, owner string) (bool, error) {
	unlock := m.keys.lock(resourceID)
	defer unlock()
	for attempt := 0; attempt < m.casAttempts; attempt++ {
		snap, err := m.read(ctx, resourceID, false)
		if err != nil {
			return false, err
		}
		if snap.doc == nil {
			return false, nil
		}
		now := m.clock.Now()
		next := &storage.LockDocument{ResourceID: resourceID}
		removed := false
		for _, h := range snap.doc.Holders {
			if h.Owner == owner {
				removed = removed || !h.Expired(now)
				continue
			}
			next.Holders = append(next.Holders, h)
		}
		if len(next.Holders) == len(snap.doc.Holders) {
			return false, nil
		}
		if err := m.write(ctx, resourceID, snap, next); err != nil {
			if retryableWrite(err) {
				continue
			}
			return false, fmt.Errorf("lockmgr: release %s: %w", resourceID, err)
		}
		if removed {
			m.released.Add(1)
		}
		return removed, nil
	}
	return false, fmt.Errorf("lockmgr: release %s: %w", resourceID, ErrContention)
}

// Stats reports counters and, when the store supports it, an inventory of
// stored locks.
func (m *Manager) Stats(ctx context.Context) Stats {
	now := m.clock.Now()
	stats := Stats{
		CachedEntries: m.cache.prune(now),
		Acquired:      m.acquired.Load(),
		Conflicts:     m.conflicts.Load(),
		Released:      m.released.Load(),
		Extended:      m.extended.Load(),
		Sweeps:        m.sweeps.Load(),
		Swept:         m.swept.Load(),
	}
	if inv, ok := m.store.(storage.Inventorier); ok {
		summary, err := inv.Inventory(ctx, now)
		if err != nil {
			stats.InventoryError = err.Error()
		} else {
			stats.Resources = summary.Resources
			stats.ActiveLocks = summary.ActiveHolders
			stats.ExpiredLocks = summary.ExpiredHolders
		}
	}
	return stats
}
