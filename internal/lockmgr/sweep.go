package lockmgr

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/svcfields"
)

// Sweep deletes expired holders from the store and returns how many were
// removed. Documents that change underneath the sweep are left for the next
// pass.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	logger := svcfields.FromContext(ctx, m.logger)
	resources, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("lockmgr: list expired: %w", err)
	}
	removed := 0
	var errs []error
	for _, resourceID := range resources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := m.sweepOne(ctx, resourceID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed += n
	}
	m.cache.prune(m.clock.Now())
	m.sweeps.Add(1)
	m.swept.Add(uint64(removed))
	m.metrics.recordSweep(ctx, removed)
	if removed > 0 || len(errs) > 0 {
		logger.Debug("lock.sweep.complete", "candidates", len(resources), "removed", removed, "errors", len(errs))
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) sweepOne(ctx context.Context, resourceID string) (int, error) {
	unlock := m.keys.lock(resourceID)
	defer unlock()
	snap, err := m.read(ctx, resourceID, false)
	if err != nil || snap.doc == nil {
		return 0, err
	}
	now := m.clock.Now()
	if !snap.doc.HasExpired(now) {
		return 0, nil
	}
	next := &storage.LockDocument{ResourceID: resourceID}
	for _, h := range snap.doc.Holders {
		if h.ExpiresAtMillis >= now.UnixMilli() {
			next.Holders = append(next.Holders, h)
		}
	}
	if err := m.write(ctx, resourceID, snap, next); err != nil {
		if retryableWrite(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("lockmgr: sweep %s: %w", resourceID, err)
	}
	return len(snap.doc.Holders) - len(next.Holders), nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	logger := svcfields.WithSubsystem(m.logger, "lock.sweeper")
	logger.Info("lock.sweeper.start", "interval", m.sweepInterval)
	defer logger.Info("lock.sweeper.stop")
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.sweepInterval):
		}
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("lock.sweeper.error", "error", err)
		}
	}
}
