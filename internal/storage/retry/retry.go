// Package retry decorates a LockStore so transient backend failures are
// retried with exponential backoff before they reach the lock manager.
package retry

import (
	"context"
	"time"

	"pkt.systems/itinerd/internal/clock"
	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
// Errors not marked with storage.NewTransientError are returned as is.
func Wrap(inner storage.LockStore, logger pslog.Logger, clk clock.Clock, cfg Config) storage.LockStore {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &store{
		inner:  inner,
		logger: svcfields.WithSubsystem(logger, "storage.retry"),
		clock:  clock.OrReal(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.LockStore
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Load(ctx context.Context, resourceID string) (storage.LoadResult, error) {
	var result storage.LoadResult
	err := s.withRetry(ctx, "load", resourceID, func(ctx context.Context) error {
		var err error
		result, err = s.inner.Load(ctx, resourceID)
		return err
	})
	return result, err
}

// Store retries blindly; a write that landed before a transient failure
// surfaces on the next attempt as storage.ErrCASMismatch, which the caller
// already resolves by reloading.
func (s *store) Store(ctx context.Context, resourceID string, doc *storage.LockDocument, expectedETag string) (string, error) {
	var etag string
	err := s.withRetry(ctx, "store", resourceID, func(ctx context.Context) error {
		var err error
		etag, err = s.inner.Store(ctx, resourceID, doc, expectedETag)
		return err
	})
	return etag, err
}

func (s *store) Delete(ctx context.Context, resourceID string, expectedETag string) error {
	return s.withRetry(ctx, "delete", resourceID, func(ctx context.Context) error {
		return s.inner.Delete(ctx, resourceID, expectedETag)
	})
}

func (s *store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "list_expired", "", func(ctx context.Context) error {
		var err error
		ids, err = s.inner.ListExpired(ctx, now)
		return err
	})
	return ids, err
}

func (s *store) ListByOwner(ctx context.Context, owner string) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "list_by_owner", "", func(ctx context.Context) error {
		var err error
		ids, err = s.inner.ListByOwner(ctx, owner)
		return err
	})
	return ids, err
}

func (s *store) Inventory(ctx context.Context, now time.Time) (storage.Inventory, error) {
	inv, ok := s.inner.(storage.Inventorier)
	if !ok {
		return storage.Inventory{}, storage.ErrNotImplemented
	}
	var out storage.Inventory
	err := s.withRetry(ctx, "inventory", "", func(ctx context.Context) error {
		var err error
		out, err = inv.Inventory(ctx, now)
		return err
	})
	return out, err
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, resourceID string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	delay := s.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage.transient_error",
			"operation", op,
			"resource", resourceID,
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", delay,
			"error", err,
		)
		if err := clock.Wait(ctx, s.clock, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * s.cfg.Multiplier)
		if next > s.cfg.MaxDelay {
			next = s.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
