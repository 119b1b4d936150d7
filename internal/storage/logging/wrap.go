// Package logging decorates a LockStore with tracing spans and debug logs.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/itinerd/internal/storage"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

type store struct {
	inner  storage.LockStore
	logger pslog.Logger
	tracer trace.Tracer
}

// Wrap decorates inner. The returned store also implements
// storage.Inventorier, reporting storage.ErrNotImplemented when inner does not.
func Wrap(inner storage.LockStore, logger pslog.Logger) storage.LockStore {
	return &store{
		inner:  inner,
		logger: svcfields.WithSubsystem(logger, "storage.locks"),
		tracer: otel.Tracer("pkt.systems/itinerd/storage"),
	}
}

// Unwrap returns the decorated store.
func Unwrap(s storage.LockStore) storage.LockStore {
	if w, ok := s.(*store); ok {
		return w.inner
	}
	return s
}

func (s *store) start(ctx context.Context, op, resourceID string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "itinerd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("itinerd.storage.operation", op))
	if resourceID != "" {
		span.SetAttributes(attribute.String("itinerd.resource_id", resourceID))
	}
	logger := svcfields.FromContext(ctx, s.logger)
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, logger, func(err error) {
		elapsed := time.Since(begin)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
			span.SetAttributes(attribute.String("itinerd.storage.outcome", err.Error()))
			span.SetStatus(codes.Ok, "")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "resource", resourceID, "error", err, "transient", storage.IsTransient(err), "elapsed", elapsed)
		}
		span.SetAttributes(attribute.Int64("itinerd.storage.duration_ms", elapsed.Milliseconds()))
		span.End()
	}
}

func (s *store) Load(ctx context.Context, resourceID string) (storage.LoadResult, error) {
	ctx, logger, finish := s.start(ctx, "load", resourceID)
	res, err := s.inner.Load(ctx, resourceID)
	finish(err)
	if err == nil {
		logger.Trace("storage.load.success", "resource", resourceID, "etag", res.ETag, "holders", len(res.Doc.Holders))
	}
	return res, err
}

func (s *store) Store(ctx context.Context, resourceID string, doc *storage.LockDocument, expectedETag string) (string, error) {
	ctx, logger, finish := s.start(ctx, "store", resourceID)
	etag, err := s.inner.Store(ctx, resourceID, doc, expectedETag)
	finish(err)
	if err == nil {
		logger.Trace("storage.store.success", "resource", resourceID, "expected_etag", expectedETag, "etag", etag)
	}
	return etag, err
}

func (s *store) Delete(ctx context.Context, resourceID string, expectedETag string) error {
	ctx, logger, finish := s.start(ctx, "delete", resourceID)
	err := s.inner.Delete(ctx, resourceID, expectedETag)
	finish(err)
	if err == nil {
		logger.Trace("storage.delete.success", "resource", resourceID, "expected_etag", expectedETag)
	}
	return err
}

func (s *store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	ctx, logger, finish := s.start(ctx, "list_expired", "")
	ids, err := s.inner.ListExpired(ctx, now)
	finish(err)
	if err == nil {
		logger.Trace("storage.list_expired.success", "count", len(ids))
	}
	return ids, err
}

func (s *store) ListByOwner(ctx context.Context, owner string) ([]string, error) {
	ctx, logger, finish := s.start(ctx, "list_by_owner", "")
	ids, err := s.inner.ListByOwner(ctx, owner)
	finish(err)
	if err == nil {
		logger.Trace("storage.list_by_owner.success", "owner", owner, "count", len(ids))
	}
	return ids, err
}

func (s *store) Inventory(ctx context.Context, now time.Time) (storage.Inventory, error) {
	inv, ok := s.inner.(storage.Inventorier)
	if !ok {
		return storage.Inventory{}, storage.ErrNotImplemented
	}
	ctx, _, finish := s.start(ctx, "inventory", "")
	out, err := inv.Inventory(ctx, now)
	finish(err)
	return out, err
}

func (s *store) Close() error {
	return s.inner.Close()
}
