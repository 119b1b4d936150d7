package lockmgr

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	releaseCount    metric.Int64Counter
	extendCount     metric.Int64Counter
	opDuration      metric.Int64Histogram
	sweptCount      metric.Int64Counter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/itinerd/lock")
	m := &metrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"itinerd.lock.acquire",
		metric.WithDescription("Lock acquire attempts by result"),
	)
	logMetricInitError(logger, "itinerd.lock.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"itinerd.lock.acquire.duration_ms",
		metric.WithDescription("Lock acquire duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "itinerd.lock.acquire.duration_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"itinerd.lock.release",
		metric.WithDescription("Lock releases by result"),
	)
	logMetricInitError(logger, "itinerd.lock.release", err)

	m.extendCount, err = meter.Int64Counter(
		"itinerd.lock.extend",
		metric.WithDescription("Lock extensions by result"),
	)
	logMetricInitError(logger, "itinerd.lock.extend", err)

	m.opDuration, err = meter.Int64Histogram(
		"itinerd.lock.op.duration_ms",
		metric.WithDescription("Lock release and extend duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "itinerd.lock.op.duration_ms", err)

	m.sweptCount, err = meter.Int64Counter(
		"itinerd.lock.swept",
		metric.WithDescription("Expired lock holders removed by the sweeper"),
	)
	logMetricInitError(logger, "itinerd.lock.swept", err)
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func resultAttr(result string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("itinerd.lock.result", result))
}

func (m *metrics) recordAcquire(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, resultAttr(result))
	}
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, d.Milliseconds(), resultAttr(result))
	}
}

func (m *metrics) recordRelease(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	if m.releaseCount != nil {
		m.releaseCount.Add(ctx, 1, resultAttr(result))
	}
	m.recordOpDuration(ctx, "release", d)
}

func (m *metrics) recordExtend(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	if m.extendCount != nil {
		m.extendCount.Add(ctx, 1, resultAttr(result))
	}
	m.recordOpDuration(ctx, "extend", d)
}

func (m *metrics) recordOpDuration(ctx context.Context, op string, d time.Duration) {
	if m.opDuration == nil {
		return
	}
	m.opDuration.Record(ctx, d.Milliseconds(), metric.WithAttributes(attribute.String("itinerd.lock.op", op)))
}

func (m *metrics) recordSweep(ctx context.Context, removed int) {
	if m == nil || m.sweptCount == nil || removed == 0 {
		return
	}
	m.sweptCount.Add(ctx, int64(removed))
}
