package broadcast

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	published   metric.Int64Counter
	delivered   metric.Int64Counter
	pruned      metric.Int64Counter
	subscribers metric.Int64UpDownCounter
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/itinerd/broadcast")
	m := &metrics{}
	var err error
	if m.published, err = meter.Int64Counter("itinerd.broadcast.published", metric.WithDescription("Events published")); err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "itinerd.broadcast.published", "error", err)
	}
	if m.delivered, err = meter.Int64Counter("itinerd.broadcast.delivered", metric.WithDescription("Event deliveries to subscribers")); err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "itinerd.broadcast.delivered", "error", err)
	}
	if m.pruned, err = meter.Int64Counter("itinerd.broadcast.pruned", metric.WithDescription("Subscribers pruned after a failed send")); err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "itinerd.broadcast.pruned", "error", err)
	}
	if m.subscribers, err = meter.Int64UpDownCounter("itinerd.broadcast.subscribers", metric.WithDescription("Live subscribers")); err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "itinerd.broadcast.subscribers", "error", err)
	}
	return m
}

func (m *metrics) recordPublish(ctx context.Context, delivered, pruned int) {
	if m == nil {
		return
	}
	if m.published != nil {
		m.published.Add(ctx, 1)
	}
	if m.delivered != nil && delivered > 0 {
		m.delivered.Add(ctx, int64(delivered))
	}
	if m.pruned != nil && pruned > 0 {
		m.pruned.Add(ctx, int64(pruned))
	}
}

func (m *metrics) subscriberDelta(delta int64) {
	if m == nil || m.subscribers == nil || delta == 0 {
		return
	}
	m.subscribers.Add(context.Background(), delta)
}
