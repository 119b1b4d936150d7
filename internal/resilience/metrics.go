package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	logger      pslog.Logger
	dependency  attribute.KeyValue
	attempts    metric.Int64Counter
	transitions metric.Int64Counter
	state       metric.Int64ObservableGauge
	meter       metric.Meter
}

func newMetrics(logger pslog.Logger, dependency string) *metrics {
	meter := otel.Meter("pkt.systems/itinerd/resilience")
	m := &metrics{logger: logger, meter: meter, dependency: attribute.String("itinerd.dependency", dependency)}
	var err error
	m.attempts, err = meter.Int64Counter(
		"itinerd.resilience.attempts",
		metric.WithDescription("Outbound call attempts by outcome"),
	)
	logMetricInitError(logger, "itinerd.resilience.attempts", err)
	m.transitions, err = meter.Int64Counter(
		"itinerd.resilience.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	logMetricInitError(logger, "itinerd.resilience.breaker.transitions", err)
	m.state, err = meter.Int64ObservableGauge(
		"itinerd.resilience.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 open, 2 half open)"),
	)
	logMetricInitError(logger, "itinerd.resilience.breaker.state", err)
	return m
}

func (m *metrics) observeBreaker(b *Breaker) {
	if m == nil || m.state == nil || b == nil {
		return
	}
	if _, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.state, int64(b.State()), metric.WithAttributes(m.dependency))
		return nil
	}, m.state); err != nil {
		m.logger.Warn("telemetry.metric.callback_failed", "name", "itinerd.resilience.breaker.state", "error", err)
	}
}

func (m *metrics) recordAttempt(ctx context.Context, outcome string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(m.dependency, attribute.String("itinerd.outcome", outcome)))
}

func (m *metrics) recordTransition(from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		m.dependency,
		attribute.String("itinerd.breaker.from", from.String()),
		attribute.String("itinerd.breaker.to", to.String()),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}
