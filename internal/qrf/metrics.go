package qrf

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type qrfMetrics struct {
	state       metric.Int64ObservableGauge
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
}

func newQRFMetrics(logger pslog.Logger, controller *Controller) *qrfMetrics {
	meter := otel.Meter("pkt.systems/itinerd/qrf")
	m := &qrfMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"itinerd.qrf.state",
		metric.WithDescription("Current throttle state (0 disengaged, 1 soft_arm, 2 engaged, 3 recovery)"),
	)
	logMetricInitError(logger, "itinerd.qrf.state", err)

	m.decisions, err = meter.Int64Counter(
		"itinerd.qrf.decision",
		metric.WithDescription("Throttle decisions"),
	)
	logMetricInitError(logger, "itinerd.qrf.decision", err)

	m.transitions, err = meter.Int64Counter(
		"itinerd.qrf.transition",
		metric.WithDescription("Throttle state transitions"),
	)
	logMetricInitError(logger, "itinerd.qrf.transition", err)

	if m.state != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(controller.State()))
			return nil
		}, m.state); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "itinerd.qrf.state", "error", err)
		}
	}
	return m
}

func (m *qrfMetrics) recordDecision(ctx context.Context, kind Kind, decision Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("itinerd.qrf.kind", kind.String()),
		attribute.String("itinerd.qrf.state", decision.State.String()),
		attribute.Bool("itinerd.qrf.throttle", decision.Throttle),
	))
}

func (m *qrfMetrics) recordTransition(ctx context.Context, from, to State, reason string) {
	if m == nil || m.transitions == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("itinerd.qrf.from", from.String()),
		attribute.String("itinerd.qrf.to", to.String()),
		attribute.String("itinerd.qrf.reason", reason),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
