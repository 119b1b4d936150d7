package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	runs          metric.Int64Counter
	runDuration   metric.Int64Histogram
	stageDuration metric.Int64Histogram
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/itinerd/pipeline")
	m := &metrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"itinerd.pipeline.runs",
		metric.WithDescription("Generation runs by result"),
	)
	logMetricInitError(logger, "itinerd.pipeline.runs", err)

	m.runDuration, err = meter.Int64Histogram(
		"itinerd.pipeline.run.duration_ms",
		metric.WithDescription("Generation run duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "itinerd.pipeline.run.duration_ms", err)

	m.stageDuration, err = meter.Int64Histogram(
		"itinerd.pipeline.stage.duration_ms",
		metric.WithDescription("Agent stage duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "itinerd.pipeline.stage.duration_ms", err)
	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *metrics) recordRun(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("itinerd.result", result))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.runDuration != nil {
		m.runDuration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *metrics) recordStage(ctx context.Context, agent, result string, d time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, d.Milliseconds(), metric.WithAttributes(
		attribute.String("itinerd.agent", agent),
		attribute.String("itinerd.result", result),
	))
}
