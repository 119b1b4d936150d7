package lsf

import (
	"context"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/pslog"
)

type lsfMetrics struct {
	samples        metric.Int64Counter
	inflight       metric.Int64ObservableGauge
	rssBytes       metric.Int64ObservableGauge
	memoryPercent  metric.Float64ObservableGauge
	cpuPercent     metric.Float64ObservableGauge
	loadMultiplier metric.Float64ObservableGauge
	goroutines     metric.Int64ObservableGauge

	snapshot atomic.Pointer[qrf.Snapshot]
}

func newLSFMetrics(logger pslog.Logger) *lsfMetrics {
	meter := otel.Meter("pkt.systems/itinerd/lsf")
	m := &lsfMetrics{}
	var err error

	m.samples, err = meter.Int64Counter("itinerd.lsf.sample", metric.WithDescription("Load samples collected"))
	logMetricInitError(logger, "itinerd.lsf.sample", err)
	m.inflight, err = meter.Int64ObservableGauge("itinerd.lsf.inflight", metric.WithDescription("Inflight operations by kind"))
	logMetricInitError(logger, "itinerd.lsf.inflight", err)
	m.rssBytes, err = meter.Int64ObservableGauge("itinerd.lsf.rss.bytes", metric.WithDescription("Process RSS"), metric.WithUnit("By"))
	logMetricInitError(logger, "itinerd.lsf.rss.bytes", err)
	m.memoryPercent, err = meter.Float64ObservableGauge("itinerd.lsf.memory.percent", metric.WithDescription("Host memory used percent"))
	logMetricInitError(logger, "itinerd.lsf.memory.percent", err)
	m.cpuPercent, err = meter.Float64ObservableGauge("itinerd.lsf.cpu.percent", metric.WithDescription("Host CPU percent"))
	logMetricInitError(logger, "itinerd.lsf.cpu.percent", err)
	m.loadMultiplier, err = meter.Float64ObservableGauge("itinerd.lsf.load.multiplier", metric.WithDescription("1 minute load relative to its baseline"))
	logMetricInitError(logger, "itinerd.lsf.load.multiplier", err)
	m.goroutines, err = meter.Int64ObservableGauge("itinerd.lsf.goroutines", metric.WithDescription("Goroutine count"))
	logMetricInitError(logger, "itinerd.lsf.goroutines", err)

	if _, err := meter.RegisterCallback(m.observe, m.inflight, m.rssBytes, m.memoryPercent, m.cpuPercent, m.loadMultiplier, m.goroutines); err != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "itinerd.lsf.metrics", "error", err)
	}
	return m
}

func (m *lsfMetrics) recordSample(snapshot qrf.Snapshot) {
	if m == nil {
		return
	}
	m.snapshot.Store(&snapshot)
	if m.samples != nil {
		m.samples.Add(context.Background(), 1)
	}
}

func (m *lsfMetrics) observe(_ context.Context, o metric.Observer) error {
	snapshot := m.snapshot.Load()
	if snapshot == nil {
		return nil
	}
	for _, kind := range qrf.Kinds() {
		o.ObserveInt64(m.inflight, snapshot.InflightOf(kind), metric.WithAttributes(attribute.String("itinerd.lsf.kind", kind.String())))
	}
	o.ObserveInt64(m.rssBytes, clampUint64(snapshot.RSSBytes))
	o.ObserveFloat64(m.memoryPercent, snapshot.SystemMemoryUsedPercent)
	o.ObserveFloat64(m.cpuPercent, snapshot.SystemCPUPercent)
	o.ObserveFloat64(m.loadMultiplier, snapshot.Load1Multiplier)
	o.ObserveInt64(m.goroutines, int64(snapshot.Goroutines))
	return nil
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
