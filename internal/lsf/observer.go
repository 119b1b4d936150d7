// Package lsf samples process and host load and feeds it to the qrf
// controller.
package lsf

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultSampleInterval is the sampling cadence when none is configured.
const DefaultSampleInterval = 200 * time.Millisecond

// Config controls the sampling cadence.
type Config struct {
	Enabled        bool
	SampleInterval time.Duration
	// LogInterval throttles debug sample logs; zero disables them.
	LogInterval time.Duration
}

// Observer tracks inflight request counts plus host metrics and forwards
// them to the controller.
type Observer struct {
	cfg     Config
	qrf     *qrf.Controller
	logger  pslog.Logger
	metrics *lsfMetrics
	running atomic.Bool

	inflight [qrf.NumKinds]atomic.Int64

	lastCPUTotal uint64
	lastCPUIdle  uint64
	lastLogTime  time.Time

	loadBaseline    float64
	loadBaselineSet bool

	wg sync.WaitGroup
}

// NewObserver constructs an observer. A nil observer is valid and counts
// nothing.
func NewObserver(cfg Config, controller *qrf.Controller, logger pslog.Logger) *Observer {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	logger = svcfields.WithSubsystem(logger, "control.lsf.observer")
	return &Observer{
		cfg:     cfg,
		qrf:     controller,
		logger:  logger,
		metrics: newLSFMetrics(logger),
	}
}

// Start launches the sampling loop. Only the first call starts it.
func (o *Observer) Start(ctx context.Context) {
	if o == nil || !o.cfg.Enabled || o.qrf == nil {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() {
	if o == nil {
		return
	}
	o.wg.Wait()
}

// Begin records the start of an operation of kind and returns the closure
// that must be called when it completes.
func (o *Observer) Begin(kind qrf.Kind) func() {
	if o == nil || !o.cfg.Enabled || int(kind) < 0 || int(kind) >= len(o.inflight) {
		return func() {}
	}
	counter := &o.inflight[kind]
	counter.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { counter.Add(-1) })
	}
}

// Inflight returns the current count for kind.
func (o *Observer) Inflight(kind qrf.Kind) int64 {
	if o == nil || int(kind) < 0 || int(kind) >= len(o.inflight) {
		return 0
	}
	return o.inflight[kind].Load()
}

func (o *Observer) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.sample(now)
		}
	}
}

func (o *Observer) sample(ts time.Time) {
	if o.qrf == nil {
		return
	}
	var snapshot qrf.Snapshot
	for _, kind := range qrf.Kinds() {
		snapshot.Inflight[kind] = o.Inflight(kind)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snapshot.RSSBytes = mem.Sys
	if v, err := readRSSBytes(); err == nil && v > 0 {
		snapshot.RSSBytes = v
	}
	if sys, err := gatherSystemUsage(); err == nil {
		snapshot.SystemMemoryUsedPercent = sys.memoryPercent
		snapshot.SystemMemoryIncludesReclaimable = sys.memoryIncludesReclaimable
		snapshot.SystemLoad1 = sys.load1
	}
	snapshot.SystemCPUPercent = o.systemCPUPercent()
	snapshot.Load1Baseline, snapshot.Load1Multiplier = o.updateLoadBaseline(snapshot.SystemLoad1)
	snapshot.Goroutines = runtime.NumGoroutine()
	snapshot.CollectedAt = ts

	if o.cfg.LogInterval > 0 && (o.lastLogTime.IsZero() || ts.Sub(o.lastLogTime) >= o.cfg.LogInterval) {
		o.logger.Debug("itinerd.lsf.sample",
			"lock_inflight", snapshot.InflightOf(qrf.KindLock),
			"publish_inflight", snapshot.InflightOf(qrf.KindPublish),
			"run_inflight", snapshot.InflightOf(qrf.KindRun),
			"streams", snapshot.InflightOf(qrf.KindStream),
			"rss_bytes", snapshot.RSSBytes,
			"system_memory_percent", snapshot.SystemMemoryUsedPercent,
			"system_cpu_percent", snapshot.SystemCPUPercent,
			"system_load1", snapshot.SystemLoad1,
			"load1_multiplier", snapshot.Load1Multiplier,
			"goroutines", snapshot.Goroutines,
		)
		o.lastLogTime = ts
	}
	o.metrics.recordSample(snapshot)
	o.qrf.Observe(snapshot)
}

// updateLoadBaseline tracks an EWMA of the 1 minute load so thresholds are
// expressed relative to what is normal for the host.
func (o *Observer) updateLoadBaseline(load1 float64) (float64, float64) {
	const alpha = 0.05
	if !o.loadBaselineSet {
		o.loadBaseline = load1
		if o.loadBaseline <= 0 {
			o.loadBaseline = 0.1
		}
		o.loadBaselineSet = true
	}
	o.loadBaseline += (load1 - o.loadBaseline) * alpha
	if o.loadBaseline <= 0 {
		return o.loadBaseline, 0
	}
	return o.loadBaseline, load1 / o.loadBaseline
}

func (o *Observer) systemCPUPercent() float64 {
	total, idle, err := readSystemCPUStat()
	if err != nil {
		return 0
	}
	if o.lastCPUTotal == 0 && o.lastCPUIdle == 0 {
		o.lastCPUTotal, o.lastCPUIdle = total, idle
		return 0
	}
	deltaTotal := total - o.lastCPUTotal
	deltaIdle := idle - o.lastCPUIdle
	o.lastCPUTotal, o.lastCPUIdle = total, idle
	if deltaTotal == 0 || deltaTotal < deltaIdle {
		return 0
	}
	return float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100
}

type systemUsage struct {
	memoryPercent             float64
	memoryIncludesReclaimable bool
	load1                     float64
}

type meminfo struct {
	totalBytes              uint64
	availableBytes          uint64
	includesReclaimableData bool
}

func readRSSBytes() (uint64, error) {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, errors.New("unexpected statm contents")
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(os.Getpagesize()), nil
}

func readMeminfo() (meminfo, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return meminfo{}, err
	}
	defer f.Close()
	return parseMeminfo(f)
}

func parseMeminfo(r io.Reader) (meminfo, error) {
	scanner := bufio.NewScanner(r)
	fields := make(map[string]uint64)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		fields[strings.TrimSuffix(parts[0], ":")] = value
	}
	if err := scanner.Err(); err != nil {
		return meminfo{}, err
	}
	totalKB := fields["MemTotal"]
	if totalKB == 0 {
		return meminfo{}, errors.New("meminfo missing MemTotal")
	}
	totalBytes := totalKB * 1024
	if availKB := fields["MemAvailable"]; availKB > 0 {
		return meminfo{
			totalBytes:              totalBytes,
			availableBytes:          min(availKB*1024, totalBytes),
			includesReclaimableData: true,
		}, nil
	}
	buffersKB, cachedKB, reclaimKB := fields["Buffers"], fields["Cached"], fields["SReclaimable"]
	availableKB := int64(fields["MemFree"]) + int64(buffersKB) + int64(cachedKB) + int64(reclaimKB) - int64(fields["Shmem"])
	availableKB = max(availableKB, 0)
	return meminfo{
		totalBytes:              totalBytes,
		availableBytes:          min(uint64(availableKB)*1024, totalBytes),
		includesReclaimableData: buffersKB > 0 || cachedKB > 0 || reclaimKB > 0,
	}, nil
}

func readSystemCPUStat() (uint64, uint64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return parseCPUStat(f)
}

// parseCPUStat returns total and idle jiffies from the aggregate cpu line.
func parseCPUStat(r io.Reader) (uint64, uint64, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return 0, 0, err
		}
		return 0, 0, errors.New("no cpu line in /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, errors.New("unexpected /proc/stat format")
	}
	var total, idle uint64
	for i, field := range fields[1:] {
		val, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if i == 3 {
			idle = val
		}
		total += val
	}
	return total, idle, nil
}
