package lsf

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/pslog"
)

func newTestObserver() (*Observer, *qrf.Controller) {
	ctrl := qrf.NewController(qrf.Config{
		Enabled: true,
		Inflight: map[qrf.Kind]qrf.Limits{
			qrf.KindLock:    {Soft: 2, Hard: 4},
			qrf.KindPublish: {Soft: 10, Hard: 20},
		},
		RecoverySamples: 1,
		Logger:          pslog.NoopLogger(),
	})
	obs := NewObserver(Config{Enabled: true, SampleInterval: 10 * time.Millisecond}, ctrl, pslog.NoopLogger())
	return obs, ctrl
}

func TestObserverCounters(t *testing.T) {
	obs, ctrl := newTestObserver()
	obs.sample(time.Now())

	finishLock := obs.Begin(qrf.KindLock)
	finishPublish := obs.Begin(qrf.KindPublish)
	finishStream := obs.Begin(qrf.KindStream)

	obs.sample(time.Now())
	snap := ctrl.Snapshot()
	for _, kind := range []qrf.Kind{qrf.KindLock, qrf.KindPublish, qrf.KindStream} {
		if got := snap.InflightOf(kind); got != 1 {
			t.Fatalf("expected %s inflight 1, got %d", kind, got)
		}
	}
	if snap.Goroutines == 0 || snap.CollectedAt.IsZero() {
		t.Fatalf("expected process fields populated, got %+v", snap)
	}

	finishLock()
	finishLock()
	finishPublish()
	finishStream()
	obs.sample(time.Now())
	snap = ctrl.Snapshot()
	if got := snap.InflightOf(qrf.KindLock); got != 0 {
		t.Fatalf("expected lock inflight 0 after double finish, got %d", got)
	}
}

func TestObserverDrivesController(t *testing.T) {
	obs, ctrl := newTestObserver()
	var done []func()
	for range 4 {
		done = append(done, obs.Begin(qrf.KindLock))
	}
	obs.sample(time.Now())
	if got := ctrl.State(); got != qrf.StateEngaged {
		t.Fatalf("expected engaged, got %s", got)
	}
	for _, fn := range done {
		fn()
	}
	obs.sample(time.Now())
	if got := ctrl.State(); got != qrf.StateRecovery {
		t.Fatalf("expected recovery, got %s", got)
	}
}

func TestObserverStartStops(t *testing.T) {
	obs, ctrl := newTestObserver()
	ctx, cancel := context.WithCancel(context.Background())
	obs.Start(ctx)
	obs.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Snapshot().CollectedAt.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("observer never sampled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	obs.Wait()
}

func TestDisabledObserverIsInert(t *testing.T) {
	obs := NewObserver(Config{}, nil, pslog.NoopLogger())
	finish := obs.Begin(qrf.KindRun)
	if got := obs.Inflight(qrf.KindRun); got != 0 {
		t.Fatalf("expected disabled observer to ignore begin, got %d", got)
	}
	finish()
	obs.Start(context.Background())
	obs.Wait()

	var nilObs *Observer
	nilObs.Begin(qrf.KindLock)()
	nilObs.Wait()
}

func TestParseCPUStat(t *testing.T) {
	total, idle, err := parseCPUStat(strings.NewReader("cpu  10 20 30 40 50 0 0 0 0 0\ncpu0 1 2 3 4\n"))
	if err != nil {
		t.Fatalf("parseCPUStat: %v", err)
	}
	if total != 150 || idle != 40 {
		t.Fatalf("expected total 150 idle 40, got %d %d", total, idle)
	}
	if _, _, err := parseCPUStat(strings.NewReader("intr 1 2 3\n")); err == nil {
		t.Fatal("expected error for missing cpu line")
	}
}

func TestParseMeminfoUsesMemAvailable(t *testing.T) {
	const data = `MemTotal:       32768 kB
MemAvailable:   16384 kB
MemFree:         8192 kB
Buffers:          512 kB
Cached:          2048 kB
`
	mi, err := parseMeminfo(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parseMeminfo returned error: %v", err)
	}
	if mi.totalBytes != 32768*1024 || mi.availableBytes != 16384*1024 {
		t.Fatalf("unexpected meminfo %+v", mi)
	}
	if !mi.includesReclaimableData {
		t.Fatal("expected includesReclaimableData when MemAvailable present")
	}
}

func TestParseMeminfoFallbackEstimation(t *testing.T) {
	const data = `MemTotal:       10000 kB
MemFree:         1000 kB
Buffers:          200 kB
Cached:           300 kB
Shmem:            100 kB
`
	mi, err := parseMeminfo(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parseMeminfo returned error: %v", err)
	}
	if mi.availableBytes != 1400*1024 {
		t.Fatalf("expected available %d, got %d", 1400*1024, mi.availableBytes)
	}
	if _, err := parseMeminfo(strings.NewReader("MemFree: 1 kB\n")); err == nil {
		t.Fatal("expected error without MemTotal")
	}
}
