// Package qrf paces requests when the server is under pressure. It consumes
// samples from the lsf observer and answers, per request kind, whether the
// caller should be slowed down or turned away with 429.
package qrf

import (
	"context"
	"math"
	"sync"
	"time"

	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

// Kind identifies the type of operation under evaluation.
type Kind int

const (
	// KindLock covers acquire, extend and release.
	KindLock Kind = iota
	// KindPublish covers event publication.
	KindPublish
	// KindRun covers pipeline run submission.
	KindRun
	// KindStream covers open subscriber streams.
	KindStream

	// NumKinds is the number of kinds; it sizes per-kind arrays.
	NumKinds
)

// Kinds lists every kind in evaluation order.
func Kinds() []Kind {
	return []Kind{KindLock, KindPublish, KindRun, KindStream}
}

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindPublish:
		return "publish"
	case KindRun:
		return "run"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// State represents the current posture of the controller.
type State int

const (
	// StateDisengaged indicates no throttling.
	StateDisengaged State = iota
	// StateSoftArm applies light pacing after a soft limit was crossed.
	StateSoftArm
	// StateEngaged applies aggressive pacing after a hard limit was crossed.
	StateEngaged
	// StateRecovery eases pacing while metrics settle.
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON stats.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Limits bounds the inflight count of one kind. Zero disables a bound.
type Limits struct {
	Soft int64
	Hard int64
}

// Config configures controller thresholds and pacing delays.
type Config struct {
	Enabled bool

	Inflight map[Kind]Limits

	MemorySoftLimitBytes        uint64
	MemoryHardLimitBytes        uint64
	MemorySoftLimitPercent      float64
	MemoryHardLimitPercent      float64
	MemoryStrictHeadroomPercent float64

	CPUPercentSoftLimit float64
	CPUPercentHardLimit float64

	LoadSoftLimitMultiplier float64
	LoadHardLimitMultiplier float64

	RecoverySamples int

	SoftDelay     time.Duration
	EngagedDelay  time.Duration
	RecoveryDelay time.Duration
	MaxWait       time.Duration

	Logger pslog.Logger
}

// Snapshot captures one observer sample.
type Snapshot struct {
	Inflight                        [NumKinds]int64 `json:"-"`
	RSSBytes                        uint64          `json:"rssBytes"`
	SystemMemoryUsedPercent         float64         `json:"systemMemoryPercent"`
	SystemMemoryIncludesReclaimable bool            `json:"systemMemoryIncludesReclaimable"`
	SystemCPUPercent                float64         `json:"systemCpuPercent"`
	SystemLoad1                     float64         `json:"systemLoad1"`
	Load1Baseline                   float64         `json:"load1Baseline"`
	Load1Multiplier                 float64         `json:"load1Multiplier"`
	Goroutines                      int             `json:"goroutines"`
	CollectedAt                     time.Time       `json:"collectedAt"`
}

// InflightOf returns the inflight count for kind.
func (s Snapshot) InflightOf(kind Kind) int64 {
	if kind < 0 || kind >= NumKinds {
		return 0
	}
	return s.Inflight[kind]
}

// Status reports the current controller state and snapshot.
type Status struct {
	Enabled  bool             `json:"enabled"`
	State    State            `json:"state"`
	Reason   string           `json:"reason,omitempty"`
	Inflight map[string]int64 `json:"inflight"`
	Snapshot Snapshot         `json:"snapshot"`
}

// Decision reports whether an operation should be throttled.
type Decision struct {
	Throttle bool
	Delay    time.Duration
	State    State
	Reason   string
}

// WaitError is returned when the pacing delay exceeds the configured max wait.
type WaitError struct {
	Delay  time.Duration
	Reason string
}

func (e *WaitError) Error() string {
	return "throttled: server under pressure (" + e.Reason + ")"
}

// Controller manages the throttle state machine.
type Controller struct {
	cfg     Config
	logger  pslog.Logger
	metrics *qrfMetrics

	mu                 sync.RWMutex
	state              State
	lastReason         string
	lastSnapshot       Snapshot
	consecutiveHealthy int
}

// NewController constructs a controller using the supplied configuration.
func NewController(cfg Config) *Controller {
	logger := svcfields.Ensure(cfg.Logger)
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = 1
	}
	controller := &Controller{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "control.qrf.controller"),
		state:  StateDisengaged,
	}
	controller.metrics = newQRFMetrics(logger, controller)
	return controller
}

// Enabled reports whether the controller paces anything.
func (c *Controller) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Observe ingests a new snapshot and updates the posture.
func (c *Controller) Observe(snapshot Snapshot) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSnapshot = snapshot
	prev := c.state
	next := prev

	hard, hardReason := c.breach(snapshot, true)
	soft, softReason := c.breach(snapshot, false)
	healthy := c.isHealthy(snapshot)

	switch {
	case hard:
		next = StateEngaged
		c.consecutiveHealthy = 0
		c.lastReason = hardReason
	case soft:
		if prev != StateEngaged {
			next = StateSoftArm
			c.lastReason = softReason
		}
		c.consecutiveHealthy = 0
	default:
		if healthy {
			c.consecutiveHealthy++
		} else {
			c.consecutiveHealthy = 0
		}
		if healthy && c.consecutiveHealthy >= c.cfg.RecoverySamples {
			switch prev {
			case StateEngaged:
				next = StateRecovery
				c.lastReason = "metrics recovering"
				c.consecutiveHealthy = 0
			case StateRecovery, StateSoftArm:
				next = StateDisengaged
				c.lastReason = "metrics stabilised"
				c.consecutiveHealthy = 0
			}
		}
	}

	if next != prev {
		c.state = next
		c.logTransition(prev, next, c.lastReason, snapshot)
		c.metrics.recordTransition(context.Background(), prev, next, c.lastReason)
	}
}

// Decide reports whether an operation of the given kind should be paced.
// A kind over its own limit is always paced. Host pressure paces the kind
// carrying the most inflight work, or every kind when none dominates.
func (c *Controller) Decide(kind Kind) Decision {
	if !c.Enabled() {
		return Decision{State: StateDisengaged}
	}

	c.mu.RLock()
	state := c.state
	reason := c.lastReason
	snapshot := c.lastSnapshot
	c.mu.RUnlock()

	if state == StateDisengaged {
		return c.recordDecision(kind, Decision{State: state})
	}
	limits := c.cfg.Inflight[kind]
	inflight := snapshot.InflightOf(kind)
	delay := baseDelayForState(c.cfg, state)
	switch {
	case limits.Hard > 0 && inflight >= limits.Hard:
		return c.recordDecision(kind, Decision{Throttle: true, State: state, Delay: delay, Reason: kind.String() + "_inflight_hard"})
	case limits.Soft > 0 && inflight >= limits.Soft:
		return c.recordDecision(kind, Decision{Throttle: true, State: state, Delay: delay, Reason: kind.String() + "_inflight_soft"})
	}
	if c.hostPressure(snapshot) {
		dominant, busy := dominantKind(snapshot)
		if !busy || dominant == kind {
			return c.recordDecision(kind, Decision{Throttle: true, State: state, Delay: delay, Reason: reason})
		}
	}
	return c.recordDecision(kind, Decision{State: state})
}

// Wait paces the caller when pressure is detected. It returns a WaitError
// when the computed delay exceeds MaxWait, or immediately when MaxWait is
// zero and the operation must be shed.
func (c *Controller) Wait(ctx context.Context, kind Kind) error {
	if !c.Enabled() {
		return nil
	}
	decision := c.Decide(kind)
	if !decision.Throttle {
		return nil
	}
	delay := c.delayForDecision(decision)
	if delay <= 0 {
		return nil
	}
	maxWait := c.cfg.MaxWait
	if maxWait <= 0 {
		return &WaitError{Delay: delay, Reason: decision.Reason}
	}
	waitFor := min(delay, maxWait)
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		waitFor = min(waitFor, remaining)
	}
	if err := sleepWithContext(ctx, waitFor); err != nil {
		return err
	}
	if delay > maxWait {
		return &WaitError{Delay: delay, Reason: decision.Reason}
	}
	return nil
}

// State returns the current posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the last sample observed by the controller.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot
}

// Status returns the current state, reason, and snapshot.
func (c *Controller) Status() Status {
	if c == nil {
		return Status{State: StateDisengaged, Inflight: map[string]int64{}}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	inflight := make(map[string]int64, NumKinds)
	for _, kind := range Kinds() {
		inflight[kind.String()] = c.lastSnapshot.InflightOf(kind)
	}
	return Status{
		Enabled:  c.cfg.Enabled,
		State:    c.state,
		Reason:   c.lastReason,
		Inflight: inflight,
		Snapshot: c.lastSnapshot,
	}
}

func (c *Controller) recordDecision(kind Kind, decision Decision) Decision {
	c.metrics.recordDecision(context.Background(), kind, decision)
	return decision
}

// breach reports the first limit crossed by s, checking hard or soft bounds.
func (c *Controller) breach(s Snapshot, hard bool) (bool, string) {
	suffix := "_soft"
	if hard {
		suffix = "_hard"
	}
	for _, kind := range Kinds() {
		limits := c.cfg.Inflight[kind]
		limit := limits.Soft
		if hard {
			limit = limits.Hard
		}
		if limit > 0 && s.InflightOf(kind) >= limit {
			return true, kind.String() + "_inflight" + suffix
		}
	}
	memPercent, memBytes := c.cfg.MemorySoftLimitPercent, c.cfg.MemorySoftLimitBytes
	cpu, load := c.cfg.CPUPercentSoftLimit, c.cfg.LoadSoftLimitMultiplier
	if hard {
		memPercent, memBytes = c.cfg.MemoryHardLimitPercent, c.cfg.MemoryHardLimitBytes
		cpu, load = c.cfg.CPUPercentHardLimit, c.cfg.LoadHardLimitMultiplier
	}
	if memPercent > 0 && c.effectiveMemoryPercent(s) >= memPercent {
		return true, "memory" + suffix
	}
	if memBytes > 0 && s.RSSBytes >= memBytes {
		return true, "memory" + suffix
	}
	if cpu > 0 && s.SystemCPUPercent >= cpu {
		return true, "cpu" + suffix
	}
	if load > 0 && s.Load1Multiplier >= load {
		return true, "load" + suffix
	}
	return false, ""
}

func (c *Controller) hostPressure(s Snapshot) bool {
	if c.cfg.MemorySoftLimitPercent > 0 && c.effectiveMemoryPercent(s) >= c.cfg.MemorySoftLimitPercent {
		return true
	}
	if c.cfg.MemorySoftLimitBytes > 0 && s.RSSBytes >= c.cfg.MemorySoftLimitBytes {
		return true
	}
	if c.cfg.CPUPercentSoftLimit > 0 && s.SystemCPUPercent >= c.cfg.CPUPercentSoftLimit {
		return true
	}
	return c.cfg.LoadSoftLimitMultiplier > 0 && s.Load1Multiplier >= c.cfg.LoadSoftLimitMultiplier
}

// isHealthy requires every metric to sit well below its soft limit so the
// controller does not flap around a threshold.
func (c *Controller) isHealthy(s Snapshot) bool {
	for _, kind := range Kinds() {
		soft := c.cfg.Inflight[kind].Soft
		if soft > 0 && s.InflightOf(kind) > max(1, soft/2) {
			return false
		}
	}
	if c.cfg.MemorySoftLimitPercent > 0 && c.effectiveMemoryPercent(s) > percentRecoveryTarget(c.cfg.MemorySoftLimitPercent) {
		return false
	}
	if c.cfg.MemorySoftLimitBytes > 0 && s.RSSBytes > c.cfg.MemorySoftLimitBytes/2 {
		return false
	}
	if c.cfg.CPUPercentSoftLimit > 0 && s.SystemCPUPercent > percentRecoveryTarget(c.cfg.CPUPercentSoftLimit) {
		return false
	}
	if c.cfg.LoadSoftLimitMultiplier > 0 && s.Load1Multiplier > multiplierRecoveryTarget(c.cfg.LoadSoftLimitMultiplier) {
		return false
	}
	return true
}

func (c *Controller) logTransition(prev, next State, reason string, s Snapshot) {
	fields := []any{
		"previous_state", prev.String(),
		"reason", reason,
		"lock_inflight", s.InflightOf(KindLock),
		"publish_inflight", s.InflightOf(KindPublish),
		"run_inflight", s.InflightOf(KindRun),
		"streams", s.InflightOf(KindStream),
		"rss_bytes", s.RSSBytes,
		"system_memory_percent", s.SystemMemoryUsedPercent,
		"system_memory_percent_effective", c.effectiveMemoryPercent(s),
		"system_cpu_percent", s.SystemCPUPercent,
		"system_load1", s.SystemLoad1,
		"load1_multiplier", s.Load1Multiplier,
		"goroutines", s.Goroutines,
	}
	if next == StateEngaged {
		c.logger.Warn("itinerd.qrf."+next.String(), fields...)
		return
	}
	c.logger.Info("itinerd.qrf."+next.String(), fields...)
}

func (c *Controller) effectiveMemoryPercent(s Snapshot) float64 {
	percent := s.SystemMemoryUsedPercent
	if s.SystemMemoryIncludesReclaimable || c.cfg.MemoryStrictHeadroomPercent <= 0 {
		return percent
	}
	return math.Max(0, percent-c.cfg.MemoryStrictHeadroomPercent)
}

func percentRecoveryTarget(limit float64) float64 {
	return math.Max(0, limit-10)
}

func multiplierRecoveryTarget(limit float64) float64 {
	if limit <= 1 {
		return 1
	}
	return math.Max(1, limit*0.5)
}

func dominantKind(s Snapshot) (Kind, bool) {
	best := KindLock
	var top int64
	for _, kind := range Kinds() {
		if v := s.InflightOf(kind); v > top {
			best, top = kind, v
		}
	}
	return best, top > 0
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func baseDelayForState(cfg Config, state State) time.Duration {
	switch state {
	case StateSoftArm:
		return nonZero(cfg.SoftDelay, 50*time.Millisecond)
	case StateEngaged:
		return nonZero(cfg.EngagedDelay, 500*time.Millisecond)
	case StateRecovery:
		return nonZero(cfg.RecoveryDelay, 200*time.Millisecond)
	default:
		return 0
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delayForDecision scales the state's base delay by how far past the soft
// limit the triggering metric is, never dropping below a tenth of it.
func (c *Controller) delayForDecision(decision Decision) time.Duration {
	base := decision.Delay
	if base <= 0 {
		base = baseDelayForState(c.cfg, decision.State)
	}
	if base <= 0 {
		return 0
	}
	pressure := math.Min(1, math.Max(0.1, c.pressureForReason(decision.Reason)))
	scaled := time.Duration(float64(base) * pressure)
	return max(scaled, base/10)
}

func (c *Controller) pressureForReason(reason string) float64 {
	s := c.Snapshot()
	for _, kind := range Kinds() {
		if reason == kind.String()+"_inflight_soft" || reason == kind.String()+"_inflight_hard" {
			limits := c.cfg.Inflight[kind]
			return ratio(float64(s.InflightOf(kind)), float64(limits.Soft), float64(limits.Hard))
		}
	}
	switch reason {
	case "memory_soft", "memory_hard":
		if c.cfg.MemorySoftLimitPercent > 0 || c.cfg.MemoryHardLimitPercent > 0 {
			return ratio(c.effectiveMemoryPercent(s), c.cfg.MemorySoftLimitPercent, c.cfg.MemoryHardLimitPercent)
		}
		return ratio(float64(s.RSSBytes), float64(c.cfg.MemorySoftLimitBytes), float64(c.cfg.MemoryHardLimitBytes))
	case "cpu_soft", "cpu_hard":
		return ratio(s.SystemCPUPercent, c.cfg.CPUPercentSoftLimit, c.cfg.CPUPercentHardLimit)
	case "load_soft", "load_hard":
		return ratio(s.Load1Multiplier, c.cfg.LoadSoftLimitMultiplier, c.cfg.LoadHardLimitMultiplier)
	default:
		return 1
	}
}

func ratio(value, soft, hard float64) float64 {
	if soft <= 0 && hard <= 0 {
		return 1
	}
	if soft <= 0 {
		soft = hard / 2
	}
	if hard <= soft {
		hard = soft * 2
	}
	if value <= soft {
		return 0
	}
	return math.Max(0, math.Min(1, (value-soft)/(hard-soft)))
}
