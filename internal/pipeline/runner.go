package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/clock"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

// Progress event types published by the runner.
const (
	EventGenerationStarted   = "generation-started"
	EventStageStarted        = "stage-started"
	EventStageProgress       = "stage-progress"
	EventStageCompleted      = "stage-completed"
	EventStageFailed         = "stage-failed"
	EventGenerationCompleted = "generation-completed"
	EventGenerationFailed    = "generation-failed"
)

const (
	// DefaultLockTTL is the lease each stage holds on the itinerary.
	DefaultLockTTL = 30 * time.Second
	// DefaultAcquireTimeout bounds how long a stage polls for its lease.
	DefaultAcquireTimeout = 10 * time.Second
)

var (
	// ErrNoAgents is returned when a run is requested with an empty registry.
	ErrNoAgents = errors.New("pipeline: no agents registered")
	// ErrLeaseLost cancels a stage whose lease could not be extended.
	ErrLeaseLost = errors.New("pipeline: lease lost")
	// ErrRunnerClosed is returned once the runner has been closed.
	ErrRunnerClosed = errors.New("pipeline: runner closed")
)

// Locker is the subset of the lock manager the runner needs.
type Locker interface {
	Acquire(ctx context.Context, req lockmgr.AcquireRequest) (lockmgr.AcquireResult, error)
	Extend(ctx context.Context, resourceID, owner string, additional time.Duration) (bool, error)
	Release(ctx context.Context, resourceID, owner string) (bool, error)
}

// Publisher is the subset of the broadcast hub the runner needs.
type Publisher interface {
	Publish(ctx context.Context, resourceID string, msg broadcast.Message) (broadcast.Event, error)
}

// LockTimeoutError is returned when a stage could not obtain its lease in
// time. Holder is the last conflicting lock seen.
type LockTimeoutError struct {
	ResourceID string
	Waited     time.Duration
	Holder     *lockmgr.NodeLock
}

func (e *LockTimeoutError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("pipeline: lock on %s held by %s (%s) after %s", e.ResourceID, e.Holder.Owner, e.Holder.Type, e.Waited)
	}
	return fmt.Sprintf("pipeline: lock on %s not acquired after %s", e.ResourceID, e.Waited)
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Registry *Registry
	Locks    Locker
	Events   Publisher
	Invoker  *resilience.Invoker
	Clock    clock.Clock
	Logger   pslog.Logger

	LockTTL        time.Duration
	AcquireTimeout time.Duration
	// Poll shapes the backoff between conflicting acquire attempts.
	Poll resilience.RetryPolicy
}

// RunRequest names the itinerary to generate.
type RunRequest struct {
	ResourceID string
	SessionID  string
	Owner      string
	Input      map[string]any
}

// RunResult summarises a finished run.
type RunResult struct {
	Outputs  map[string]any
	Duration time.Duration
}

// Runner executes the registered agents against one itinerary at a time
// per call. Concurrent runs on the same itinerary serialise on the lock
// manager, not inside the runner.
type Runner struct {
	cfg     RunnerConfig
	clock   clock.Clock
	logger  pslog.Logger
	metrics *metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	nextID uint64
	cancel map[uint64]context.CancelFunc
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Registry == nil || cfg.Locks == nil || cfg.Events == nil {
		return nil, errors.New("pipeline: registry, locks and events are required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Poll.BaseDelay <= 0 {
		cfg.Poll.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Poll.MaxDelay <= 0 {
		cfg.Poll.MaxDelay = 2 * time.Second
	}
	cfg.Poll = cfg.Poll.Normalize()
	logger := svcfields.WithSubsystem(cfg.Logger, "pipeline.runner")
	return &Runner{
		cfg:     cfg,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logger,
		metrics: newMetrics(logger),
		cancel:  make(map[uint64]context.CancelFunc),
	}, nil
}

// Start runs req in the background under ctx. It returns once the run has
// been accepted.
func (r *Runner) Start(ctx context.Context, req RunRequest) error {
	if err := r.validate(req); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.nextID++
	key := r.nextID
	r.cancel[key] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancel, key)
			r.mu.Unlock()
			cancel()
		}()
		if _, err := r.Run(runCtx, req); err != nil {
			r.logger.Warn("pipeline.run.failed", "resource", req.ResourceID, "session", req.SessionID, "error", err)
		}
	}()
	return nil
}

// Close cancels in-flight background runs and waits for them to finish or
// for ctx to end.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.cancel {
		cancel()
	}
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of background runs.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancel)
}

func (r *Runner) validate(req RunRequest) error {
	switch {
	case req.ResourceID == "":
		return errors.Join(lockmgr.ErrInvalidRequest, errors.New("resource id required"))
	case req.SessionID == "":
		return errors.Join(lockmgr.ErrInvalidRequest, errors.New("session id required"))
	case req.Owner == "":
		return errors.Join(lockmgr.ErrInvalidRequest, errors.New("owner required"))
	case r.cfg.Registry.Len() == 0:
		return ErrNoAgents
	}
	return nil
}

// Run executes every registered agent in stage order and blocks until the
// run completes, fails or ctx ends.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if err := r.validate(req); err != nil {
		return RunResult{}, err
	}
	logger := svcfields.FromContext(ctx, r.logger).With("resource", req.ResourceID, "session", req.SessionID)
	start := r.clock.Now()
	agents := r.cfg.Registry.Agents()
	r.publish(ctx, req, EventGenerationStarted, map[string]any{
		"ownerId": req.Owner,
		"stages":  len(agents),
	})
	logger.Info("pipeline.run.start", "owner", req.Owner, "stages", len(agents))

	outputs := make(map[string]any, len(agents))
	for idx, agent := range agents {
		capability := agent.Capability()
		output, err := r.runStage(ctx, req, agent, idx, outputs, logger)
		if err != nil {
			elapsed := r.clock.Now().Sub(start)
			r.publish(ctx, req, EventGenerationFailed, map[string]any{
				"agent":      capability.Kind,
				"error":      err.Error(),
				"durationMs": elapsed.Milliseconds(),
			})
			r.metrics.recordRun(ctx, "failure", elapsed)
			logger.Warn("pipeline.run.failed", "agent", capability.Kind, "error", err)
			return RunResult{Outputs: outputs, Duration: elapsed}, err
		}
		outputs[capability.Kind] = output
	}
	elapsed := r.clock.Now().Sub(start)
	r.publish(ctx, req, EventGenerationCompleted, map[string]any{
		"outputs":    outputs,
		"durationMs": elapsed.Milliseconds(),
	})
	r.metrics.recordRun(ctx, "success", elapsed)
	logger.Info("pipeline.run.complete", "elapsed", elapsed)
	return RunResult{Outputs: outputs, Duration: elapsed}, nil
}

func (r *Runner) runStage(ctx context.Context, req RunRequest, agent Agent, idx int, outputs map[string]any, logger pslog.Logger) (any, error) {
	capability := agent.Capability()
	logger = logger.With("agent", capability.Kind)
	start := r.clock.Now()
	fail := func(err error) (any, error) {
		payload := map[string]any{
			"agent": capability.Kind,
			"stage": idx,
			"error": err.Error(),
		}
		if f, ok := resilience.AsFailure(err); ok {
			payload["code"] = f.Code
			payload["retryable"] = f.Retryable()
		}
		r.publish(ctx, req, EventStageFailed, payload)
		r.metrics.recordStage(ctx, capability.Kind, "failure", r.clock.Now().Sub(start))
		return nil, err
	}

	if err := r.acquire(ctx, req, capability, logger); err != nil {
		return fail(err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := r.cfg.Locks.Release(releaseCtx, req.ResourceID, req.Owner); err != nil {
			logger.Warn("pipeline.stage.release_failed", "error", err)
		}
	}()

	r.publish(ctx, req, EventStageStarted, map[string]any{
		"agent":    capability.Kind,
		"stage":    idx,
		"lockType": capability.LockType,
	})

	stageCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopKeepAlive := r.keepAlive(stageCtx, cancel, req, logger)
	step := &Step{
		ResourceID: req.ResourceID,
		SessionID:  req.SessionID,
		Owner:      req.Owner,
		Input:      req.Input,
		Previous:   maps.Clone(outputs),
		Invoker:    r.cfg.Invoker,
		capability: capability,
		index:      idx,
		runner:     r,
	}
	output, err := agent.Run(stageCtx, step)
	stopKeepAlive()
	if err == nil && stageCtx.Err() != nil {
		err = context.Cause(stageCtx)
	}
	if err != nil {
		if cause := context.Cause(stageCtx); errors.Is(cause, ErrLeaseLost) && !errors.Is(err, ErrLeaseLost) {
			err = errors.Join(cause, err)
		}
		return fail(err)
	}
	elapsed := r.clock.Now().Sub(start)
	r.publish(ctx, req, EventStageCompleted, map[string]any{
		"agent":      capability.Kind,
		"stage":      idx,
		"output":     output,
		"durationMs": elapsed.Milliseconds(),
	})
	r.metrics.recordStage(ctx, capability.Kind, "success", elapsed)
	logger.Debug("pipeline.stage.complete", "elapsed", elapsed)
	return output, nil
}

// acquire polls the lock manager until the lease is granted or the acquire
// timeout elapses.
func (r *Runner) acquire(ctx context.Context, req RunRequest, capability Capability, logger pslog.Logger) error {
	start := r.clock.Now()
	deadline := start.Add(r.cfg.AcquireTimeout)
	lockReq := lockmgr.AcquireRequest{
		ResourceID: req.ResourceID,
		Type:       capability.LockType,
		Owner:      req.Owner,
		TTL:        r.cfg.LockTTL,
		Metadata: map[string]string{
			"agent":   capability.Kind,
			"session": req.SessionID,
		},
	}
	for attempt := 0; ; attempt++ {
		res, err := r.cfg.Locks.Acquire(ctx, lockReq)
		if err != nil {
			return err
		}
		if res.OK {
			return nil
		}
		now := r.clock.Now()
		if !now.Before(deadline) {
			return &LockTimeoutError{ResourceID: req.ResourceID, Waited: now.Sub(start), Holder: res.Holder}
		}
		delay := r.cfg.Poll.Delay(attempt, resilience.UniformJitter())
		if remaining := deadline.Sub(now); delay > remaining {
			delay = remaining
		}
		logger.Debug("pipeline.stage.lock_wait", "attempt", attempt+1, "delay", delay)
		if err := clock.Wait(ctx, r.clock, delay); err != nil {
			return err
		}
	}
}

// keepAlive extends the lease by a third of its TTL every third of its TTL
// so the expiry stays roughly one TTL ahead. A failed extension cancels the
// stage with ErrLeaseLost.
func (r *Runner) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, req RunRequest, logger pslog.Logger) func() {
	interval := r.cfg.LockTTL / 3
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-r.clock.After(interval):
			}
			ok, err := r.cfg.Locks.Extend(ctx, req.ResourceID, req.Owner, interval)
			if err == nil && ok {
				logger.Trace("pipeline.stage.lease_extended", "by", interval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("pipeline.stage.lease_lost", "extended", ok, "error", err)
			cancel(errors.Join(ErrLeaseLost, err))
			return
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}

func (r *Runner) publish(ctx context.Context, req RunRequest, eventType string, payload map[string]any) {
	session := req.SessionID
	if _, err := r.cfg.Events.Publish(context.WithoutCancel(ctx), req.ResourceID, broadcast.Message{
		EventType: eventType,
		SessionID: &session,
		Payload:   payload,
	}); err != nil {
		svcfields.FromContext(ctx, r.logger).Warn("pipeline.publish.failed", "event", eventType, "error", err)
	}
}

// Step is handed to an agent for the duration of its stage.
type Step struct {
	ResourceID string
	SessionID  string
	Owner      string
	Input      map[string]any
	// Previous holds outputs of earlier stages keyed by agent kind.
	Previous map[string]any
	// Invoker guards outbound calls made by the agent; may be nil.
	Invoker *resilience.Invoker

	capability Capability
	index      int
	runner     *Runner
}

// Capability returns the descriptor of the running agent.
func (s *Step) Capability() Capability { return s.capability }

// Progress publishes a stage-progress event. pct is clamped to [0, 100].
func (s *Step) Progress(ctx context.Context, pct int, message string) {
	pct = max(0, min(100, pct))
	s.runner.publish(ctx, RunRequest{ResourceID: s.ResourceID, SessionID: s.SessionID}, EventStageProgress, map[string]any{
		"agent":   s.capability.Kind,
		"stage":   s.index,
		"percent": pct,
		"message": message,
	})
}
