package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/itinerd/internal/clock"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

// CodeCircuitOpen is the failure code returned while the breaker rejects calls.
const CodeCircuitOpen = "circuit_open"

// ErrCircuitOpen is wrapped by failures produced by an open breaker.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Failure is the typed error surfaced by an Invoker. Kind preserves the
// classification of the final outcome.
type Failure struct {
	Op       string
	Kind     Class
	Status   int
	Code     string
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s failure after %d attempt(s): %v", f.Op, f.Kind, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the caller may try again later.
func (f *Failure) Retryable() bool { return f.Kind == Transient }

// Config wires an Invoker.
type Config struct {
	Name       string
	Policy     RetryPolicy
	Breaker    BreakerConfig
	Classifier Classifier
	Clock      clock.Clock
	// Jitter returns a value in [-JitterSpread, JitterSpread]; UniformJitter
	// when nil.
	Jitter func() float64
	Logger pslog.Logger
}

// InvokerStats is a point-in-time view of an Invoker.
type InvokerStats struct {
	Name       string          `json:"name"`
	Breaker    BreakerSnapshot `json:"breaker"`
	Calls      uint64          `json:"calls"`
	Attempts   uint64          `json:"attempts"`
	Succeeded  uint64          `json:"succeeded"`
	Failed     uint64          `json:"failed"`
	Rejected   uint64          `json:"rejected"`
	Retries    uint64          `json:"retries"`
	MaxAttempt int             `json:"maxAttempts"`
}

// Invoker runs calls against one protected dependency.
type Invoker struct {
	name     string
	policy   RetryPolicy
	breaker  *Breaker
	classify Classifier
	clock    clock.Clock
	jitter   func() float64
	logger   pslog.Logger
	tracer   trace.Tracer
	metrics  *metrics

	calls     atomic.Uint64
	attempts  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	retries   atomic.Uint64
}

// NewInvoker builds an Invoker with its own breaker.
func NewInvoker(cfg Config) *Invoker {
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	clk := clock.OrReal(cfg.Clock)
	logger := svcfields.WithSubsystem(cfg.Logger, "resilience.invoker").With("dependency", cfg.Name)
	inv := &Invoker{
		name:     cfg.Name,
		policy:   cfg.Policy.Normalize(),
		classify: cfg.Classifier,
		clock:    clk,
		jitter:   cfg.Jitter,
		logger:   logger,
		tracer:   otel.Tracer("pkt.systems/itinerd/resilience"),
	}
	if inv.classify == nil {
		inv.classify = Classify
	}
	if inv.jitter == nil {
		inv.jitter = UniformJitter
	}
	inv.metrics = newMetrics(logger, cfg.Name)
	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg.Name = cfg.Name
	}
	if bcfg.Clock == nil {
		bcfg.Clock = clk
	}
	if bcfg.Logger == nil {
		bcfg.Logger = cfg.Logger
	}
	userHook := bcfg.OnTransition
	bcfg.OnTransition = func(from, to State) {
		inv.metrics.recordTransition(from, to)
		if userHook != nil {
			userHook(from, to)
		}
	}
	inv.breaker = NewBreaker(bcfg)
	inv.metrics.observeBreaker(inv.breaker)
	return inv
}

// Breaker exposes the underlying breaker.
func (i *Invoker) Breaker() *Breaker { return i.breaker }

// Do runs fn under the retry policy and breaker. fn receives the per-call
// context and should return a classified error on failure.
func (i *Invoker) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "itinerd.resilience."+op, trace.WithAttributes(
		attribute.String("itinerd.dependency", i.name),
	))
	defer span.End()
	logger := svcfields.FromContext(ctx, i.logger)
	i.calls.Add(1)

	var lastErr error
	var lastClass Class
	attempt := 0
	for attempt < i.policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return i.fail(span, op, Canceled, attempt, err)
		}
		ticket, allowed := i.breaker.Admit()
		if !allowed {
			i.rejected.Add(1)
			i.metrics.recordAttempt(ctx, "rejected")
			logger.Debug("resilience.call.rejected", "op", op, "attempt", attempt+1)
			f := &Failure{Op: op, Kind: Transient, Status: http.StatusServiceUnavailable, Code: CodeCircuitOpen, Attempts: attempt, Err: ErrCircuitOpen}
			if lastErr != nil {
				f.Err = errors.Join(ErrCircuitOpen, lastErr)
			}
			i.failed.Add(1)
			span.SetStatus(codes.Error, CodeCircuitOpen)
			return f
		}
		attempt++
		i.attempts.Add(1)
		err := fn(ctx)
		if err == nil {
			ticket.Success()
			i.succeeded.Add(1)
			i.metrics.recordAttempt(ctx, "success")
			span.SetAttributes(attribute.Int("itinerd.attempts", attempt))
			return nil
		}
		lastErr = err
		lastClass = i.classify(err)
		if lastClass == Canceled && ctx.Err() == nil {
			// fn saw a cancellation that is not ours; the dependency did not
			// answer, so count it like a timeout.
			lastClass = Transient
		}
		i.metrics.recordAttempt(ctx, lastClass.String())
		switch lastClass {
		case Permanent:
			ticket.Skip()
			logger.Debug("resilience.call.permanent", "op", op, "attempt", attempt, "error", err)
			return i.fail(span, op, Permanent, attempt, err)
		case Canceled:
			ticket.Skip()
			return i.fail(span, op, Canceled, attempt, err)
		}
		ticket.Failure()
		if attempt >= i.policy.MaxAttempts {
			break
		}
		delay := i.policy.Delay(attempt-1, i.jitter())
		logger.Warn("resilience.call.retry",
			"op", op,
			"attempt", attempt,
			"max_attempts", i.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		i.retries.Add(1)
		if werr := clock.Wait(ctx, i.clock, delay); werr != nil {
			return i.fail(span, op, Canceled, attempt, errors.Join(werr, lastErr))
		}
	}
	logger.Warn("resilience.call.exhausted", "op", op, "attempts", attempt, "error", lastErr)
	return i.fail(span, op, Transient, attempt, lastErr)
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, inv *Invoker, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := inv.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (i *Invoker) fail(span trace.Span, op string, kind Class, attempts int, err error) error {
	i.failed.Add(1)
	f := &Failure{Op: op, Kind: kind, Attempts: attempts, Err: err}
	var status *StatusError
	if errors.As(err, &status) {
		f.Status = status.Status
		f.Code = status.Code
	}
	if f.Status == 0 {
		switch kind {
		case Canceled:
			f.Status = 499
			f.Code = "canceled"
		case Permanent:
			f.Status = http.StatusBadRequest
		default:
			f.Status = http.StatusBadGateway
		}
	}
	if f.Code == "" {
		f.Code = "upstream_" + kind.String()
	}
	span.SetAttributes(attribute.Int("itinerd.attempts", attempts), attribute.String("itinerd.failure", kind.String()))
	span.SetStatus(codes.Error, f.Code)
	return f
}

// Stats returns the breaker snapshot and call counters.
func (i *Invoker) Stats() InvokerStats {
	return InvokerStats{
		Name:       i.name,
		Breaker:    i.breaker.Snapshot(),
		Calls:      i.calls.Load(),
		Attempts:   i.attempts.Load(),
		Succeeded:  i.succeeded.Load(),
		Failed:     i.failed.Load(),
		Rejected:   i.rejected.Load(),
		Retries:    i.retries.Load(),
		MaxAttempt: i.policy.MaxAttempts,
	}
}

// AsFailure extracts a Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

