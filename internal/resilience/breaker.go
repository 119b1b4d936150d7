package resilience

import (
	"sync"
	"time"

	"pkt.systems/itinerd/internal/clock"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/pslog"
)

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// State is the posture of a circuit breaker.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has elapsed.
	StateOpen
	// StateHalfOpen admits a single probe.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name      string
	Threshold int
	Cooldown  time.Duration
	Clock     clock.Clock
	Logger    pslog.Logger

	// OnTransition, when set, is called outside the breaker lock.
	OnTransition func(from, to State)
}

// BreakerSnapshot is a point-in-time view of a Breaker.
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitzero"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
	ProbeInFlight       bool      `json:"probeInFlight"`
	Transitions         uint64    `json:"transitions"`
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine guarding one dependency.
type Breaker struct {
	cfg    BreakerConfig
	clock  clock.Clock
	logger pslog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
	transitions uint64

	// generation advances on every state change; tickets from an older
	// generation no longer describe the current state.
	generation uint64
}

// Ticket records which breaker generation admitted a call. Outcomes reported
// through a ticket are ignored once the breaker has changed state since.
type Ticket struct {
	b   *Breaker
	gen uint64
}

// Success records a successful call admitted by t.
func (t Ticket) Success() {
	if t.b != nil {
		t.b.success(t.gen, true)
	}
}

// Failure records a transient failure of a call admitted by t.
func (t Ticket) Failure() {
	if t.b != nil {
		t.b.failure(t.gen, true)
	}
}

// Skip releases the probe slot held by t, if any.
func (t Ticket) Skip() {
	if t.b != nil {
		t.b.skip(t.gen, true)
	}
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		logger: svcfields.WithSubsystem(cfg.Logger, "resilience.breaker").With("breaker", cfg.Name),
	}
}

// Allow reports whether a call may proceed. See Admit.
func (b *Breaker) Allow() bool {
	_, ok := b.Admit()
	return ok
}

// Admit reports whether a call may proceed and returns the ticket its outcome
// must be reported through. An OPEN breaker whose cooldown has elapsed moves
// to HALF_OPEN and admits the caller as its only probe.
func (b *Breaker) Admit() (Ticket, bool) {
	b.mu.Lock()
	var from, to State
	changed := false
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !b.clock.Now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
			from, to, changed = b.setStateLocked(StateHalfOpen)
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	ticket := Ticket{b: b, gen: b.generation}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
	return ticket, allowed
}

// Success records a successful call against the current state. It is a no-op
// while the breaker is OPEN.
func (b *Breaker) Success() { b.success(0, false) }

// Failure records a transient failure against the current state.
func (b *Breaker) Failure() { b.failure(0, false) }

// Skip releases a HALF_OPEN probe slot without deciding the state; used when
// the probe ended with an outcome that says nothing about the dependency.
func (b *Breaker) Skip() { b.skip(0, false) }

func (b *Breaker) stale(gen uint64, tracked bool) bool {
	return tracked && gen != b.generation
}

func (b *Breaker) success(gen uint64, tracked bool) {
	b.mu.Lock()
	if b.stale(gen, tracked) || b.state == StateOpen {
		b.mu.Unlock()
		return
	}
	b.failures = 0
	b.probing = false
	from, to, changed := b.setStateLocked(StateClosed)
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) failure(gen uint64, tracked bool) {
	b.mu.Lock()
	if b.stale(gen, tracked) {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	b.failures++
	b.lastFailure = now
	var from, to State
	changed := false
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.openedAt = now
		from, to, changed = b.setStateLocked(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.openedAt = now
			from, to, changed = b.setStateLocked(StateOpen)
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, to)
	}
}

func (b *Breaker) skip(gen uint64, tracked bool) {
	b.mu.Lock()
	if !b.stale(gen, tracked) && b.state == StateHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:                b.cfg.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailure,
		OpenedAt:            b.openedAt,
		ProbeInFlight:       b.probing,
		Transitions:         b.transitions,
	}
}

func (b *Breaker) setStateLocked(next State) (State, State, bool) {
	prev := b.state
	if prev == next {
		return prev, next, false
	}
	b.state = next
	b.transitions++
	b.generation++
	return prev, next, true
}

func (b *Breaker) notify(from, to State) {
	b.logger.Info("resilience.breaker.transition", "from", from.String(), "to", to.String())
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(from, to)
	}
}
