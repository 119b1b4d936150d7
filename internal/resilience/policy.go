// Package resilience wraps outbound calls with error classification, capped
// exponential backoff and a per-dependency circuit breaker.
package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultMultiplier  = 2.0
	// JitterSpread bounds jitter to [-JitterSpread, JitterSpread].
	JitterSpread = 0.25
)

// RetryPolicy controls how many attempts a call gets and how long to wait
// between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy returns the stock policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
	}
}

// Normalize fills zero or invalid fields with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Delay returns the wait before retry number attempt (0-based). The raw
// value is min(MaxDelay, BaseDelay*Multiplier^attempt) scaled by (1+jitter)
// and then clamped into [BaseDelay, MaxDelay].
func (p RetryPolicy) Delay(attempt int, jitter float64) time.Duration {
	p = p.Normalize()
	if attempt < 0 {
		attempt = 0
	}
	jitter = math.Max(-JitterSpread, math.Min(JitterSpread, jitter))
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	d := time.Duration(raw * (1 + jitter))
	if d < p.BaseDelay {
		d = p.BaseDelay
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// UniformJitter draws jitter uniformly from [-JitterSpread, JitterSpread].
func UniformJitter() float64 {
	return rand.Float64()*2*JitterSpread - JitterSpread
}
