package resilience

import (
	"testing"
	"time"
)

func TestDelayStaysWithinBounds(t *testing.T) {
	policies := []RetryPolicy{
		DefaultRetryPolicy(),
		{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 150 * time.Millisecond, Multiplier: 3},
		{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 2},
		{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 10},
	}
	jitters := []float64{-1, -0.25, -0.1, 0, 0.1, 0.25, 1}
	for _, p := range policies {
		for attempt := 0; attempt < 64; attempt++ {
			for _, j := range jitters {
				d := p.Delay(attempt, j)
				if d < p.BaseDelay || d > p.MaxDelay {
					t.Fatalf("policy %+v attempt %d jitter %v: delay %v out of [%v, %v]", p, attempt, j, d, p.BaseDelay, p.MaxDelay)
				}
			}
		}
	}
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for attempt, w := range want {
		if got := p.Delay(attempt, 0); got != w {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, w)
		}
	}
	if got := p.Delay(2, 0.25); got != 500*time.Millisecond {
		t.Fatalf("expected +25%% jitter to give 500ms, got %v", got)
	}
	if got := p.Delay(30, 0); got != 10*time.Second {
		t.Fatalf("expected cap at max delay, got %v", got)
	}
}

func TestUniformJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if j := UniformJitter(); j < -JitterSpread || j > JitterSpread {
			t.Fatalf("jitter %v out of range", j)
		}
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Millisecond}.Normalize()
	if p.MaxAttempts != DefaultMaxAttempts || p.Multiplier != DefaultMultiplier {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if p.MaxDelay != time.Second {
		t.Fatalf("max delay must be raised to base delay, got %v", p.MaxDelay)
	}
}
