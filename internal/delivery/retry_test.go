package delivery

import "testing"

func TestRetryDelay_MonotonicAcrossAttempts(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.Jitter = 0 // isolate the growth curve from jitter noise

	var prev = cfg.Base
	for attempt := 2; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v is less than previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestRetryDelay_NeverExceedsCap(t *testing.T) {
	cfg := DefaultRetryConfig()
	for attempt := 1; attempt <= 20; attempt++ {
		d := retryDelay(cfg, attempt)
		// allow the jitter's upper bound (cap * (1+jitter))
		maxAllowed := float64(cfg.Cap) * (1 + cfg.Jitter)
		if float64(d) > maxAllowed {
			t.Fatalf("attempt %d: delay %v exceeds jittered cap %v", attempt, d, maxAllowed)
		}
	}
}

func TestRetryDelay_NeverBelowBase(t *testing.T) {
	cfg := DefaultRetryConfig()
	for attempt := 1; attempt <= 10; attempt++ {
		if d := retryDelay(cfg, attempt); d < cfg.Base {
			t.Fatalf("attempt %d: delay %v is below the base floor %v", attempt, d, cfg.Base)
		}
	}
}

func TestRetryDelay_ClampsSubOneAttemptToOne(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.Jitter = 0
	if got, want := retryDelay(cfg, 0), retryDelay(cfg, 1); got != want {
		t.Fatalf("expected attempt<1 to clamp to attempt=1's delay, got %v want %v", got, want)
	}
}
