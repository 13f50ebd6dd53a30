// Package ratelimit implements C6's per-endpoint token-bucket rate limiter,
// resolving Open Question 2 (per-endpoint rate limits are enforced
// client-side, not merely advisory).
//
// Grounded on adred-codev-ws_poc's
// ws/internal/shared/limits/connection_rate_limiter.go: a map of per-key
// *rate.Limiter entries with last-access tracking, generalized here from
// per-IP connection throttling to per-endpoint delivery throttling.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a limiter with the last time it was touched, so idle
// endpoints' limiters can be evicted instead of accumulating forever.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter owns one token bucket per endpoint_id. Capacity and refill rate
// come from each endpoint's RateLimitPerMinute (§3); a bucket is created
// lazily on first use and sized for that endpoint.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
}

// New creates a Limiter. Idle per-endpoint buckets older than ttl are
// evicted on Allow calls, bounding memory for endpoints that stop sending
// traffic instead of being deleted.
func New(ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Limiter{entries: make(map[string]*entry), ttl: ttl}
}

// Allow reports whether a delivery attempt to endpointID may proceed right
// now, given a bucket refilling at ratePerMinute tokens/minute with a burst
// capacity equal to one minute's worth of tokens (minimum burst of 1).
func (l *Limiter) Allow(endpointID string, ratePerMinute int) bool {
	if ratePerMinute <= 0 {
		return true // unset/non-positive means no limit configured
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictLocked()

	e, ok := l.entries[endpointID]
	if !ok {
		burst := ratePerMinute
		if burst < 1 {
			burst = 1
		}
		e = &entry{limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), burst)}
		l.entries[endpointID] = e
	}
	e.lastAccess = time.Now()

	return e.limiter.Allow()
}

func (l *Limiter) evictLocked() {
	cutoff := time.Now().Add(-l.ttl)
	for id, e := range l.entries {
		if e.lastAccess.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

// Reschedule is the policy named in SPEC_FULL.md: a job that arrives while
// the bucket is empty is neither dropped nor retried immediately — it is
// re-emitted with a short additional delay, so a rate-limited endpoint
// degrades to slower delivery rather than lost delivery.
const Reschedule = time.Second
