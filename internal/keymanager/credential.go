package keymanager

import (
	"sync"
	"time"

	"github.com/keyproxy/llm-keypool-proxy/internal/breaker"
	"github.com/keyproxy/llm-keypool-proxy/internal/keysfile"
	"github.com/keyproxy/llm-keypool-proxy/internal/ratelimit"
	"github.com/keyproxy/llm-keypool-proxy/internal/ring"
)

const latencyRingCapacity = 100

// Credential is one upstream API key: the scheduler's atomic unit
// (spec.md §3). All mutable fields are guarded by mu; external readers
// must go through GetStats, never touch fields directly.
type Credential struct {
	mu sync.Mutex

	Index  int
	KeyID  string
	secret string

	inFlight      int
	totalRequests int64
	successCount  int64
	failureCount  int64

	latencies *ring.Buffer[int64]

	lastUsed    time.Time
	lastSuccess time.Time
	lastFailure time.Time

	rateLimitedCount    int
	rateLimitedAt       time.Time
	rateLimitCooldownMs int64

	circuit *breaker.Breaker
	bucket  *ratelimit.Bucket

	now func() time.Time
}

func newCredential(index int, entry keysfile.Entry, cfg Config, onStateChange breaker.OnStateChange) *Credential {
	c := &Credential{
		Index:               index,
		KeyID:               entry.KeyID,
		secret:              entry.Secret,
		latencies:           ring.New[int64](latencyRingCapacity),
		rateLimitCooldownMs: cfg.BaseCooldownMs,
		circuit:             breaker.New(cfg.Breaker, onStateChange),
		bucket:              ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		now:                 time.Now,
	}
	return c
}

// UpstreamAuthorization renders the upstream Authorization header value
// for this credential. The secret never leaves this method's callers'
// immediate use.
func (c *Credential) UpstreamAuthorization() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "Bearer " + c.KeyID + "." + c.secret
}

// decayLocked implements spec.md §4.5.4's per-key cooldown decay: if the
// rate-limit cooldown is stale, reset it before evaluating availability.
func (c *Credential) decayLocked(now time.Time, cooldownDecayMs, baseCooldownMs int64) {
	if c.rateLimitedAt.IsZero() {
		return
	}
	if now.Sub(c.rateLimitedAt) > time.Duration(cooldownDecayMs)*time.Millisecond {
		c.rateLimitedCount = 0
		c.rateLimitCooldownMs = baseCooldownMs
		c.rateLimitedAt = time.Time{}
	}
}

// availableLocked implements spec.md §4.5.1, after applying decay.
func (c *Credential) availableLocked(now time.Time, maxConcurrency int, cooldownDecayMs, baseCooldownMs int64) bool {
	c.decayLocked(now, cooldownDecayMs, baseCooldownMs)

	if !c.circuit.IsAvailable() {
		return false
	}
	if c.inFlight >= maxConcurrency {
		return false
	}
	if !c.bucket.Peek() {
		return false
	}
	if !c.rateLimitedAt.IsZero() && now.Before(c.rateLimitedAt.Add(time.Duration(c.rateLimitCooldownMs)*time.Millisecond)) {
		return false
	}
	return true
}

// p95Locked returns the 95th-percentile latency in milliseconds over the
// ring buffer, 0 if empty.
func (c *Credential) p95Locked() float64 {
	samples := c.latencies.ToArray()
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

// Stats is a point-in-time copy of a credential's observable state.
type Stats struct {
	Index               int
	KeyID               string
	InFlight            int
	TotalRequests       int64
	SuccessCount        int64
	FailureCount        int64
	P95LatencyMs        float64
	LastUsed            time.Time
	LastSuccess         time.Time
	LastFailure         time.Time
	RateLimitedCount    int
	RateLimitedAt       time.Time
	RateLimitCooldownMs int64
	Circuit             breaker.Stats
	Tokens              float64
}

// GetStats returns a copy of the credential's state, safe for
// concurrent reads without affecting scheduling decisions.
func (c *Credential) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Index:               c.Index,
		KeyID:               c.KeyID,
		InFlight:            c.inFlight,
		TotalRequests:       c.totalRequests,
		SuccessCount:        c.successCount,
		FailureCount:        c.failureCount,
		P95LatencyMs:        c.p95Locked(),
		LastUsed:            c.lastUsed,
		LastSuccess:         c.lastSuccess,
		LastFailure:         c.lastFailure,
		RateLimitedCount:    c.rateLimitedCount,
		RateLimitedAt:       c.rateLimitedAt,
		RateLimitCooldownMs: c.rateLimitCooldownMs,
		Circuit:             c.circuit.GetStats(),
		Tokens:              c.bucket.Tokens(),
	}
}
