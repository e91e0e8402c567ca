// Package poolmanager implements the per-model pool cooldown (spec.md
// §4.4): exponential backoff with jitter on upstream 429s, decay after
// a quiet period, and proactive pacing from rate-limit response
// headers. Grounded on the FHIR platform's rate-limit-header parsing
// idiom (other_examples/75e6f1ae...rate_limit_headers.go) for the
// header-driven pacing piece.
package poolmanager

import (
	"math/rand"
	"sync"
	"time"
)

// GlobalPool is the key for unattributed 429s.
const GlobalPool = "__global__"

// Config tunes cooldown escalation and decay.
type Config struct {
	BaseMs             int64 // default 500
	CapMs              int64 // default 5000
	DecayMs            int64 // default 10000
	RemainingThreshold int   // default 5
	PacingDelayMs      int64 // default 0 (disabled unless set)
}

func (c Config) withDefaults() Config {
	if c.BaseMs <= 0 {
		c.BaseMs = 500
	}
	if c.CapMs <= 0 {
		c.CapMs = 5000
	}
	if c.DecayMs <= 0 {
		c.DecayMs = 10000
	}
	if c.RemainingThreshold <= 0 {
		c.RemainingThreshold = 5
	}
	return c
}

// HeaderSnapshot is the last observed upstream rate-limit header set.
type HeaderSnapshot struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

type poolState struct {
	rateLimitedUntil time.Time
	count            int
	lastHitAt        time.Time
	headers          HeaderSnapshot
	pacingUntil      time.Time
}

// Manager holds cooldown state for every model ("pool"), keyed by model
// name plus the special GlobalPool.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	pools map[string]*poolState
	rng   *rand.Rand
	now   func() time.Time
}

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		pools: make(map[string]*poolState),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
}

func (m *Manager) getOrCreateLocked(model string) *poolState {
	p, ok := m.pools[model]
	if !ok {
		p = &poolState{}
		m.pools[model] = p
	}
	return p
}

// RecordPoolRateLimitHit applies spec.md §4.4 steps 1-4 to the named
// model's pool state.
func (m *Manager) RecordPoolRateLimitHit(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getOrCreateLocked(model)
	now := m.now()

	if !p.lastHitAt.IsZero() && now.Sub(p.lastHitAt) > time.Duration(m.cfg.DecayMs)*time.Millisecond {
		p.count = 0
	}
	p.lastHitAt = now

	if p.count < 10 {
		p.count++
	}

	base := float64(m.cfg.BaseMs) * pow2(p.count-1)
	cooldown := base
	if cooldown > float64(m.cfg.CapMs) {
		cooldown = float64(m.cfg.CapMs)
	}

	jitter := (m.rng.Float64()*0.30 - 0.15) // [-15%, +15%]
	final := cooldown * (1 + jitter)
	if final < 0 {
		final = 0
	}

	deadline := now.Add(time.Duration(final) * time.Millisecond)
	if deadline.After(p.rateLimitedUntil) {
		p.rateLimitedUntil = deadline
	}
}

func pow2(exp int) float64 {
	if exp < 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= 2
	}
	return result
}

// IsPoolRateLimited reports whether model's pool (or the global pool) is
// currently in cooldown.
func (m *Manager) IsPoolRateLimited(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	return m.inCooldownLocked(model, now) || m.inCooldownLocked(GlobalPool, now)
}

func (m *Manager) inCooldownLocked(model string, now time.Time) bool {
	p, ok := m.pools[model]
	if !ok {
		return false
	}
	return now.Before(p.rateLimitedUntil) || now.Before(p.pacingUntil)
}

// GetPoolCooldownRemainingMs returns the remaining cooldown for model,
// 0 if not cooling down.
func (m *Manager) GetPoolCooldownRemainingMs(model string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	remaining := m.remainingLocked(model, now)
	if g := m.remainingLocked(GlobalPool, now); g > remaining {
		remaining = g
	}
	return remaining
}

func (m *Manager) remainingLocked(model string, now time.Time) int64 {
	p, ok := m.pools[model]
	if !ok {
		return 0
	}
	remaining := int64(0)
	if d := p.rateLimitedUntil.Sub(now); d > 0 && d.Milliseconds() > remaining {
		remaining = d.Milliseconds()
	}
	if d := p.pacingUntil.Sub(now); d > 0 && d.Milliseconds() > remaining {
		remaining = d.Milliseconds()
	}
	return remaining
}

// MaxCooldownRemainingMs returns the largest remaining cooldown across
// all known pools, used to compute a client Retry-After when every key
// is exhausted because every pool is cooling down.
func (m *Manager) MaxCooldownRemainingMs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var max int64
	for model := range m.pools {
		if r := m.remainingLocked(model, now); r > max {
			max = r
		}
	}
	return max
}

// RecordRateLimitHeaders records x-ratelimit-* header values and, if
// remaining is at or below RemainingThreshold, applies a soft pacing
// cooldown that never shortens an existing cooldown (spec.md §4.4
// "Proactive pacing").
func (m *Manager) RecordRateLimitHeaders(model string, remaining, limit int, resetAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getOrCreateLocked(model)
	p.headers = HeaderSnapshot{Remaining: remaining, Limit: limit, ResetAt: resetAt}

	if m.cfg.PacingDelayMs <= 0 || remaining > m.cfg.RemainingThreshold {
		return
	}

	frac := 1 - float64(remaining)/float64(m.cfg.RemainingThreshold)
	if frac < 0 {
		frac = 0
	}
	delay := time.Duration(float64(m.cfg.PacingDelayMs)*frac) * time.Millisecond
	deadline := m.now().Add(delay)
	if deadline.After(p.pacingUntil) {
		p.pacingUntil = deadline
	}
}

// GetModelPacingDelayMs reports the remaining proactive pacing delay for
// model, 0 if none.
func (m *Manager) GetModelPacingDelayMs(model string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[model]
	if !ok {
		return 0
	}
	if d := p.pacingUntil.Sub(m.now()); d > 0 {
		return d.Milliseconds()
	}
	return 0
}

// Snapshot is a point-in-time copy of a pool's state for /stats.
type Snapshot struct {
	Model            string
	RateLimitedUntil time.Time
	Count            int
	LastHitAt        time.Time
	Headers          HeaderSnapshot
}

// GetStats returns a copy of every known pool's state.
func (m *Manager) GetStats() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.pools))
	for model, p := range m.pools {
		out = append(out, Snapshot{
			Model:            model,
			RateLimitedUntil: p.rateLimitedUntil,
			Count:            p.count,
			LastHitAt:        p.lastHitAt,
			Headers:          p.headers,
		})
	}
	return out
}
