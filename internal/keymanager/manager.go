// Package keymanager implements the scheduler's central component
// (spec.md §4.5): the credential pool, selection/acquisition, outcome
// recording, account-level 429 detection, the per-model concurrency
// gate, and hot reload.
//
// Grounded on the teacher's store.DynamoDBTenantStore (in-memory cache
// keyed by id, refreshed wholesale on reload) for the reload-preserves-
// stats shape, generalized from a single cached tenant lookup to a
// live pool of N credentials under per-credential locks.
package keymanager

import (
	"sync"
	"time"

	"github.com/keyproxy/llm-keypool-proxy/internal/breaker"
	"github.com/keyproxy/llm-keypool-proxy/internal/keysfile"
)

// AccountLevelConfig tunes the cross-key 429 detector (spec.md §4.5.5).
type AccountLevelConfig struct {
	Enabled       bool
	KeyThreshold  int   // default 3
	WindowMs      int64 // default 5000
	CooldownMs    int64 // default 10000
}

func (c AccountLevelConfig) withDefaults() AccountLevelConfig {
	if c.KeyThreshold <= 0 {
		c.KeyThreshold = 3
	}
	if c.WindowMs <= 0 {
		c.WindowMs = 5000
	}
	if c.CooldownMs <= 0 {
		c.CooldownMs = 10000
	}
	return c
}

// Config tunes the Manager.
type Config struct {
	MaxConcurrencyPerKey int // default 5
	RateLimitPerMinute   float64
	RateLimitBurst       float64
	Breaker              breaker.Config
	CooldownDecayMs      int64 // default 30000
	BaseCooldownMs       int64 // default 1000
	AccountLevel         AccountLevelConfig
	Weights              Weights

	DefaultModelMaxConcurrency int            // default 10
	ModelMaxConcurrency        map[string]int // per-model overrides
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrencyPerKey <= 0 {
		c.MaxConcurrencyPerKey = 5
	}
	if c.CooldownDecayMs <= 0 {
		c.CooldownDecayMs = 30000
	}
	if c.BaseCooldownMs <= 0 {
		c.BaseCooldownMs = 1000
	}
	if c.DefaultModelMaxConcurrency <= 0 {
		c.DefaultModelMaxConcurrency = 10
	}
	c.AccountLevel = c.AccountLevel.withDefaults()
	return c
}

// OnKeyStateChange is invoked whenever a credential's circuit breaker
// transitions, for webhook/event emission (circuit.trip / circuit.recover).
type OnKeyStateChange func(index int, keyID string, from, to breaker.State, info breaker.Info)

type accountEvent struct {
	ts    time.Time
	index int
}

// Manager is the credential pool scheduler.
type Manager struct {
	mu   sync.RWMutex // guards keys slice/map (not individual credentials)
	cfg  Config
	keys []*Credential
	byID map[string]*Credential

	onKeyStateChange OnKeyStateChange

	accountMu            sync.Mutex
	accountEvents        []accountEvent
	accountCooldownUntil time.Time

	modelMu       sync.Mutex
	modelInFlight map[string]int

	now func() time.Time
}

// New creates a Manager from the parsed keys document.
func New(cfg Config, entries []keysfile.Entry, onKeyStateChange OnKeyStateChange) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:              cfg,
		byID:             make(map[string]*Credential, len(entries)),
		modelInFlight:    make(map[string]int),
		onKeyStateChange: onKeyStateChange,
		now:              time.Now,
	}
	for i, e := range entries {
		c := newCredential(i, e, cfg, m.stateChangeFor(e.KeyID))
		m.keys = append(m.keys, c)
		m.byID[e.KeyID] = c
	}
	return m
}

func (m *Manager) stateChangeFor(keyID string) breaker.OnStateChange {
	return func(from, to breaker.State, info breaker.Info) {
		if m.onKeyStateChange == nil {
			return
		}
		m.mu.RLock()
		c, ok := m.byID[keyID]
		m.mu.RUnlock()
		idx := -1
		if ok {
			idx = c.Index
		}
		m.onKeyStateChange(idx, keyID, from, to, info)
	}
}

// Len returns the number of configured credentials.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// ─── Selection (spec.md §4.5.3) ────────────────────────────────────────

// AcquireKey runs the four-step selection algorithm and, on success,
// atomically commits the acquisition (inFlight++, totalRequests++,
// token consumed, lastUsed set). Returns nil with no error when every
// key is exhausted (caller distinguishes "no keys" vs "pools cooling
// down" via the PoolManager).
func (m *Manager) AcquireKey(excluded map[int]bool) *Credential {
	return m.acquireKey(excluded, 0)
}

func (m *Manager) acquireKey(excluded map[int]bool, depth int) *Credential {
	m.mu.RLock()
	keys := m.keys
	m.mu.RUnlock()

	if depth > len(keys) {
		return nil
	}

	now := m.now()

	if m.isAccountLevelLockedOut(now) {
		return nil
	}

	// Step 1: primary sweep.
	if k := m.primarySweep(keys, excluded, now); k != nil {
		return m.commitAcquisition(k, excluded, depth)
	}

	// Step 2: half-open probe.
	if k := m.halfOpenProbe(keys, excluded, now); k != nil {
		return m.commitAcquisition(k, excluded, depth)
	}

	// Step 3: rescue path.
	if k := m.rescue(keys, excluded); k != nil {
		return m.commitAcquisition(k, excluded, depth)
	}

	// Step 4: exhaustion.
	return nil
}

func (m *Manager) globalMaxP95(keys []*Credential) float64 {
	var max float64
	for _, k := range keys {
		k.mu.Lock()
		p95 := k.p95Locked()
		k.mu.Unlock()
		if p95 > max {
			max = p95
		}
	}
	return max
}

func (m *Manager) primarySweep(keys []*Credential, excluded map[int]bool, now time.Time) *Credential {
	globalMaxP95 := m.globalMaxP95(keys)

	var best *Credential
	var bestScore float64
	for _, k := range keys {
		if excluded[k.Index] {
			continue
		}
		k.mu.Lock()
		available := k.availableLocked(now, m.cfg.MaxConcurrencyPerKey, m.cfg.CooldownDecayMs, m.cfg.BaseCooldownMs)
		isClosed := k.circuit.State() == breaker.Closed
		var score float64
		var inFlight int
		var lastUsed time.Time
		if available && isClosed {
			score = k.healthScoreLocked(now, globalMaxP95, m.cfg.Weights, m.cfg.MaxConcurrencyPerKey)
			inFlight = k.inFlight
			lastUsed = k.lastUsed
		}
		k.mu.Unlock()

		if !available || !isClosed {
			continue
		}

		if best == nil || isBetterCandidate(score, inFlight, lastUsed, k.Index, bestScore, best) {
			best = k
			bestScore = score
		}
	}
	return best
}

// isBetterCandidate implements the primary-sweep tie-break: higher
// score wins; within epsilon of 0.5, break ties by lower inFlight, then
// earlier lastUsed, then lower index.
func isBetterCandidate(score float64, inFlight int, lastUsed time.Time, index int, bestScore float64, best *Credential) bool {
	const epsilon = 0.5
	if score > bestScore+epsilon {
		return true
	}
	if score < bestScore-epsilon {
		return false
	}
	best.mu.Lock()
	bestInFlight := best.inFlight
	bestLastUsed := best.lastUsed
	bestIndex := best.Index
	best.mu.Unlock()

	if inFlight != bestInFlight {
		return inFlight < bestInFlight
	}
	if !lastUsed.Equal(bestLastUsed) {
		return lastUsed.Before(bestLastUsed)
	}
	return index < bestIndex
}

func (m *Manager) halfOpenProbe(keys []*Credential, excluded map[int]bool, now time.Time) *Credential {
	var best *Credential
	var bestInFlight int
	for _, k := range keys {
		if excluded[k.Index] {
			continue
		}
		k.mu.Lock()
		state := k.circuit.State()
		ok := state == breaker.HalfOpen && k.inFlight == 0 && k.bucket.Peek()
		inFlight := k.inFlight
		k.mu.Unlock()
		if !ok {
			continue
		}
		if best == nil || inFlight < bestInFlight {
			best = k
			bestInFlight = inFlight
		}
	}
	return best
}

func (m *Manager) rescue(keys []*Credential, excluded map[int]bool) *Credential {
	var best *Credential
	var bestOpenedAt time.Time
	for _, k := range keys {
		if excluded[k.Index] {
			continue
		}
		k.mu.Lock()
		state := k.circuit.State()
		k.mu.Unlock()
		if state != breaker.Open {
			continue
		}
		openedAt := k.circuit.OpenedAt()
		if best == nil || openedAt.Before(bestOpenedAt) {
			best = k
			bestOpenedAt = openedAt
		}
	}
	if best == nil {
		return nil
	}
	best.circuit.ForceState(breaker.HalfOpen)
	return best
}

// commitAcquisition atomically bumps counters and consumes a token. If
// the token consumption races and fails, it rolls back and recurses
// with the key excluded, bounded by key count.
func (m *Manager) commitAcquisition(k *Credential, excluded map[int]bool, depth int) *Credential {
	k.mu.Lock()
	k.inFlight++
	result := k.bucket.CheckLimit()
	if !result.Allowed {
		k.inFlight--
		k.mu.Unlock()

		next := cloneExcluded(excluded)
		next[k.Index] = true
		return m.acquireKey(next, depth+1)
	}
	k.totalRequests++
	k.lastUsed = m.now()
	k.mu.Unlock()
	return k
}

func cloneExcluded(src map[int]bool) map[int]bool {
	out := make(map[int]bool, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ─── Outcome recording (spec.md §4.5.4) ────────────────────────────────

// RecordSuccess decrements inFlight, appends the latency sample, and
// forwards success to the circuit breaker.
func (m *Manager) RecordSuccess(k *Credential, latencyMs int64) {
	k.mu.Lock()
	if k.inFlight > 0 {
		k.inFlight--
	}
	k.latencies.Push(latencyMs)
	k.successCount++
	k.lastSuccess = m.now()
	k.rateLimitedCount = 0
	k.rateLimitedAt = time.Time{}
	k.rateLimitCooldownMs = m.cfg.BaseCooldownMs
	k.mu.Unlock()

	k.circuit.RecordSuccess()
}

// errKindSocketHangup is not counted against the circuit (spec.md §4.5.4).
const errKindSocketHangup = "socket_hangup"

// RecordFailure decrements inFlight and forwards the failure to the
// circuit breaker, unless kind is socket_hangup.
func (m *Manager) RecordFailure(k *Credential, kind string) {
	k.mu.Lock()
	if k.inFlight > 0 {
		k.inFlight--
	}
	k.failureCount++
	k.lastFailure = m.now()
	k.mu.Unlock()

	if kind != errKindSocketHangup {
		k.circuit.RecordFailure(kind)
	}
}

// RecordRateLimit decrements inFlight and records per-key rate-limit
// bookkeeping; not counted against the circuit.
func (m *Manager) RecordRateLimit(k *Credential, cooldownMs int64) {
	k.mu.Lock()
	if k.inFlight > 0 {
		k.inFlight--
	}
	k.rateLimitedCount++
	k.rateLimitedAt = m.now()
	k.rateLimitCooldownMs = cooldownMs
	k.mu.Unlock()

	m.detectAccountLevelRateLimit(k.Index)
}

// ReleaseKey decrements inFlight without recording an outcome (used on
// pre-upstream cancellation).
func (m *Manager) ReleaseKey(k *Credential) {
	k.mu.Lock()
	if k.inFlight > 0 {
		k.inFlight--
	}
	k.mu.Unlock()
}

// RecordSocketHangup decrements inFlight and increments failureCount
// without touching the circuit breaker.
func (m *Manager) RecordSocketHangup(k *Credential) {
	m.RecordFailure(k, errKindSocketHangup)
}

// ─── Account-level 429 detection (spec.md §4.5.5) ──────────────────────

func (m *Manager) detectAccountLevelRateLimit(index int) {
	if !m.cfg.AccountLevel.Enabled {
		return
	}
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	now := m.now()
	m.accountEvents = append(m.accountEvents, accountEvent{ts: now, index: index})

	cutoff := now.Add(-time.Duration(m.cfg.AccountLevel.WindowMs) * time.Millisecond)
	kept := m.accountEvents[:0]
	distinct := make(map[int]bool)
	for _, e := range m.accountEvents {
		if e.ts.After(cutoff) {
			kept = append(kept, e)
			distinct[e.index] = true
		}
	}
	m.accountEvents = kept

	if len(distinct) >= m.cfg.AccountLevel.KeyThreshold {
		deadline := now.Add(time.Duration(m.cfg.AccountLevel.CooldownMs) * time.Millisecond)
		if deadline.After(m.accountCooldownUntil) {
			m.accountCooldownUntil = deadline
		}
	}
}

func (m *Manager) isAccountLevelLockedOut(now time.Time) bool {
	if !m.cfg.AccountLevel.Enabled {
		return false
	}
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	return now.Before(m.accountCooldownUntil)
}

// IsAccountLevelRateLimited reports whether the account-wide lockout is
// currently active.
func (m *Manager) IsAccountLevelRateLimited() bool {
	return m.isAccountLevelLockedOut(m.now())
}

// AccountLevelCooldownRemainingMs returns the remaining account-level
// lockout in milliseconds, 0 if none.
func (m *Manager) AccountLevelCooldownRemainingMs() int64 {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()
	if d := m.accountCooldownUntil.Sub(m.now()); d > 0 {
		return d.Milliseconds()
	}
	return 0
}

// ─── Per-model concurrency gate (spec.md §4.5.6) ───────────────────────

func (m *Manager) modelMax(model string) int {
	if max, ok := m.cfg.ModelMaxConcurrency[model]; ok {
		return max
	}
	return m.cfg.DefaultModelMaxConcurrency
}

// AcquireModelSlot returns true and reserves a slot iff modelInFlight < max.
func (m *Manager) AcquireModelSlot(model string) bool {
	m.modelMu.Lock()
	defer m.modelMu.Unlock()
	if m.modelInFlight[model] >= m.modelMax(model) {
		return false
	}
	m.modelInFlight[model]++
	return true
}

// ReleaseModelSlot decrements modelInFlight, never below 0.
func (m *Manager) ReleaseModelSlot(model string) {
	m.modelMu.Lock()
	defer m.modelMu.Unlock()
	if m.modelInFlight[model] > 0 {
		m.modelInFlight[model]--
	}
}

// ModelInFlight returns the current in-flight count for model.
func (m *Manager) ModelInFlight(model string) int {
	m.modelMu.Lock()
	defer m.modelMu.Unlock()
	return m.modelInFlight[model]
}

// ─── Hot reload (spec.md §4.5.7) ───────────────────────────────────────

// ReloadKeys diffs the new entry list by KeyID: existing credentials
// retain all statistics and circuit state; new entries are constructed
// fresh; dropped entries are removed. Returns (added, removed) counts.
// In-flight requests holding a reference to a dropped credential keep
// working against it; it simply becomes unreachable for new selection.
func (m *Manager) ReloadKeys(entries []keysfile.Entry) (added, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newByID := make(map[string]*Credential, len(entries))
	newKeys := make([]*Credential, 0, len(entries))

	for i, e := range entries {
		if existing, ok := m.byID[e.KeyID]; ok {
			existing.mu.Lock()
			existing.Index = i
			existing.secret = e.Secret
			existing.mu.Unlock()
			newKeys = append(newKeys, existing)
			newByID[e.KeyID] = existing
			continue
		}
		c := newCredential(i, e, m.cfg, m.stateChangeFor(e.KeyID))
		newKeys = append(newKeys, c)
		newByID[e.KeyID] = c
		added++
	}

	for id := range m.byID {
		if _, ok := newByID[id]; !ok {
			removed++
		}
	}

	m.keys = newKeys
	m.byID = newByID
	return added, removed
}

// ─── Stats (spec.md §4.9) ──────────────────────────────────────────────

// AllStats returns a copy of every credential's state.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	keys := m.keys
	m.mu.RUnlock()

	out := make([]Stats, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.GetStats())
	}
	return out
}

// AnyAvailable reports whether at least one credential currently passes
// the spec.md §4.5.1 availability check, used by GET /health.
func (m *Manager) AnyAvailable() bool {
	m.mu.RLock()
	keys := m.keys
	m.mu.RUnlock()

	now := m.now()
	for _, k := range keys {
		k.mu.Lock()
		ok := k.availableLocked(now, m.cfg.MaxConcurrencyPerKey, m.cfg.CooldownDecayMs, m.cfg.BaseCooldownMs)
		k.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// TotalInFlight sums inFlight across every credential, the backpressure
// meter's numerator.
func (m *Manager) TotalInFlight() int {
	m.mu.RLock()
	keys := m.keys
	m.mu.RUnlock()

	total := 0
	for _, k := range keys {
		k.mu.Lock()
		total += k.inFlight
		k.mu.Unlock()
	}
	return total
}
