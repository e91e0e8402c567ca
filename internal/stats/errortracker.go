// Package stats implements the pure read-projection layer: the
// StatsAggregator plus its ErrorTracker, TokenTracker, and
// PredictiveScaler collectors (spec.md §4.9), and StatsPersistence
// (spec.md §6 persisted-state layout).
package stats

import (
	"sync"
	"time"

	"github.com/keyproxy/llm-keypool-proxy/internal/ring"
)

const (
	defaultErrorSpikeThreshold = 10
	defaultErrorSpikeWindow    = 60 * time.Second
	defaultErrorSpikeCooldown  = 5 * time.Minute
	errorWindowCapacity        = 256
)

// ErrorTracker accumulates categorized error counts and watches a
// trailing window of failures for a spike (spec.md §6's error.spike
// webhook event). Grounded on the error-kind taxonomy in spec.md §7.
type ErrorTracker struct {
	mu     sync.Mutex
	counts map[string]int64
	total  int64

	window    *ring.Buffer[time.Time]
	threshold int
	windowDur time.Duration
	cooldown  time.Duration
	lastSpike time.Time
	onSpike   func(count int, windowDur time.Duration)
	nowFn     func() time.Time
}

// NewErrorTracker creates an empty tracker with spike detection armed
// but no handler; call OnSpike to wire one.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		counts:    make(map[string]int64),
		window:    ring.New[time.Time](errorWindowCapacity),
		threshold: defaultErrorSpikeThreshold,
		windowDur: defaultErrorSpikeWindow,
		cooldown:  defaultErrorSpikeCooldown,
		nowFn:     time.Now,
	}
}

// OnSpike registers fn to be called, at most once per cooldown period,
// when more than threshold errors (of any kind) land within windowDur.
func (t *ErrorTracker) OnSpike(fn func(count int, windowDur time.Duration)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSpike = fn
}

// Record increments the counter for kind and checks the spike window.
func (t *ErrorTracker) Record(kind string) {
	t.mu.Lock()
	t.counts[kind]++
	t.total++

	now := t.nowFn()
	t.window.Push(now)
	count := t.countWithinLocked(now)

	var fire func()
	if count > t.threshold && t.onSpike != nil && now.Sub(t.lastSpike) >= t.cooldown {
		t.lastSpike = now
		onSpike, windowDur := t.onSpike, t.windowDur
		fire = func() { onSpike(count, windowDur) }
	}
	t.mu.Unlock()

	if fire != nil {
		fire()
	}
}

func (t *ErrorTracker) countWithinLocked(now time.Time) int {
	count := 0
	for i := 0; i < t.window.Len(); i++ {
		if now.Sub(t.window.Get(i)) <= t.windowDur {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of the per-kind counts and the grand total.
func (t *ErrorTracker) Snapshot() (byKind map[string]int64, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out, t.total
}
