package stats

import (
	"sync"

	"github.com/keyproxy/llm-keypool-proxy/internal/lru"
)

// TokenCounts is one key's (or the aggregate's) input/output token
// totals.
type TokenCounts struct {
	InputTokens  int64
	OutputTokens int64
}

// TokenTracker accumulates per-key and aggregate token usage, LRU-
// bounded to maxKeys (spec.md §4.9). Grounded on the teacher's
// RecordTokenUsage (internal/middleware/metrics.go), generalized from
// Prometheus-only counters to an in-memory aggregate. It does not touch
// Prometheus; the dispatcher feeds those counters separately through
// server.RecordTokenUsage (see internal/server for the promauto wiring).
type TokenTracker struct {
	mu        sync.Mutex
	perKey    *lru.Map[string, *TokenCounts]
	aggregate TokenCounts
}

// NewTokenTracker creates a tracker bounded to maxKeys distinct key IDs.
func NewTokenTracker(maxKeys int) *TokenTracker {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	return &TokenTracker{perKey: lru.New[string, *TokenCounts](maxKeys, nil)}
}

// Record adds input/output tokens for keyID.
func (t *TokenTracker) Record(keyID string, input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts, ok := t.perKey.Get(keyID)
	if !ok {
		counts = &TokenCounts{}
	}
	counts.InputTokens += input
	counts.OutputTokens += output
	t.perKey.Set(keyID, counts)

	t.aggregate.InputTokens += input
	t.aggregate.OutputTokens += output
}

// PerKey returns a copy of keyID's token counts.
func (t *TokenTracker) PerKey(keyID string) TokenCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.perKey.Get(keyID); ok {
		return *c
	}
	return TokenCounts{}
}

// Aggregate returns a copy of the running total across all keys.
func (t *TokenTracker) Aggregate() TokenCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregate
}
