package stats

import (
	"time"

	"github.com/keyproxy/llm-keypool-proxy/internal/keymanager"
	"github.com/keyproxy/llm-keypool-proxy/internal/poolmanager"
)

// KeySnapshot mirrors keymanager.Stats with the secret-free fields a
// /stats response needs.
type KeySnapshot = keymanager.Stats

// PoolSnapshot mirrors poolmanager.Snapshot.
type PoolSnapshot = poolmanager.Snapshot

// Snapshot is the full /stats payload: a point-in-time copy, never a
// shared reference (spec.md §4.9).
type Snapshot struct {
	GeneratedAt      time.Time
	Keys             []KeySnapshot
	Pools            []PoolSnapshot
	ErrorsByKind     map[string]int64
	ErrorsTotal      int64
	TokensAggregate  TokenCounts
	PredictedNextRPS float64
}

// Aggregator is a pure read-projection over the live key pool plus the
// side-band error/token trackers. It never mutates scheduler state.
type Aggregator struct {
	keys    *keymanager.Manager
	pools   *poolmanager.Manager
	errors  *ErrorTracker
	tokens  *TokenTracker
	scaler  *PredictiveScaler
	nowFunc func() time.Time
}

// NewAggregator wires the aggregator to its data sources.
func NewAggregator(keys *keymanager.Manager, pools *poolmanager.Manager, errors *ErrorTracker, tokens *TokenTracker, scaler *PredictiveScaler) *Aggregator {
	return &Aggregator{keys: keys, pools: pools, errors: errors, tokens: tokens, scaler: scaler, nowFunc: time.Now}
}

// Snapshot takes a consistent, copy-only snapshot of everything.
func (a *Aggregator) Snapshot() Snapshot {
	byKind, total := a.errors.Snapshot()
	return Snapshot{
		GeneratedAt:      a.nowFunc(),
		Keys:             a.keys.AllStats(),
		Pools:            a.pools.GetStats(),
		ErrorsByKind:     byKind,
		ErrorsTotal:      total,
		TokensAggregate:  a.tokens.Aggregate(),
		PredictedNextRPS: a.scaler.PredictedNextPeriod(),
	}
}

// Backpressure is the payload for GET /backpressure.
type Backpressure struct {
	Current      int
	Max          int
	Available    int
	PercentUsed  float64
	QueueCurrent int
	QueueMax     int
}

// BackpressureSnapshot computes the current admission-control view.
func (a *Aggregator) BackpressureSnapshot(max int, queueCurrent, queueMax int) Backpressure {
	current := a.keys.TotalInFlight()
	available := max - current
	if available < 0 {
		available = 0
	}
	percent := 0.0
	if max > 0 {
		percent = 100 * float64(current) / float64(max)
	}
	return Backpressure{
		Current:      current,
		Max:          max,
		Available:    available,
		PercentUsed:  percent,
		QueueCurrent: queueCurrent,
		QueueMax:     queueMax,
	}
}
