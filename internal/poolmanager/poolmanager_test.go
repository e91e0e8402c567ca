package poolmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountNeverExceedsTen(t *testing.T) {
	m := New(Config{BaseMs: 10, CapMs: 100, DecayMs: 100000})
	for i := 0; i < 20; i++ {
		m.RecordPoolRateLimitHit("gpt-4")
	}
	stats := m.GetStats()
	assert.Len(t, stats, 1)
	assert.LessOrEqual(t, stats[0].Count, 10)
	assert.Equal(t, 10, stats[0].Count)
}

func TestDecayResetsCountAfterQuietPeriod(t *testing.T) {
	m := New(Config{BaseMs: 10, CapMs: 1000, DecayMs: 50})
	clock := time.Unix(0, 0)
	m.now = func() time.Time { return clock }

	m.RecordPoolRateLimitHit("gpt-4")
	m.RecordPoolRateLimitHit("gpt-4")
	assert.Equal(t, 2, m.GetStats()[0].Count)

	clock = clock.Add(100 * time.Millisecond)
	m.RecordPoolRateLimitHit("gpt-4")
	assert.Equal(t, 1, m.GetStats()[0].Count)
}

func TestJitterWithinFifteenPercent(t *testing.T) {
	m := New(Config{BaseMs: 1000, CapMs: 1000, DecayMs: 100000})
	clock := time.Unix(0, 0)
	m.now = func() time.Time { return clock }

	for i := 0; i < 200; i++ {
		m.pools = map[string]*poolState{}
		m.RecordPoolRateLimitHit("m")
		remaining := m.GetPoolCooldownRemainingMs("m")
		assert.LessOrEqual(t, remaining, int64(1150))
		assert.GreaterOrEqual(t, remaining, int64(0))
	}
}

func TestGlobalPoolAffectsIsPoolRateLimited(t *testing.T) {
	m := New(Config{BaseMs: 1000, CapMs: 1000, DecayMs: 100000})
	m.RecordPoolRateLimitHit(GlobalPool)
	assert.True(t, m.IsPoolRateLimited("any-model"))
}

func TestProactivePacingDelay(t *testing.T) {
	m := New(Config{RemainingThreshold: 5, PacingDelayMs: 200})
	clock := time.Unix(0, 0)
	m.now = func() time.Time { return clock }

	m.RecordRateLimitHeaders("gpt-4", 2, 100, clock.Add(time.Minute))
	delay := m.GetModelPacingDelayMs("gpt-4")
	// remaining=2 of threshold=5 -> frac = 1 - 2/5 = 0.6 -> 120ms
	assert.InDelta(t, 120, delay, 1)
}

func TestPacingNeverShortensExistingCooldown(t *testing.T) {
	m := New(Config{BaseMs: 10000, CapMs: 10000, DecayMs: 100000, RemainingThreshold: 5, PacingDelayMs: 10})
	clock := time.Unix(0, 0)
	m.now = func() time.Time { return clock }

	m.RecordPoolRateLimitHit("gpt-4")
	before := m.GetPoolCooldownRemainingMs("gpt-4")

	m.RecordRateLimitHeaders("gpt-4", 1, 100, clock.Add(time.Minute))
	after := m.GetPoolCooldownRemainingMs("gpt-4")

	assert.GreaterOrEqual(t, after, before)
}
