package keymanager

import (
	"testing"
	"time"

	"github.com/keyproxy/llm-keypool-proxy/internal/breaker"
	"github.com/keyproxy/llm-keypool-proxy/internal/keysfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(n int) []keysfile.Entry {
	out := make([]keysfile.Entry, n)
	for i := range out {
		out[i] = keysfile.Entry{KeyID: string(rune('a' + i)), Secret: "secret"}
	}
	return out
}

func TestAcquireAndReleaseKeepsInFlightNonNegative(t *testing.T) {
	m := New(Config{MaxConcurrencyPerKey: 2}, entries(2), nil)
	k := m.AcquireKey(nil)
	require.NotNil(t, k)
	assert.Equal(t, 1, k.GetStats().InFlight)

	m.ReleaseKey(k)
	assert.Equal(t, 0, k.GetStats().InFlight)
}

func TestExhaustionReturnsNilWhenAllBusy(t *testing.T) {
	m := New(Config{MaxConcurrencyPerKey: 1}, entries(2), nil)
	k1 := m.AcquireKey(nil)
	k2 := m.AcquireKey(nil)
	require.NotNil(t, k1)
	require.NotNil(t, k2)

	k3 := m.AcquireKey(nil)
	assert.Nil(t, k3)

	m.ReleaseKey(k1)
	k4 := m.AcquireKey(nil)
	assert.NotNil(t, k4)
}

func TestCircuitOpenKeyNotSelectedInPrimarySweep(t *testing.T) {
	m := New(Config{MaxConcurrencyPerKey: 5, Breaker: breaker.Config{FailureThreshold: 1}}, entries(2), nil)

	k0 := m.AcquireKey(nil)
	m.RecordFailure(k0, "server_error") // trips k0's circuit open

	for i := 0; i < 5; i++ {
		k := m.AcquireKey(nil)
		require.NotNil(t, k)
		assert.NotEqual(t, k0.Index, k.Index)
		m.ReleaseKey(k)
	}
}

func TestRescuePathForcesHalfOpenWhenAllOpen(t *testing.T) {
	m := New(Config{MaxConcurrencyPerKey: 5, Breaker: breaker.Config{FailureThreshold: 1, CooldownPeriod: time.Hour}}, entries(1), nil)
	k0 := m.AcquireKey(nil)
	m.RecordFailure(k0, "server_error")
	assert.Equal(t, breaker.Open, k0.GetStats().Circuit.State)

	rescued := m.AcquireKey(nil)
	require.NotNil(t, rescued)
	assert.Equal(t, breaker.HalfOpen, rescued.GetStats().Circuit.State)
}

func TestAccountLevelLockoutBlocksAcquisition(t *testing.T) {
	m := New(Config{
		MaxConcurrencyPerKey: 5,
		AccountLevel:         AccountLevelConfig{Enabled: true, KeyThreshold: 3, WindowMs: 5000, CooldownMs: 10000},
	}, entries(4), nil)

	k0 := m.AcquireKey(nil)
	k1 := m.AcquireKey(nil)
	k2 := m.AcquireKey(nil)

	m.RecordRateLimit(k0, 1000)
	m.RecordRateLimit(k1, 1000)
	assert.False(t, m.IsAccountLevelRateLimited())
	m.RecordRateLimit(k2, 1000)

	assert.True(t, m.IsAccountLevelRateLimited())
	assert.Nil(t, m.AcquireKey(nil))
}

func TestPerKeyCooldownDecayResetsOnSelection(t *testing.T) {
	m := New(Config{MaxConcurrencyPerKey: 5, CooldownDecayMs: 50, BaseCooldownMs: 10}, entries(1), nil)
	clock := time.Unix(0, 0)
	m.now = func() time.Time { return clock }
	m.keys[0].now = func() time.Time { return clock }

	k := m.AcquireKey(nil)
	m.RecordRateLimit(k, 5000) // long cooldown
	assert.Nil(t, m.AcquireKey(nil))

	clock = clock.Add(100 * time.Millisecond) // > decay window
	k2 := m.AcquireKey(nil)
	require.NotNil(t, k2)
	assert.Zero(t, k2.GetStats().RateLimitedCount)
}

func TestReloadKeysPreservesStatsForExistingKeepsNewFresh(t *testing.T) {
	m := New(Config{MaxConcurrencyPerKey: 5}, entries(1), nil)
	k := m.AcquireKey(nil)
	for i := 0; i < 50; i++ {
		m.RecordSuccess(k, 10)
	}
	assert.EqualValues(t, 50, m.AllStats()[0].SuccessCount)

	newEntries := append(entries(1), keysfile.Entry{KeyID: "new-key", Secret: "s"})
	added, removed := m.ReloadKeys(newEntries)
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, removed)

	stats := m.AllStats()
	require.Len(t, stats, 2)
	var oldStats, newStats Stats
	for _, s := range stats {
		if s.KeyID == "a" {
			oldStats = s
		} else {
			newStats = s
		}
	}
	assert.EqualValues(t, 50, oldStats.SuccessCount)
	assert.Zero(t, newStats.SuccessCount)
}

func TestReloadKeysRemovesDropped(t *testing.T) {
	m := New(Config{MaxConcurrencyPerKey: 5}, entries(2), nil)
	added, removed := m.ReloadKeys(entries(1))
	assert.Zero(t, added)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Len())
}

func TestModelConcurrencyGate(t *testing.T) {
	m := New(Config{ModelMaxConcurrency: map[string]int{"gpt-4": 1}}, entries(1), nil)
	assert.True(t, m.AcquireModelSlot("gpt-4"))
	assert.False(t, m.AcquireModelSlot("gpt-4"))
	m.ReleaseModelSlot("gpt-4")
	assert.True(t, m.AcquireModelSlot("gpt-4"))
}

func TestUnknownModelGetsPermissiveDefault(t *testing.T) {
	m := New(Config{DefaultModelMaxConcurrency: 2}, entries(1), nil)
	assert.True(t, m.AcquireModelSlot("unlisted"))
	assert.True(t, m.AcquireModelSlot("unlisted"))
	assert.False(t, m.AcquireModelSlot("unlisted"))
}
