package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg Config, onChange OnStateChange) (*Breaker, *fakeClock) {
	b := New(cfg, onChange)
	clock := &fakeClock{t: time.Unix(0, 0)}
	b.now = clock.Now
	return b, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time  { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTripsOnThresholdWithinWindow(t *testing.T) {
	var transitions []State
	b, clock := newTestBreaker(Config{FailureThreshold: 3, FailureWindow: time.Second, CooldownPeriod: 500 * time.Millisecond}, func(from, to State, info Info) {
		transitions = append(transitions, to)
	})

	b.RecordFailure("server_error")
	clock.Advance(10 * time.Millisecond)
	b.RecordFailure("server_error")
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, Closed, b.State())
	b.RecordFailure("server_error")

	assert.Equal(t, Open, b.State())
	require.NotEmpty(t, transitions)
	assert.Equal(t, Open, transitions[len(transitions)-1])
}

func TestCooldownThenHalfOpenThenClose(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, FailureWindow: time.Second, CooldownPeriod: 500 * time.Millisecond}, nil)

	b.RecordFailure("timeout")
	assert.Equal(t, Open, b.State())
	assert.False(t, b.IsAvailable())

	clock.Advance(500 * time.Millisecond)
	assert.True(t, b.IsAvailable())
	assert.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, FailureWindow: time.Second, CooldownPeriod: 500 * time.Millisecond}, nil)
	b.RecordFailure("timeout")
	clock.Advance(500 * time.Millisecond)
	b.UpdateState()
	assert.Equal(t, HalfOpen, b.State())

	b.RecordFailure("timeout")
	assert.Equal(t, Open, b.State())
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 3, FailureWindow: 100 * time.Millisecond, CooldownPeriod: time.Second}, nil)
	b.RecordFailure("server_error")
	clock.Advance(200 * time.Millisecond)
	b.RecordFailure("server_error")
	clock.Advance(200 * time.Millisecond)
	b.RecordFailure("server_error")

	assert.Equal(t, Closed, b.State())
}

func TestForceStateAndGetStats(t *testing.T) {
	b, _ := newTestBreaker(Config{}, nil)
	b.ForceState(Open)
	assert.Equal(t, Open, b.GetStats().State)

	b.ForceState(Closed)
	assert.Equal(t, Closed, b.GetStats().State)
}

func TestResetIsIdempotent(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1}, nil)
	b.RecordFailure("server_error")
	b.Reset()
	first := b.GetStats()
	b.Reset()
	second := b.GetStats()

	assert.Equal(t, first, second)
	assert.Equal(t, Closed, second.State)
	assert.Zero(t, second.FailureCount)
}

func TestOpenImpliesOpenedAtSet(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1}, nil)
	b.RecordFailure("server_error")
	assert.False(t, b.OpenedAt().IsZero())
}

func TestSuccessInClosedDecrementsFailureCountFloorZero(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 10}, nil)
	b.RecordSuccess()
	assert.Zero(t, b.GetStats().FailureCount)
}
