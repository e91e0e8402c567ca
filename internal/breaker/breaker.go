// Package breaker implements the per-credential circuit breaker state
// machine: CLOSED/OPEN/HALF_OPEN with a sliding failure window.
//
// It is deliberately hand-rolled rather than wrapping sony/gobreaker:
// gobreaker's Execute(func) API has no hook for a sliding {ts,kind}
// failure window, for excluding specific failure kinds (socket hangups
// must not count), or for an explicit administrative forceState/reset.
// gobreaker's own concern — protecting an outbound call behind a
// breaker — is kept alive in internal/webhook instead.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Reason explains why a transition happened, passed to OnStateChange.
type Reason string

const (
	ReasonThreshold Reason = "threshold"
	ReasonCooldown  Reason = "cooldown"
	ReasonSuccess   Reason = "success"
	ReasonForced    Reason = "forced"
	ReasonReset     Reason = "reset"
)

// Config tunes the breaker. Zero values fall back to the documented
// defaults.
type Config struct {
	FailureThreshold int           // default 5
	FailureWindow    time.Duration // default 60s
	CooldownPeriod   time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = 30 * time.Second
	}
	return c
}

// Info accompanies an OnStateChange callback.
type Info struct {
	Reason Reason
	Err    error
}

// OnStateChange is invoked synchronously, while the breaker's internal
// lock is held, on every state transition. It must not block.
type OnStateChange func(from, to State, info Info)

type failureRecord struct {
	ts   time.Time
	kind string
}

// Breaker is the per-credential circuit breaker. Zero value is not
// usable; use New.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state          State
	recentFailures []failureRecord
	successCount   int
	failureCount   int
	openedAt       time.Time
	lastError      error

	onStateChange OnStateChange

	now func() time.Time
}

// New creates a Breaker in the CLOSED state.
func New(cfg Config, onStateChange OnStateChange) *Breaker {
	return &Breaker{
		cfg:           cfg.withDefaults(),
		state:         Closed,
		onStateChange: onStateChange,
		now:           time.Now,
	}
}

func (b *Breaker) transition(to State, reason Reason, err error) {
	from := b.state
	b.state = to
	if to == Open {
		b.openedAt = b.now()
	}
	if err != nil {
		b.lastError = err
	}
	if from == to {
		return
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to, Info{Reason: reason, Err: err})
	}
}

func (b *Breaker) pruneLocked() int {
	now := b.now()
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.recentFailures[:0]
	for _, f := range b.recentFailures {
		if f.ts.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.recentFailures = kept
	return len(kept)
}

// RecordFailure appends a failure of the given kind and re-evaluates the
// window. kind is caller-defined (e.g. "timeout", "server_error");
// callers are responsible for not calling this for exempt kinds like
// socket_hangup (spec.md §4.5.4).
func (b *Breaker) RecordFailure(kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recentFailures = append(b.recentFailures, failureRecord{ts: b.now(), kind: kind})
	b.failureCount++
	n := b.pruneLocked()

	if b.state == HalfOpen {
		b.transition(Open, ReasonThreshold, nil)
		return
	}
	if b.state == Closed && n >= b.cfg.FailureThreshold {
		b.transition(Open, ReasonThreshold, nil)
	}
}

// RecordSuccess reports a successful outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.recentFailures = nil
		b.failureCount = 0
		b.transition(Closed, ReasonSuccess, nil)
	case Closed:
		b.successCount++
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// UpdateState advances OPEN to HALF_OPEN once the cooldown has elapsed.
// Idempotent.
func (b *Breaker) UpdateState() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateStateLocked()
}

func (b *Breaker) updateStateLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.CooldownPeriod {
		b.transition(HalfOpen, ReasonCooldown, nil)
	}
}

// IsAvailable reports whether the breaker currently allows acquisition,
// after advancing OPEN->HALF_OPEN if the cooldown has elapsed.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateStateLocked()
	return b.state != Open
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenedAt returns the time the breaker last opened (zero if never).
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// ForceState is an administrative override. Forcing CLOSED clears the
// failure window.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == Closed {
		b.recentFailures = nil
	}
	b.transition(s, ReasonForced, nil)
}

// Reset forces CLOSED with an empty window and zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFailures = nil
	b.successCount = 0
	b.failureCount = 0
	b.lastError = nil
	b.openedAt = time.Time{}
	b.transition(Closed, ReasonReset, nil)
}

// Stats is a point-in-time copy for observability.
type Stats struct {
	State          State
	SuccessCount   int
	FailureCount   int
	RecentFailures int
	OpenedAt       time.Time
	LastError      error
}

// GetStats returns a copy of the breaker's state. Safe to call from
// readers without affecting scheduling decisions.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:          b.state,
		SuccessCount:   b.successCount,
		FailureCount:   b.failureCount,
		RecentFailures: len(b.recentFailures),
		OpenedAt:       b.openedAt,
		LastError:      b.lastError,
	}
}
