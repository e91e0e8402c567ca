package keymanager

import "time"

// Weights are the health-score component weights (spec.md §4.5.2).
type Weights struct {
	Latency      float64 // default 40
	Success      float64 // default 40
	ErrorRecency float64 // default 20
}

func (w Weights) withDefaults() Weights {
	if w.Latency == 0 && w.Success == 0 && w.ErrorRecency == 0 {
		return Weights{Latency: 40, Success: 40, ErrorRecency: 20}
	}
	return w
}

// healthScoreLocked computes the bounded [0,100]-ish ranking score from
// spec.md §4.5.2. globalMaxP95 is resolved per spec_full.md §11 open
// question (3) as the maximum per-key p95 observed across the pool at
// selection time.
func (c *Credential) healthScoreLocked(now time.Time, globalMaxP95 float64, w Weights, maxConcurrency int) float64 {
	w = w.withDefaults()

	latencyScore := 0.0
	if globalMaxP95 > 0 {
		ratio := 1 - c.p95Locked()/globalMaxP95
		latencyScore = clamp01(ratio) * 100
	} else {
		latencyScore = 100
	}

	completed := c.totalRequests - int64(c.inFlight)
	successRateScore := 50.0 // neutral when completed == 0 (spec leaves this null)
	if completed > 0 {
		successRateScore = 100 * float64(c.successCount) / float64(completed)
	}

	errorRecencyFactor := 0.0
	if !c.lastFailure.IsZero() {
		minutesSince := now.Sub(c.lastFailure).Minutes()
		errorRecencyFactor = clamp01(1 - minutesSince/10)
	}

	score := w.Latency*latencyScore/100 + w.Success*successRateScore/100 + w.ErrorRecency*(1-errorRecencyFactor)
	score -= recencyPenalty(now, c.lastUsed)
	score -= inFlightPenalty(c.inFlight, maxConcurrency)
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recencyPenalty: up to 10 points within 1s of lastUsed, fading to 0 at 5s.
func recencyPenalty(now, lastUsed time.Time) float64 {
	if lastUsed.IsZero() {
		return 0
	}
	ms := now.Sub(lastUsed).Milliseconds()
	if ms <= 1000 {
		return 10
	}
	if ms >= 5000 {
		return 0
	}
	return 10 * float64(5000-ms) / 4000
}

// inFlightPenalty: 15 * inFlight / maxConcurrencyPerKey.
func inFlightPenalty(inFlight, maxConcurrency int) float64 {
	if maxConcurrency <= 0 {
		return 0
	}
	return 15 * float64(inFlight) / float64(maxConcurrency)
}
