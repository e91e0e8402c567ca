package stats

import "sync"

// PredictiveScaler is a sink for request-volume observations. spec.md
// lists its internal behavior as an external analytics concern ("the
// core emits events to these sinks; their internal behavior is not
// specified here") — this is a minimal concrete default (a trailing
// moving average) satisfying the read-API shape the core exposes,
// not a specified algorithm.
type PredictiveScaler struct {
	mu      sync.Mutex
	samples []int64
	window  int
}

// NewPredictiveScaler creates a scaler averaging over the last window
// observations (default 20).
func NewPredictiveScaler(window int) *PredictiveScaler {
	if window <= 0 {
		window = 20
	}
	return &PredictiveScaler{window: window}
}

// Observe records one period's request count.
func (p *PredictiveScaler) Observe(requestCount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, requestCount)
	if len(p.samples) > p.window {
		p.samples = p.samples[len(p.samples)-p.window:]
	}
}

// PredictedNextPeriod returns the trailing moving average, 0 if no
// observations yet.
func (p *PredictiveScaler) PredictedNextPeriod() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range p.samples {
		sum += s
	}
	return float64(sum) / float64(len(p.samples))
}
