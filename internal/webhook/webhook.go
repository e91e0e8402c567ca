// Package webhook delivers core-emitted events (circuit trips, rate
// limit hits, health degradation) to an operator-configured HTTP
// sink, HMAC-signed per spec.md §6.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/keyproxy/llm-keypool-proxy/internal/redact"
)

// Event types (spec.md §6).
const (
	EventCircuitTrip          = "circuit.trip"
	EventCircuitRecover       = "circuit.recover"
	EventRateLimitHit         = "rate_limit.hit"
	EventRateLimitExhausted   = "rate_limit.pool_exhausted"
	EventErrorSpike           = "error.spike"
	EventHealthDegraded       = "health.degraded"
	EventHealthCritical       = "health.critical"
)

// Envelope is the outbound POST body shape.
type Envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Config tunes delivery.
type Config struct {
	URL        string
	Secret     string // empty disables X-Signature
	Timeout    time.Duration // default 5s
	MaxRetries int           // negative becomes 2; 0 disables retries
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 2
	}
	return c
}

// Manager delivers events to a single configured sink. Delivery is
// protected by a circuit breaker (ported from the teacher's upstream-
// call breaker in internal/proxy/handler.go) so a dead webhook sink
// cannot back up event emission or block the dispatcher that raised
// the event.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger

	wg     sync.WaitGroup
	nowFn  func() time.Time
	uuidFn func() string
}

// New creates a Manager. An empty cfg.URL produces a Manager whose
// Emit is a no-op (webhooks are optional).
func New(cfg Config, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	st := gobreaker.Settings{
		Name:        "webhook-delivery",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}

	return &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cb:         gobreaker.NewCircuitBreaker(st),
		logger:     logger,
		nowFn:      time.Now,
		uuidFn:     func() string { return uuid.NewString() },
	}
}

// Emit delivers an event asynchronously, retrying up to MaxRetries
// times with linear backoff (grounded on the teacher's async usage-
// logging retry loop). Call Drain before shutdown to wait for
// in-flight deliveries.
func (m *Manager) Emit(eventType string, payload interface{}) {
	if m.cfg.URL == "" {
		return
	}

	env := Envelope{
		ID:        m.uuidFn(),
		Type:      eventType,
		Timestamp: m.nowFn().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.deliverWithRetry(env); err != nil {
			m.logger.Warn("webhook: delivery failed after retries", "type", eventType, "error", err)
		}
	}()
}

func (m *Manager) deliverWithRetry(env Envelope) error {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		_, err := m.cb.Execute(func() (interface{}, error) {
			return nil, m.deliverOnce(env)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("webhook: circuit open: %w", err)
		}
	}
	return lastErr
}

func (m *Manager) deliverOnce(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook: marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event", env.Type)
	req.Header.Set("X-Event-ID", env.ID)
	req.Header.Set("X-Timestamp", env.Timestamp)
	if m.cfg.Secret != "" {
		req.Header.Set("X-Signature", redact.Sign(m.cfg.Secret, env.Timestamp, string(body)))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: sink returned status %d", resp.StatusCode)
	}
	return nil
}

// Drain waits for in-flight deliveries, up to ctx's deadline.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
