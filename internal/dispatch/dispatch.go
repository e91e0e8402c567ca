// Package dispatch implements the per-request state machine described
// in spec.md §4.6: admission, credential acquisition, the upstream
// call with adaptive timeout and retry/failover, and streaming the
// response back to the client. It is grounded almost directly on the
// teacher's proxy.Handler.CreateCompletion/streamResponse, generalized
// from a fixed tenant+provider-list model to the credential-pool
// scheduler in internal/keymanager.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyproxy/llm-keypool-proxy/internal/keymanager"
	"github.com/keyproxy/llm-keypool-proxy/internal/poolmanager"
	"github.com/keyproxy/llm-keypool-proxy/internal/queue"
	"github.com/keyproxy/llm-keypool-proxy/internal/redact"
	"github.com/keyproxy/llm-keypool-proxy/internal/replay"
	"github.com/keyproxy/llm-keypool-proxy/internal/stats"
	"github.com/keyproxy/llm-keypool-proxy/internal/webhook"
)

// Error kinds (spec.md §7).
const (
	KindTimeout            = "timeout"
	KindServerError        = "server_error"
	KindDNSError           = "dns_error"
	KindTLSError           = "tls_error"
	KindConnectionRefused  = "connection_refused"
	KindSocketHangup       = "socket_hangup"
	KindClientDisconnect   = "client_disconnect"
	KindRateLimited        = "rate_limited"
	KindAuthError          = "auth_error"
	KindBrokenPipe         = "broken_pipe"
	KindStreamPrematureEnd = "stream_premature_close"
	KindConnectionAborted  = "connection_aborted"
	KindHTTPParseError     = "http_parse_error"
	KindOther              = "other"
)

// Config tunes admission, retries, and timeouts.
type Config struct {
	MaxBodySize           int64 // default 10MiB
	MaxMessages            int   // default 50, a negative value disables the check
	MaxBackpressure       int   // default 100
	QueueTimeoutMs        int64 // default 5000
	BaseUpstreamTimeoutMs int64 // default 30000
	MaxUpstreamTimeoutMs  int64 // default 120000
	MaxRetries            int   // negative becomes 3; 0 disables retries
	RetryBackoffBaseMs    int64 // default 100
}

func (c Config) withDefaults() Config {
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 10 * 1024 * 1024
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 50
	}
	if c.MaxBackpressure <= 0 {
		c.MaxBackpressure = 100
	}
	if c.QueueTimeoutMs <= 0 {
		c.QueueTimeoutMs = 5000
	}
	if c.BaseUpstreamTimeoutMs <= 0 {
		c.BaseUpstreamTimeoutMs = 30000
	}
	if c.MaxUpstreamTimeoutMs <= 0 {
		c.MaxUpstreamTimeoutMs = 120000
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBaseMs <= 0 {
		c.RetryBackoffBaseMs = 100
	}
	return c
}

// chatRequest is the subset of the upstream body the dispatcher needs
// to inspect: the target model and a rough message count for the body
// sanity check. Everything else passes through unparsed and unchanged.
type chatRequest struct {
	Model    string          `json:"model"`
	Messages []json.RawMessage `json:"messages"`
}

// usageField mirrors the upstream "usage" object most chat-completion
// APIs return, used for exact token accounting when present.
type usageField struct {
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Handler drives one client request through queue -> selection ->
// upstream -> retries -> client stream (spec.md §4.6).
type Handler struct {
	cfg             Config
	upstreamBaseURL string
	httpClient      *http.Client

	keys     *keymanager.Manager
	pools    *poolmanager.Manager
	queue    *queue.Queue
	replayQ  *replay.Queue
	webhooks *webhook.Manager
	errors   *stats.ErrorTracker
	tokens   *stats.TokenTracker

	onTokenUsage func(model string, inputTokens, outputTokens int64)

	logger  *slog.Logger
	tracer  trace.Tracer
	nowFunc func() time.Time

	stopAdmitter chan struct{}
}

// New wires a dispatcher. webhooks/replayQ/onTokenUsage may be nil
// (all optional). onTokenUsage, when set, is called once per forwarded
// response so a caller can feed the same counts to an external metrics
// sink (e.g. Prometheus) without dispatch importing that package.
func New(cfg Config, upstreamBaseURL string, keys *keymanager.Manager, pools *poolmanager.Manager, q *queue.Queue, replayQ *replay.Queue, webhooks *webhook.Manager, errors *stats.ErrorTracker, tokens *stats.TokenTracker, onTokenUsage func(model string, inputTokens, outputTokens int64), logger *slog.Logger) *Handler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:             cfg,
		upstreamBaseURL: strings.TrimRight(upstreamBaseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		keys:         keys,
		pools:        pools,
		queue:        q,
		replayQ:      replayQ,
		webhooks:     webhooks,
		errors:       errors,
		tokens:       tokens,
		onTokenUsage: onTokenUsage,
		logger:       logger,
		tracer:       otel.Tracer("dispatch"),
		nowFunc:      time.Now,
	}
	if q != nil {
		h.stopAdmitter = make(chan struct{})
		go h.runQueueAdmitter()
	}
	return h
}

// runQueueAdmitter wakes the longest-waiting queued requests as soon as
// inflight capacity frees up, instead of leaving them to resolve only
// by timing out. Polls rather than hooking every release path since
// releases happen from several places (model slot, credential,
// account-level cooldown) and a missed wakeup here just costs one
// more tick, not a stuck request.
func (h *Handler) runQueueAdmitter() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for h.keys.TotalInFlight() < h.cfg.MaxBackpressure {
				if !h.queue.Admit() {
					break
				}
			}
		case <-h.stopAdmitter:
			return
		}
	}
}

// Close stops the background queue admitter. Safe to call even if no
// queue was configured.
func (h *Handler) Close() {
	if h.stopAdmitter != nil {
		close(h.stopAdmitter)
	}
}

// ServeHTTP is the single entry point for every proxied request
// (spec.md §6: "the only wire protocol is HTTP").
func (h *Handler) ServeHTTP(c *gin.Context) {
	traceID := uuid.NewString()
	ctx, span := h.tracer.Start(c.Request.Context(), "dispatch.request", trace.WithAttributes(attribute.String("trace_id", traceID)))
	defer span.End()
	logger := h.logger.With("trace_id", traceID, "path", c.Request.URL.Path)

	// 1. Body size cap (413 if exceeded; drain silently so the
	// connection can be reused).
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodySize)
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		io.Copy(io.Discard, c.Request.Body)
		logger.Warn("request body too large or unreadable", "error", err)
		writeProxyError(c, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds the configured limit", 0)
		return
	}

	var req chatRequest
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &req); err != nil {
			writeProxyError(c, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", 0)
			return
		}
	}
	if h.cfg.MaxMessages > 0 && len(req.Messages) > h.cfg.MaxMessages {
		writeProxyError(c, http.StatusBadRequest, "too_many_messages", fmt.Sprintf("conversation exceeds the maximum of %d messages", h.cfg.MaxMessages), 0)
		return
	}
	model := req.Model
	if model == "" {
		model = c.GetHeader("X-Model")
	}
	if model == "" {
		model = "default"
	}
	c.Set("model", model)
	logger = logger.With("model", model)

	// 2. Backpressure / admission control.
	if h.keys.TotalInFlight() >= h.cfg.MaxBackpressure {
		if h.queue == nil {
			writeProxyError(c, http.StatusServiceUnavailable, "queue_timeout", "no queue configured and the server is saturated", 0)
			return
		}
		queueCtx, cancel := context.WithTimeout(ctx, time.Duration(h.cfg.QueueTimeoutMs)*time.Millisecond)
		err := h.queue.Wait(queueCtx, traceID, 0, time.Duration(h.cfg.QueueTimeoutMs)*time.Millisecond)
		cancel()
		if err != nil {
			logger.Warn("queue admission failed", "error", err)
			writeProxyError(c, http.StatusServiceUnavailable, "queue_timeout", "timed out waiting for backpressure to clear", 0)
			return
		}
	}

	// 3. Per-model concurrency gate.
	if !h.keys.AcquireModelSlot(model) {
		retryAfter := h.modelRetryAfter(model)
		writeProxyError(c, http.StatusTooManyRequests, "model_saturated", "model is at its concurrency limit", retryAfter)
		return
	}
	defer h.keys.ReleaseModelSlot(model)

	h.dispatchWithRetry(ctx, c, logger, traceID, model, bodyBytes)
}

// modelRetryAfter returns the Retry-After value, in whole seconds
// rounded up, for a request refused by the per-model gate.
func (h *Handler) modelRetryAfter(model string) int64 {
	if d := h.pools.GetModelPacingDelayMs(model); d > 0 {
		return (d + 999) / 1000
	}
	return 1
}

// dispatchWithRetry implements the SELECTING -> UPSTREAM -> outcome
// loop, excluding already-tried credentials on every retry.
func (h *Handler) dispatchWithRetry(ctx context.Context, c *gin.Context, logger *slog.Logger, traceID, model string, bodyBytes []byte) {
	excluded := make(map[int]bool)
	start := h.nowFunc()

	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return // client disconnected while we were backing off
		}

		k := h.keys.AcquireKey(excluded)
		if k == nil {
			if attempt > 0 && !h.keys.IsAccountLevelRateLimited() && h.pools.MaxCooldownRemainingMs() == 0 {
				// Every credential still eligible was already tried on
				// this request: the upstream failed after retries.
				break
			}
			h.handleExhaustion(c, model)
			h.recordFailedRequest(c, traceID, model, bodyBytes, "exhausted")
			return
		}

		outcome := h.attemptUpstream(ctx, c, logger, k, model, bodyBytes, start, attempt+1)
		switch outcome.kind {
		case outcomeSuccess:
			return
		case outcomeClientGone:
			return
		case outcomeRetry:
			excluded[k.GetStats().Index] = true
			if outcome.backoff > 0 {
				select {
				case <-time.After(outcome.backoff):
				case <-ctx.Done():
					return
				}
			}
			continue
		case outcomeTerminal:
			h.recordFailedRequest(c, traceID, model, bodyBytes, "terminal")
			return
		}
	}

	writeProxyError(c, http.StatusBadGateway, "retries_exhausted", "upstream failed after all retry attempts", 0)
	h.recordFailedRequest(c, traceID, model, bodyBytes, "retries_exhausted")
}

// recordFailedRequest pushes a terminally-failed request into the
// replay buffer so an operator can inspect or manually retry it
// (spec.md §4.8). No-op if no replay queue is configured.
func (h *Handler) recordFailedRequest(c *gin.Context, traceID, model string, bodyBytes []byte, lastError string) {
	if h.replayQ == nil {
		return
	}
	headers := make(map[string]string, len(c.Request.Header))
	for k, vv := range c.Request.Header {
		if len(vv) == 0 {
			continue
		}
		if strings.EqualFold(k, "Authorization") {
			headers[k] = redact.Header(vv[0])
			continue
		}
		headers[k] = vv[0]
	}
	h.replayQ.Enqueue(replay.Entry{
		TraceID:   traceID,
		Method:    c.Request.Method,
		URL:       c.Request.URL.String(),
		Headers:   headers,
		Body:      bodyBytes,
		LastError: lastError,
	})
}

func (h *Handler) handleExhaustion(c *gin.Context, model string) {
	if h.keys.IsAccountLevelRateLimited() {
		retryAfter := h.keys.AccountLevelCooldownRemainingMs() / 1000
		if h.webhooks != nil {
			h.webhooks.Emit(webhook.EventRateLimitExhausted, map[string]string{"model": model})
		}
		writeProxyError(c, http.StatusTooManyRequests, "account_rate_limited", "account-wide rate limit in effect", retryAfter)
		return
	}
	if maxCooldown := h.pools.MaxCooldownRemainingMs(); maxCooldown > 0 {
		writeProxyError(c, http.StatusTooManyRequests, "pool_cooldown", "all pools are cooling down", maxCooldown/1000)
		return
	}
	writeProxyError(c, http.StatusServiceUnavailable, "no_keys_available", "no credential is currently available", 0)
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetry
	outcomeTerminal
	outcomeClientGone
)

type outcome struct {
	kind    outcomeKind
	backoff time.Duration
}

// attemptUpstream issues one upstream call for an already-acquired
// credential and resolves its outcome per spec.md §4.6 step 8. The
// credential is guaranteed to be released exactly once.
func (h *Handler) attemptUpstream(ctx context.Context, c *gin.Context, logger *slog.Logger, k *keymanager.Credential, model string, bodyBytes []byte, requestStart time.Time, attempt int) outcome {
	st := k.GetStats()
	timeoutMs := h.cfg.BaseUpstreamTimeoutMs
	if adaptive := int64(st.P95LatencyMs) * 2; adaptive > timeoutMs {
		timeoutMs = adaptive
	}
	if timeoutMs > h.cfg.MaxUpstreamTimeoutMs {
		timeoutMs = h.cfg.MaxUpstreamTimeoutMs
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	upstreamURL := h.upstreamBaseURL + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		upstreamURL += "?" + c.Request.URL.RawQuery
	}

	proxyReq, err := http.NewRequestWithContext(upstreamCtx, c.Request.Method, upstreamURL, bytes.NewReader(bodyBytes))
	if err != nil {
		h.keys.ReleaseKey(k)
		writeProxyError(c, http.StatusInternalServerError, "request_build_failed", err.Error(), 0)
		return outcome{kind: outcomeTerminal}
	}
	proxyReq.Header = c.Request.Header.Clone()
	proxyReq.Header.Set("Authorization", k.UpstreamAuthorization())
	proxyReq.Header.Del("Host")

	attemptStart := h.nowFunc()
	resp, err := h.httpClient.Do(proxyReq)

	if err != nil {
		return h.handleTransportError(c, logger, k, model, ctx, err, attempt)
	}
	defer resp.Body.Close()

	h.recordRateLimitHeaders(model, resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return h.handleRateLimited(c, logger, k, model, resp, attempt)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		h.recordFailure(k, KindAuthError)
		h.forwardUpstreamBody(c, resp, k.KeyID, model, attemptStart, requestStart)
		return outcome{kind: outcomeTerminal}
	case resp.StatusCode >= 500:
		h.recordFailure(k, KindServerError)
		if h.keys.AnyAvailable() {
			return outcome{kind: outcomeRetry, backoff: h.backoffFor(attempt)}
		}
		h.forwardUpstreamBody(c, resp, k.KeyID, model, attemptStart, requestStart)
		return outcome{kind: outcomeTerminal}
	default:
		latencyMs := h.nowFunc().Sub(attemptStart).Milliseconds()
		h.keys.RecordSuccess(k, latencyMs)
		h.forwardUpstreamBody(c, resp, k.KeyID, model, attemptStart, requestStart)
		return outcome{kind: outcomeSuccess}
	}
}

func (h *Handler) handleRateLimited(c *gin.Context, logger *slog.Logger, k *keymanager.Credential, model string, resp *http.Response, attempt int) outcome {
	cooldownMs := parseRetryAfterMs(resp.Header.Get("Retry-After"), 1000)
	h.keys.RecordRateLimit(k, cooldownMs)
	h.pools.RecordPoolRateLimitHit(model)
	if h.webhooks != nil {
		h.webhooks.Emit(webhook.EventRateLimitHit, map[string]interface{}{"model": model, "keyId": k.KeyID})
	}
	if h.keys.AnyAvailable() {
		return outcome{kind: outcomeRetry, backoff: h.backoffFor(attempt)}
	}
	h.forwardUpstreamBody(c, resp, k.KeyID, model, h.nowFunc(), h.nowFunc())
	return outcome{kind: outcomeTerminal}
}

func (h *Handler) handleTransportError(c *gin.Context, logger *slog.Logger, k *keymanager.Credential, model string, parentCtx context.Context, err error, attempt int) outcome {
	if parentCtx.Err() != nil {
		// Client went away before (or during) the upstream call.
		h.keys.RecordSocketHangup(k)
		return outcome{kind: outcomeClientGone}
	}

	kind := classifyTransportError(err)
	h.recordFailure(k, kind)

	retryable := kind == KindTimeout || kind == KindServerError || kind == KindDNSError || kind == KindTLSError || kind == KindConnectionRefused
	if retryable && h.keys.AnyAvailable() {
		return outcome{kind: outcomeRetry, backoff: h.backoffFor(attempt)}
	}

	status := http.StatusBadGateway
	if kind == KindTimeout {
		status = http.StatusGatewayTimeout
	}
	writeProxyError(c, status, kind, err.Error(), 0)
	logger.Error("upstream call failed", "kind", kind, "error", err)
	return outcome{kind: outcomeTerminal}
}

func (h *Handler) recordFailure(k *keymanager.Credential, kind string) {
	h.keys.RecordFailure(k, kind)
	if h.errors != nil {
		h.errors.Record(kind)
	}
}

func (h *Handler) recordRateLimitHeaders(model string, header http.Header) {
	remaining, remOk := parseIntHeader(header.Get("x-ratelimit-remaining"))
	limit, limOk := parseIntHeader(header.Get("x-ratelimit-limit"))
	if !remOk || !limOk {
		return
	}
	resetAt := h.nowFunc()
	if resetSeconds, ok := parseIntHeader(header.Get("x-ratelimit-reset")); ok {
		resetAt = h.nowFunc().Add(time.Duration(resetSeconds) * time.Second)
	}
	h.pools.RecordRateLimitHeaders(model, remaining, limit, resetAt)
}

func (h *Handler) backoffFor(attempt int) time.Duration {
	base := time.Duration(h.cfg.RetryBackoffBaseMs) * time.Millisecond
	backoff := base << uint(attempt-1)
	jitter := time.Duration(float64(backoff) * 0.2)
	return backoff + jitter
}

// recordTokenUsage feeds input/output token counts to the per-key
// tracker (spec.md §4.9's per-credential accounting) and, if wired, to
// the external per-model metrics sink.
func (h *Handler) recordTokenUsage(keyID, model string, inputTokens, outputTokens int64) {
	if h.tokens != nil {
		h.tokens.Record(keyID, inputTokens, outputTokens)
	}
	if h.onTokenUsage != nil {
		h.onTokenUsage(model, inputTokens, outputTokens)
	}
}

// forwardUpstreamBody streams (or copies, for non-streaming bodies)
// resp.Body to the client, tracking tokens either from the upstream
// "usage" field (non-streaming) or an approximate per-chunk count
// (streaming), matching the teacher's approximation (length / 4).
func (h *Handler) forwardUpstreamBody(c *gin.Context, resp *http.Response, keyID, model string, attemptStart, requestStart time.Time) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		h.streamSSE(c, resp.Body, keyID, model, requestStart)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	c.Writer.Write(body)

	var parsed usageField
	inputTokens := int64(len(body)) / 4
	outputTokens := int64(len(body)) / 4
	if json.Unmarshal(body, &parsed) == nil && (parsed.Usage.PromptTokens > 0 || parsed.Usage.CompletionTokens > 0) {
		inputTokens = parsed.Usage.PromptTokens
		outputTokens = parsed.Usage.CompletionTokens
	}
	h.recordTokenUsage(keyID, model, inputTokens, outputTokens)
}

// streamSSE forwards server-sent-event lines to the client as soon as
// they arrive, approximating output token count from delta content
// (grounded on the teacher's streamResponse).
func (h *Handler) streamSSE(c *gin.Context, body io.Reader, keyID, model string, requestStart time.Time) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	flusher, canFlush := c.Writer.(http.Flusher)

	var outputTokens int64
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := c.Writer.Write([]byte(line + "\n")); err != nil {
			return // client disconnected mid-stream
		}
		if canFlush {
			flusher.Flush()
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				continue
			}
			var partial struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if json.Unmarshal([]byte(data), &partial) == nil && len(partial.Choices) > 0 {
				outputTokens += int64(len(partial.Choices[0].Delta.Content)) / 4
			}
		}
	}
	h.recordTokenUsage(keyID, model, 0, outputTokens)
}

// classifyTransportError maps a low-level net/http error to the
// taxonomy in spec.md §7.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNSError
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"):
		return KindTLSError
	case strings.Contains(msg, "broken pipe"):
		return KindBrokenPipe
	case strings.Contains(msg, "connection reset"):
		return KindConnectionAborted
	case strings.Contains(msg, "EOF"), strings.Contains(msg, "unexpected EOF"):
		return KindStreamPrematureEnd
	default:
		return KindOther
	}
}

func parseIntHeader(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseRetryAfterMs(v string, fallbackMs int64) int64 {
	if v == "" {
		return fallbackMs
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return int64(seconds) * 1000
	}
	return fallbackMs
}

// errorBody is the JSON shape for proxy-level failures (spec.md §7).
type errorBody struct {
	Error struct {
		Kind         string `json:"kind"`
		Message      string `json:"message"`
		RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	} `json:"error"`
}

func writeProxyError(c *gin.Context, status int, kind, message string, retryAfterSeconds int64) {
	if retryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	}
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	if retryAfterSeconds > 0 {
		body.Error.RetryAfterMs = retryAfterSeconds * 1000
	}
	c.JSON(status, body)
}
