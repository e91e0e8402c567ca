package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus series for the proxy surface. Grounded on the teacher's
// middleware.MetricsMiddleware, with the tenant_id label dropped (this
// proxy has no tenant concept) in favor of model, matching what
// spec.md's /stats actually tracks per credential and per model.
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_http_requests_total",
			Help: "Total number of proxied HTTP requests.",
		},
		[]string{"method", "status", "model"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_http_request_duration_seconds",
			Help:    "Proxied HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	tokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_llm_token_usage_total",
			Help: "Total number of LLM tokens processed.",
		},
		[]string{"model", "direction"},
	)
)

// MetricsMiddleware records request count (by method, status and model)
// and latency (by model).
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		model := "unknown"
		if v, exists := c.Get("model"); exists {
			if s, ok := v.(string); ok {
				model = s
			}
		}

		httpRequestsTotal.WithLabelValues(c.Request.Method, status, model).Inc()
		httpRequestDuration.WithLabelValues(model).Observe(duration)
	}
}

// RecordTokenUsage lets the dispatcher report token counts for a model.
func RecordTokenUsage(model string, inputTokens, outputTokens int64) {
	tokenUsageTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	tokenUsageTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}
