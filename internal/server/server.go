// Package server hosts the proxy's HTTP surface: the dispatch
// passthrough route and the admin/observability endpoints (spec.md
// §6), plus graceful shutdown and a keys-file hot-reload watcher.
// Grounded directly on the teacher's cmd/server/main.go (middleware
// registration order, http.Server+signal.Notify+Shutdown shape,
// promhttp.Handler() mount), generalized from the tenant/DynamoDB
// wiring to the credential-pool proxy's own routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/keyproxy/llm-keypool-proxy/internal/dispatch"
	"github.com/keyproxy/llm-keypool-proxy/internal/keymanager"
	"github.com/keyproxy/llm-keypool-proxy/internal/keysfile"
	"github.com/keyproxy/llm-keypool-proxy/internal/queue"
	"github.com/keyproxy/llm-keypool-proxy/internal/stats"
	"github.com/keyproxy/llm-keypool-proxy/internal/webhook"
)

// Config tunes the HTTP host.
type Config struct {
	Addr              string // e.g. ":8080"
	MaxBackpressure   int
	ShutdownTimeoutMs int64 // default 10000
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeoutMs <= 0 {
		c.ShutdownTimeoutMs = 10000
	}
	return c
}

// Server is the ProxyServer host.
type Server struct {
	cfg       Config
	engine    *gin.Engine
	http      *http.Server
	handler   *dispatch.Handler
	keys      *keymanager.Manager
	agg       *stats.Aggregator
	catalog   *ModelCatalog
	webhooks  *webhook.Manager
	admission *queue.Queue
	logger    *slog.Logger

	keysFilePath string

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	drained bool

	unhealthySince  time.Time
	criticalEmitted bool
}

// healthCriticalAfter is how long the pool must stay fully unavailable
// before DEGRADED escalates to a health.critical webhook.
const healthCriticalAfter = 30 * time.Second

// New builds the router and registers every route. keysFilePath may be
// empty to disable the hot-reload watcher. admission may be nil, in
// which case /backpressure and /health report a zero queue depth.
func New(cfg Config, handler *dispatch.Handler, keys *keymanager.Manager, agg *stats.Aggregator, catalog *ModelCatalog, webhooks *webhook.Manager, admission *queue.Queue, keysFilePath string, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("llm-keypool-proxy"))
	engine.Use(MetricsMiddleware())

	s := &Server{
		cfg:          cfg,
		engine:       engine,
		handler:      handler,
		keys:         keys,
		agg:          agg,
		catalog:      catalog,
		webhooks:     webhooks,
		admission:    admission,
		logger:       logger,
		keysFilePath: keysFilePath,
	}

	engine.POST("/v1/*path", handler.ServeHTTP)
	engine.GET("/health", s.handleHealth)
	engine.GET("/stats", s.handleStats)
	engine.GET("/backpressure", s.handleBackpressure)
	engine.GET("/models", s.handleModels)
	engine.POST("/reload", s.handleReload)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{Addr: cfg.Addr, Handler: engine}
	return s
}

// queueDepth reports the admission queue's current length and capacity,
// or (0, 0) when no admission queue was wired in.
func (s *Server) queueDepth() (current, max int) {
	if s.admission == nil {
		return 0, 0
	}
	return s.admission.Len(), s.admission.Capacity()
}

func (s *Server) handleHealth(c *gin.Context) {
	uptimeSeconds := time.Since(startTime).Seconds()
	queueCurrent, queueMax := s.queueDepth()
	bp := s.agg.BackpressureSnapshot(s.cfg.MaxBackpressure, queueCurrent, queueMax)

	available := s.keys.AnyAvailable()
	s.trackHealthTransition(available)

	if available {
		c.JSON(http.StatusOK, gin.H{
			"status":        "OK",
			"totalKeys":     s.keys.Len(),
			"uptimeSeconds": uptimeSeconds,
			"backpressure":  bp,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DEGRADED"})
}

// trackHealthTransition emits health.degraded the moment the pool
// first becomes fully unavailable, and escalates to health.critical
// if it stays that way past healthCriticalAfter. Driven by /health
// calls rather than a separate poller, the way an external load
// balancer's own health-check cadence naturally samples this state.
func (s *Server) trackHealthTransition(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if available {
		s.unhealthySince = time.Time{}
		s.criticalEmitted = false
		return
	}

	now := time.Now()
	if s.unhealthySince.IsZero() {
		s.unhealthySince = now
		if s.webhooks != nil {
			s.webhooks.Emit(webhook.EventHealthDegraded, gin.H{"totalKeys": s.keys.Len()})
		}
		return
	}

	if !s.criticalEmitted && now.Sub(s.unhealthySince) >= healthCriticalAfter {
		s.criticalEmitted = true
		if s.webhooks != nil {
			s.webhooks.Emit(webhook.EventHealthCritical, gin.H{
				"totalKeys":      s.keys.Len(),
				"downForSeconds": now.Sub(s.unhealthySince).Seconds(),
			})
		}
	}
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.agg.Snapshot())
}

func (s *Server) handleBackpressure(c *gin.Context) {
	queueCurrent, queueMax := s.queueDepth()
	c.JSON(http.StatusOK, s.agg.BackpressureSnapshot(s.cfg.MaxBackpressure, queueCurrent, queueMax))
}

func (s *Server) handleModels(c *gin.Context) {
	tier := c.Query("tier")
	c.JSON(http.StatusOK, gin.H{"models": s.catalog.List(tier)})
}

func (s *Server) handleReload(c *gin.Context) {
	if s.keysFilePath == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "no keys file configured"})
		return
	}
	doc, err := keysfile.Load(s.keysFilePath)
	if err != nil {
		s.logger.Error("reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	added, removed := s.keys.ReloadKeys(doc.Keys)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"total":   s.keys.Len(),
		"added":   added,
		"removed": removed,
	})
}

var startTime = time.Now()

// WatchKeysFile starts an fsnotify watcher that reloads the keys file
// on write events, debounced the way thushan-olla's config watcher
// debounces rapid-fire fsnotify events.
func (s *Server) WatchKeysFile() error {
	if s.keysFilePath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server: create watcher: %w", err)
	}
	if err := watcher.Add(s.keysFilePath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("server: watch %s: %w", s.keysFilePath, err)
	}
	s.watcher = watcher

	go func() {
		var lastReload time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if time.Since(lastReload) < 500*time.Millisecond {
					continue
				}
				lastReload = time.Now()
				time.Sleep(150 * time.Millisecond)
				doc, err := keysfile.Load(s.keysFilePath)
				if err != nil {
					s.logger.Warn("keys file hot-reload failed", "error", err)
					continue
				}
				added, removed := s.keys.ReloadKeys(doc.Keys)
				s.logger.Info("keys file hot-reloaded", "added", added, "removed", removed)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("keys file watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Run starts the HTTP server and blocks until it exits with an error
// other than http.ErrServerClosed.
func (s *Server) Run() error {
	s.logger.Info("starting server", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, waits for pending webhook
// deliveries, and closes the keys-file watcher, all bounded by
// ShutdownTimeoutMs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.drained {
		s.mu.Unlock()
		return nil
	}
	s.drained = true
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()

	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.handler != nil {
		s.handler.Close()
	}

	err := s.http.Shutdown(shutdownCtx)

	if s.admission != nil {
		s.admission.Close()
	}

	if s.webhooks != nil {
		if drainErr := s.webhooks.Drain(shutdownCtx); drainErr != nil {
			s.logger.Warn("webhook drain did not complete before shutdown deadline", "error", drainErr)
		}
	}

	return err
}
