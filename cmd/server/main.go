package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyproxy/llm-keypool-proxy/internal/breaker"
	"github.com/keyproxy/llm-keypool-proxy/internal/config"
	"github.com/keyproxy/llm-keypool-proxy/internal/dispatch"
	"github.com/keyproxy/llm-keypool-proxy/internal/distributed"
	"github.com/keyproxy/llm-keypool-proxy/internal/keymanager"
	"github.com/keyproxy/llm-keypool-proxy/internal/keysfile"
	"github.com/keyproxy/llm-keypool-proxy/internal/logging"
	"github.com/keyproxy/llm-keypool-proxy/internal/poolmanager"
	"github.com/keyproxy/llm-keypool-proxy/internal/queue"
	"github.com/keyproxy/llm-keypool-proxy/internal/replay"
	"github.com/keyproxy/llm-keypool-proxy/internal/server"
	"github.com/keyproxy/llm-keypool-proxy/internal/stats"
	"github.com/keyproxy/llm-keypool-proxy/internal/webhook"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLogger := logging.New(logging.Config{Level: cfg.LogLevel, FilePath: cfg.LogFile})
	defer closeLogger()
	slog.SetDefault(logger)

	doc, err := keysfile.Load(cfg.KeysFile)
	if err != nil {
		logger.Error("failed to load keys file", "error", err, "path", cfg.KeysFile)
		os.Exit(1)
	}

	upstreamBaseURL := cfg.UpstreamBaseURL
	if upstreamBaseURL == "" {
		upstreamBaseURL = doc.BaseURL
	}

	webhooks := webhook.New(webhook.Config{
		URL:        cfg.WebhookURL,
		Secret:     cfg.WebhookSecret,
		MaxRetries: cfg.WebhookMaxRetries,
	}, logger)

	onKeyStateChange := func(index int, keyID string, from, to breaker.State, info breaker.Info) {
		logger.Info("credential circuit transition", "index", index, "keyId", keyID, "from", from.String(), "to", to.String())
		switch {
		case to == breaker.Open:
			webhooks.Emit(webhook.EventCircuitTrip, map[string]string{"keyId": keyID})
		case from == breaker.Open && to == breaker.Closed:
			webhooks.Emit(webhook.EventCircuitRecover, map[string]string{"keyId": keyID})
		}
	}

	keys := keymanager.New(keymanager.Config{
		MaxConcurrencyPerKey: cfg.MaxConcurrencyPerKey,
		RateLimitPerMinute:   cfg.RateLimitPerMinute,
		RateLimitBurst:       cfg.RateLimitBurst,
		Breaker: breaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			FailureWindow:    cfg.CircuitBreaker.FailureWindow,
			CooldownPeriod:   cfg.CircuitBreaker.CooldownPeriod,
		},
		CooldownDecayMs: cfg.KeyCooldown.CooldownDecayMs,
		BaseCooldownMs:  cfg.KeyCooldown.BaseCooldownMs,
		AccountLevel: keymanager.AccountLevelConfig{
			Enabled:      cfg.AccountLevel.Enabled,
			KeyThreshold: cfg.AccountLevel.KeyThreshold,
			WindowMs:     cfg.AccountLevel.WindowMs,
			CooldownMs:   cfg.AccountLevel.CooldownMs,
		},
	}, doc.Keys, onKeyStateChange)

	pools := poolmanager.New(poolmanager.Config{
		BaseMs:  cfg.PoolCooldown.BaseMs,
		CapMs:   cfg.PoolCooldown.CapMs,
		DecayMs: cfg.PoolCooldown.DecayMs,
	})

	coordinator := distributed.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "")
	defer coordinator.Close()

	admissionQueue := queue.New(cfg.MaxBackpressure * 4)

	var mirror stats.RemoteMirror
	if cfg.DynamoDBTableName != "" {
		dynamoMirror, err := stats.NewDynamoDBMirror(context.Background(), cfg.AWSRegion, cfg.DynamoDBTableName)
		if err != nil {
			logger.Warn("failed to init DynamoDB stats mirror, continuing without it", "error", err)
		} else {
			mirror = dynamoMirror
		}
	}
	persistence := stats.NewPersistence(cfg.StatsFilePath, mirror, logger)

	errorTracker := stats.NewErrorTracker()
	errorTracker.OnSpike(func(count int, window time.Duration) {
		webhooks.Emit(webhook.EventErrorSpike, map[string]interface{}{
			"count":         count,
			"windowSeconds": int(window.Seconds()),
		})
	})
	tokenTracker := stats.NewTokenTracker(10000)
	scaler := stats.NewPredictiveScaler(0)
	aggregator := stats.NewAggregator(keys, pools, errorTracker, tokenTracker, scaler)

	statsFlushDone := make(chan struct{})
	go runStatsFlushLoop(keys, persistence, scaler, statsFlushDone)
	defer close(statsFlushDone)

	replayQueue := replay.New(replay.Config{}, func(name string, entry replay.Entry) {
		logger.Debug("replay event", "event", name, "traceId", entry.TraceID)
	})
	defer replayQueue.Close()

	handler := dispatch.New(dispatch.Config{
		MaxBodySize:           cfg.MaxBodySize,
		MaxBackpressure:       cfg.MaxBackpressure,
		QueueTimeoutMs:        cfg.QueueTimeoutMs,
		BaseUpstreamTimeoutMs: cfg.BaseUpstreamTimeoutMs,
		MaxUpstreamTimeoutMs:  cfg.MaxUpstreamTimeoutMs,
		MaxRetries:            cfg.MaxRetries,
		RetryBackoffBaseMs:    cfg.RetryBackoffBaseMs,
	}, upstreamBaseURL, keys, pools, admissionQueue, replayQueue, webhooks, errorTracker, tokenTracker, server.RecordTokenUsage, logger)

	catalog := server.NewModelCatalog(keys, nil)

	srv := server.New(server.Config{
		Addr:              ":" + cfg.ServerPort,
		MaxBackpressure:   cfg.MaxBackpressure,
		ShutdownTimeoutMs: cfg.ShutdownTimeoutMs,
	}, handler, keys, aggregator, catalog, webhooks, admissionQueue, cfg.KeysFile, logger)

	if err := srv.WatchKeysFile(); err != nil {
		logger.Warn("keys file hot-reload disabled", "error", err)
	}

	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exiting")
}

// runStatsFlushLoop periodically persists each credential's lifetime
// counters to disk (and, if configured, the remote mirror) so restarts
// don't lose usage history, and feeds the predictive scaler one
// request-volume sample per tick.
func runStatsFlushLoop(keys *keymanager.Manager, persistence *stats.Persistence, scaler *stats.PredictiveScaler, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	var lastTotal int64
	for {
		select {
		case <-ticker.C:
			var total int64
			for _, k := range keys.AllStats() {
				total += k.TotalRequests
				_ = persistence.Record(k.KeyID, stats.KeyTotals{
					Requests:  k.TotalRequests,
					Successes: k.SuccessCount,
					Failures:  k.FailureCount,
				})
			}
			if delta := total - lastTotal; delta >= 0 {
				scaler.Observe(delta)
			}
			lastTotal = total
		case <-done:
			return
		}
	}
}
