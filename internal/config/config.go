// Package config loads the proxy's runtime configuration: defaults,
// overlaid by an optional YAML file, overlaid by environment
// variables (spec.md §6's knob table). Grounded on thushan-olla's
// internal/config (viper layering, fsnotify-driven reload callback),
// generalized from its server/proxy/discovery sections to this
// proxy's key-pool knobs; the teacher's flat getEnv-style defaulting
// is preserved as viper.SetDefault calls.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full knob table (spec.md §6).
type Config struct {
	ServerPort string `mapstructure:"server_port"`
	KeysFile   string `mapstructure:"keys_file"`

	MaxConcurrencyPerKey int     `mapstructure:"max_concurrency_per_key"`
	RateLimitPerMinute   float64 `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst       float64 `mapstructure:"rate_limit_burst"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	PoolCooldown   PoolCooldownConfig   `mapstructure:"pool_cooldown"`
	AccountLevel   AccountLevelConfig   `mapstructure:"account_level_detection"`
	KeyCooldown    KeyCooldownConfig    `mapstructure:"key_rate_limit_cooldown"`

	MaxRetries         int   `mapstructure:"max_retries"`
	RetryBackoffBaseMs int64 `mapstructure:"retry_backoff_base_ms"`

	MaxBackpressure int   `mapstructure:"max_backpressure"`
	QueueTimeoutMs  int64 `mapstructure:"queue_timeout_ms"`

	MaxBodySize       int64 `mapstructure:"max_body_size"`
	ShutdownTimeoutMs int64 `mapstructure:"shutdown_timeout_ms"`

	UpstreamBaseURL       string `mapstructure:"upstream_base_url"`
	BaseUpstreamTimeoutMs int64  `mapstructure:"base_upstream_timeout_ms"`
	MaxUpstreamTimeoutMs  int64  `mapstructure:"max_upstream_timeout_ms"`

	WebhookURL        string `mapstructure:"webhook_url"`
	WebhookSecret     string `mapstructure:"webhook_secret"`
	WebhookMaxRetries int    `mapstructure:"webhook_max_retries"`

	StatsFilePath string `mapstructure:"stats_file_path"`

	AWSRegion         string `mapstructure:"aws_region"`
	DynamoDBTableName string `mapstructure:"dynamodb_table_name"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	LogLevel   string `mapstructure:"log_level"`
	LogFile    string `mapstructure:"log_file"`
}

// CircuitBreakerConfig tunes the per-key breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
}

// PoolCooldownConfig tunes per-model pool cooldown.
type PoolCooldownConfig struct {
	BaseMs  int64 `mapstructure:"base_ms"`
	CapMs   int64 `mapstructure:"cap_ms"`
	DecayMs int64 `mapstructure:"decay_ms"`
}

// AccountLevelConfig tunes the cross-key 429 detector.
type AccountLevelConfig struct {
	Enabled      bool  `mapstructure:"enabled"`
	KeyThreshold int   `mapstructure:"key_threshold"`
	WindowMs     int64 `mapstructure:"window_ms"`
	CooldownMs   int64 `mapstructure:"cooldown_ms"`
}

// KeyCooldownConfig tunes per-key cooldown escalation/decay.
type KeyCooldownConfig struct {
	BaseCooldownMs  int64 `mapstructure:"base_cooldown_ms"`
	CooldownDecayMs int64 `mapstructure:"cooldown_decay_ms"`
}

func setDefaults() {
	viper.SetDefault("server_port", "8080")
	viper.SetDefault("keys_file", "keys.json")

	viper.SetDefault("max_concurrency_per_key", 5)
	viper.SetDefault("rate_limit_per_minute", 0.0)
	viper.SetDefault("rate_limit_burst", 0.0)

	viper.SetDefault("circuit_breaker.failure_threshold", 5)
	viper.SetDefault("circuit_breaker.failure_window", 60*time.Second)
	viper.SetDefault("circuit_breaker.cooldown_period", 30*time.Second)

	viper.SetDefault("pool_cooldown.base_ms", 500)
	viper.SetDefault("pool_cooldown.cap_ms", 5000)
	viper.SetDefault("pool_cooldown.decay_ms", 10000)

	viper.SetDefault("account_level_detection.enabled", true)
	viper.SetDefault("account_level_detection.key_threshold", 3)
	viper.SetDefault("account_level_detection.window_ms", 5000)
	viper.SetDefault("account_level_detection.cooldown_ms", 10000)

	viper.SetDefault("key_rate_limit_cooldown.base_cooldown_ms", 1000)
	viper.SetDefault("key_rate_limit_cooldown.cooldown_decay_ms", 30000)

	viper.SetDefault("max_retries", 3)
	viper.SetDefault("retry_backoff_base_ms", 100)

	viper.SetDefault("max_backpressure", 100)
	viper.SetDefault("queue_timeout_ms", 5000)

	viper.SetDefault("max_body_size", 10*1024*1024)
	viper.SetDefault("shutdown_timeout_ms", 10000)

	viper.SetDefault("upstream_base_url", "")
	viper.SetDefault("base_upstream_timeout_ms", 30000)
	viper.SetDefault("max_upstream_timeout_ms", 120000)

	viper.SetDefault("webhook_url", "")
	viper.SetDefault("webhook_secret", "")
	viper.SetDefault("webhook_max_retries", 3)

	viper.SetDefault("stats_file_path", "stats.json")

	viper.SetDefault("aws_region", "us-east-1")
	viper.SetDefault("dynamodb_table_name", "")

	viper.SetDefault("redis_addr", "")
	viper.SetDefault("redis_password", "")
	viper.SetDefault("redis_db", 0)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_file", "")
}

// Load reads defaults, an optional config.yaml (looked up in . and then
// ./config), and PROXY_-prefixed environment variables, in ascending
// priority. onConfigChange, if non-nil, is invoked on every change
// event viper reports for the config file.
func Load(onConfigChange func()) (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("PROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if onConfigChange != nil {
		viper.WatchConfig()
		viper.OnConfigChange(func(_ fsnotify.Event) {
			onConfigChange()
		})
	}

	return &cfg, nil
}
