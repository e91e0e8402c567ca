// Package logging sets up the process-wide structured logger. Grounded
// on the teacher's cmd/server/main.go
// (slog.New(slog.NewJSONHandler(os.Stdout, nil))) for the JSON-by-
// default shape, with optional rotating file output adapted from
// thushan-olla's internal/logger (lumberjack.v2), trimmed to the
// concerns this proxy actually needs (no terminal/pretty-print mode).
package logging

import (
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config tunes level and optional file rotation.
type Config struct {
	Level      string // debug|info|warn|error, default info
	FilePath   string // empty disables file output
	MaxSizeMB  int    // default 100
	MaxBackups int    // default 3
	MaxAgeDays int    // default 28
}

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 3
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 28
	}
	return c
}

// New builds the logger and a cleanup function that closes the
// rotating file sink, if any. Always logs JSON; always writes to
// stdout, additionally to the rotating file when FilePath is set.
func New(cfg Config) (*slog.Logger, func()) {
	cfg = cfg.withDefaults()
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	if cfg.FilePath == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	handler := &teeHandler{
		primary:   slog.NewJSONHandler(os.Stdout, opts),
		secondary: slog.NewJSONHandler(rotator, opts),
	}
	return slog.New(handler), func() { _ = rotator.Close() }
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
