package logging

import (
	"context"
	"log/slog"
)

// teeHandler fans a record out to both a stdout handler and a
// rotating-file handler. Adapted from thushan-olla's
// simpleMultiHandler, narrowed from an arbitrary handler slice to the
// fixed stdout+file pair this package actually wires.
type teeHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.primary.Enabled(ctx, record.Level) {
		if err := h.primary.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	if h.secondary.Enabled(ctx, record.Level) {
		if err := h.secondary.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}
