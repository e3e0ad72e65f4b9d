package logging

import (
	"context"
	"log/slog"
)

// colorHandler wraps another slog.Handler and rewrites the level attribute
// to carry an ANSI SGR color prefix, for terminals (use_colors in the
// configuration file). It otherwise delegates everything to inner.
type colorHandler struct {
	inner slog.Handler
}

const (
	colorReset = "\x1b[0m"
	colorRed   = "\x1b[31m"
	colorYellow = "\x1b[33m"
	colorCyan  = "\x1b[36m"
	colorGray  = "\x1b[90m"
)

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorCyan
	default:
		return colorGray
	}
}

func (h *colorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	color := levelColor(r.Level)
	colored := slog.NewRecord(r.Time, r.Level, color+r.Level.String()+colorReset+" "+r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		colored.AddAttrs(a)
		return true
	})
	return h.inner.Handle(ctx, colored)
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{inner: h.inner.WithGroup(name)}
}
