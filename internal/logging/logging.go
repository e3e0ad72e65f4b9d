// Package logging builds the structured logger shared by every component of
// the proxy and carries it through context.Context so deep call sites never
// need a logger threaded through every function signature.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// NewLogger builds a *slog.Logger for the given level name ("debug", "info",
// "warn", "error"; unrecognized or empty defaults to "info"), without
// colors.
func NewLogger(level string) *slog.Logger {
	return NewColorLogger(level, false)
}

// NewColorLogger is NewLogger with explicit control over ANSI coloring. When
// colorize is true, the level name is prefixed with an ANSI SGR color code
// before being handed to the text handler (use_colors in the configuration
// file).
func NewColorLogger(level string, colorize bool) *slog.Logger {
	handler := slog.Handler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	if colorize {
		handler = &colorHandler{inner: handler}
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewContext returns a new context.Context carrying logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger carried by ctx, or slog.Default() if none
// was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
