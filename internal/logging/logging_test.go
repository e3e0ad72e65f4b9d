package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewLoggerNotNil(t *testing.T) {
	if NewLogger("debug") == nil {
		t.Fatal("NewLogger returned nil")
	}
	if NewColorLogger("info", true) == nil {
		t.Fatal("NewColorLogger returned nil")
	}
}

func TestContextRoundTrip(t *testing.T) {
	logger := NewLogger("debug")
	ctx := NewContext(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Errorf("FromContext did not return the stored logger")
	}
}

func TestFromContextDefaultsWhenAbsent(t *testing.T) {
	if got := FromContext(context.Background()); got == nil {
		t.Error("FromContext should fall back to a default logger, not nil")
	}
}
