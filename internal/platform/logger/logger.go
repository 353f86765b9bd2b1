package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"fiscalbridge/internal/platform/config"
)

// New returns a structured logger: JSON by default, text in development
// unless LOG_FORMAT says otherwise.
func New(cfg config.Config) *slog.Logger {
	return NewWithWriter(os.Stdout, cfg)
}

func NewWithWriter(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Log.Level)}

	format := strings.ToLower(cfg.Log.Format)
	if format == "" && cfg.Environment == "development" {
		format = "text"
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "fiscalbridge", "environment", cfg.Environment)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
