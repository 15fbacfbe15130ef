// Package logging is a thin slog facade for the detector: a leveled
// structured logger on stderr by default, optionally JSON, optionally to
// a file. Hot paths never log; this exists for lifecycle messages and
// diagnostics.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls the logger shape. The zero value logs Info+ as text to
// stderr.
type Config struct {
	Level string // "debug", "info", "warn", "error"
	JSON  bool
	W     io.Writer // nil means stderr
}

// New builds a logger from cfg.
func New(cfg Config) *slog.Logger {
	w := cfg.W
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
