package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a logger for the given format (json|text) and level and installs it as default.
func New(format, level string) *slog.Logger {
	logger := slog.New(handler(os.Stdout, format, level))
	slog.SetDefault(logger)
	return logger
}

func handler(w io.Writer, format, level string) slog.Handler {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
