package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process JSON logger on stdout. Every line carries the
// service name so the API and consumer streams can share a sink.
func NewLogger(level, service string) *slog.Logger {
	return New(os.Stdout, level, service)
}

func New(w io.Writer, level, service string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	l := slog.New(slog.NewJSONHandler(w, opts))
	if service != "" {
		l = l.With("service", service)
	}
	return l
}

func levelFromString(level string) slog.Leveler {
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
