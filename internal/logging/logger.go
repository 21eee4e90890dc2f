// Package logging builds the structured logger shared by both
// binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a text-format slog logger tagged with the application
// name and pid. level is one of "debug", "info", "warn", "error";
// anything else falls back to info.
func New(app, level string) *slog.Logger {
	return NewWithWriter(os.Stdout, app, level)
}

// NewWithWriter is New with an explicit output, for tests.
func NewWithWriter(w io.Writer, app, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch level {
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
