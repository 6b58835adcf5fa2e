// Package logging builds the logr.Logger shared by every component and the
// matching logger factory handed to pion.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	pionlog "github.com/pion/logging"
)

// New returns a logger writing to stderr in the given format ("text" or
// "json") at the given level ("debug", "info", "warn", "error").
func New(format, level string) logr.Logger {
	return NewWithWriter(os.Stderr, format, level)
}

func NewWithWriter(w io.Writer, format, level string) logr.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return logr.FromSlogHandler(h)
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

// PionFactory returns a pion logger factory at the given level.
func PionFactory(level string) *pionlog.DefaultLoggerFactory {
	f := pionlog.NewDefaultLoggerFactory()
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		f.DefaultLogLevel = pionlog.LogLevelTrace
	case "debug":
		f.DefaultLogLevel = pionlog.LogLevelDebug
	case "info":
		f.DefaultLogLevel = pionlog.LogLevelInfo
	case "error":
		f.DefaultLogLevel = pionlog.LogLevelError
	case "disabled", "off":
		f.DefaultLogLevel = pionlog.LogLevelDisabled
	default:
		f.DefaultLogLevel = pionlog.LogLevelWarn
	}
	return f
}
