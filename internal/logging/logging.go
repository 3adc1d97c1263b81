// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps log/slog with the handful of conveniences the rest
// of kzorp expects: a component-scoped logger, and an optional syslog
// forwarder for environments that centralize logs off-box.
package logging

import (
	"log/slog"
	"os"
)

// Logger is the structured logger used throughout kzorp. It is a thin
// wrapper around *slog.Logger so call sites can pass key-value pairs
// directly: logger.Info("commit applied", "generation", gen).
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing JSON records to w at the given level.
func New(w *os.File, level slog.Level) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h)}
}

// NewText creates a Logger writing human-readable records, suitable for a
// foreground daemon or test output.
func NewText(w *os.File, level slog.Level) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h)}
}

// With returns a Logger that always includes the given key-value pairs,
// scoped to a component name (e.g. logging.Default().With("component", "txn")).
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

var defaultLogger = New(os.Stderr, slog.LevelInfo)

// Default returns the process-wide default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}
