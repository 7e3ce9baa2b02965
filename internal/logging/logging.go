// Package logging provides the structured logger used across AgentTree's
// host-side components: a severity-tagged call carrying free-form
// key/value fields, backed by log/slog.
package logging

import (
	"log/slog"
	"os"
)

// Logger is the structured logging interface every AgentTree component
// takes as a dependency, in place of a bare *log.Logger.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	With(fields ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New returns a Logger that writes structured JSON lines to stderr,
// tagged with a component name.
func New(component string) Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &slogLogger{l: slog.New(h).With("component", component)}
}

// NewText returns a Logger with human-readable text output, used by the
// CLI surface where JSON lines would be noisy for interactive use.
func NewText(component string) Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &slogLogger{l: slog.New(h).With("component", component)}
}

func (s *slogLogger) Debug(msg string, fields ...any) { s.l.Debug(msg, fields...) }
func (s *slogLogger) Info(msg string, fields ...any)  { s.l.Info(msg, fields...) }
func (s *slogLogger) Warn(msg string, fields ...any)  { s.l.Warn(msg, fields...) }
func (s *slogLogger) Error(msg string, fields ...any) { s.l.Error(msg, fields...) }

func (s *slogLogger) With(fields ...any) Logger {
	return &slogLogger{l: s.l.With(fields...)}
}

// Nop returns a Logger that discards everything; useful as a zero-value in
// tests that don't care about log output.
func Nop() Logger { return &slogLogger{l: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))} }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
