package katcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Level is a logging severity, matching the levels spec.md section 9
// requires an injected logging sink to expose.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Logger is the injected logging sink every katcp component takes instead
// of reaching for a package-global logger. keyvals is an alternating
// key/value list, following the teacher's own cfg.logger.Log(level, msg,
// "key", val, ...) convention.
type Logger interface {
	Log(level Level, msg string, keyvals ...any)
}

// slogLogger adapts a *slog.Logger to the Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an existing *slog.Logger.
func NewSlogLogger(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

func (s *slogLogger) Log(level Level, msg string, keyvals ...any) {
	s.l.Log(context.Background(), level.slogLevel(), msg, keyvals...)
}

// NewDefaultLogger returns the module's default Logger: a colorized,
// leveled console logger built on github.com/lmittmann/tint, the pattern
// used throughout the retrieved corpus's daemon entrypoints
// (slog.New(tint.NewHandler(...))).
func NewDefaultLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	h := tint.NewHandler(w, &tint.Options{Level: slog.LevelDebug})
	return NewSlogLogger(slog.New(h))
}

// nopLogger discards everything; used when no Logger is configured.
type nopLogger struct{}

func (nopLogger) Log(Level, string, ...any) {}
