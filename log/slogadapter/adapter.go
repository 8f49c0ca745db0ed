// Package slogadapter adapts a log/slog.Logger to the reactor-ipc
// log.Logger interface, for callers already standardized on structured
// stdlib logging.
package slogadapter

import (
	"log/slog"

	"github.com/bhdrk/reactor-ipc/log"
)

type Logger struct {
	inner *slog.Logger
}

func New(l *slog.Logger) *Logger {
	return &Logger{inner: l}
}

func (l *Logger) New(ctxPairs ...any) log.Logger {
	return &Logger{inner: l.inner.With(ctxPairs...)}
}

func (l *Logger) Log(level log.LogLevel, msg string, data map[string]any) {
	args := make([]any, 0, len(data)*2)
	for k, v := range data {
		args = append(args, k, v)
	}
	switch level {
	case log.LogLevelTrace, log.LogLevelDebug:
		l.inner.Debug(msg, args...)
	case log.LogLevelInfo:
		l.inner.Info(msg, args...)
	case log.LogLevelWarn:
		l.inner.Warn(msg, args...)
	default:
		l.inner.Error(msg, args...)
	}
}
