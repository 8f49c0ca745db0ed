// Package log15adapter adapts a github.com/inconshreveable/log15.Logger to
// the reactor-ipc log.Logger interface.
package log15adapter

import (
	log15 "github.com/inconshreveable/log15"

	"github.com/bhdrk/reactor-ipc/log"
)

type Logger struct {
	inner log15.Logger
}

func New(l log15.Logger) *Logger {
	return &Logger{inner: l}
}

func (l *Logger) New(ctxPairs ...any) log.Logger {
	return &Logger{inner: l.inner.New(ctxPairs...)}
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
	case log.LogLevelError:
		l.inner.Error(msg, args...)
	default:
		l.inner.Crit(msg, args...)
	}
}
