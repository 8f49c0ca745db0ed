// Package log defines the pluggable logging interface used throughout
// reactor-ipc. Components never import a concrete logging backend
// directly; they accept a Logger and call it with key/value pairs.
package log

import "fmt"

type LogLevel = int

const (
	LogLevelTrace = 6
	LogLevelDebug = 5
	LogLevelInfo  = 4
	LogLevelWarn  = 3
	LogLevelError = 2
	LogLevelNone  = 1
)

type ErrInvalidLogLevel struct {
	Level any
}

func (e ErrInvalidLogLevel) Error() string {
	return fmt.Sprintf("invalid log level: %v", e.Level)
}

// Logger is implemented by every logging backend adapter. data maps keys
// to values; each adapter flattens it into the alternating key/value
// arguments github.com/inconshreveable/log15 and log/slog both accept.
type Logger interface {
	Log(level LogLevel, msg string, data map[string]any)
}

// New returns a child logger that prefixes every call with the given
// key/value pairs, mirroring log15's Logger.New.
type Contextual interface {
	Logger
	New(ctxPairs ...any) Logger
}

// Discard is a Logger that drops everything, used when no logger is
// configured.
var Discard Logger = discard{}

type discard struct{}

func (discard) Log(LogLevel, string, map[string]any) {}
