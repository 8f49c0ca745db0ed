// Package rserr defines the error-kind vocabulary shared by every
// internal component (spec §7). It lives below the public reactor
// package so that internal/sender, internal/dispatcher, and
// internal/transport can all produce and recognize these errors without
// an import cycle back through the public API; package reactor
// re-exports the identifiers callers see.
package rserr

import "errors"

type ErrorCode uint32

const (
	NoError ErrorCode = iota
	MalformedFrame
	PublicationClosed
	PublicationBackpressured
	NotConnected
	TransportTimeout
	NoSubscribers
	ManagerShuttingDown
	ProtocolViolation
	UpstreamError
)

func (c ErrorCode) String() string {
	switch c {
	case MalformedFrame:
		return "MalformedFrame"
	case PublicationClosed:
		return "PublicationClosed"
	case PublicationBackpressured:
		return "PublicationBackpressured"
	case NotConnected:
		return "NotConnected"
	case TransportTimeout:
		return "TransportTimeout"
	case NoSubscribers:
		return "NoSubscribers"
	case ManagerShuttingDown:
		return "ManagerShuttingDown"
	case ProtocolViolation:
		return "ProtocolViolation"
	case UpstreamError:
		return "UpstreamError"
	default:
		return "NoError"
	}
}

// Error pairs an ErrorCode with the underlying cause, mirroring
// muxado's muxadoError{ErrorCode, error} (internal/muxado/errors.go).
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code.String() + ": " + e.Err.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

func New(code ErrorCode, err error) error {
	return &Error{Code: code, Err: err}
}

// GetCode extracts the ErrorCode carried by err, or UpstreamError if err
// is non-nil but not one of ours (mirroring muxado.GetError).
func GetCode(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UpstreamError
}

// IsTransient reports whether err is a condition the Sender's retry
// loop should recover from locally (spec §4.3, §7).
func IsTransient(err error) bool {
	switch GetCode(err) {
	case PublicationBackpressured, NotConnected:
		return true
	default:
		return false
	}
}

var (
	ErrMalformedFrame           = New(MalformedFrame, errors.New("malformed frame"))
	ErrPublicationClosed        = New(PublicationClosed, errors.New("publication closed"))
	ErrPublicationBackpressured = New(PublicationBackpressured, errors.New("publication back-pressured"))
	ErrNotConnected             = New(NotConnected, errors.New("not connected"))
	ErrTransportTimeout         = New(TransportTimeout, errors.New("transport timeout"))
	ErrNoSubscribers            = New(NoSubscribers, errors.New("no subscribers"))
	ErrManagerShuttingDown      = New(ManagerShuttingDown, errors.New("driver manager is shutting down"))
)

// ErrProtocolViolation wraps a description of an unsolicited or
// out-of-band service frame.
func ErrProtocolViolation(msg string) error {
	return New(ProtocolViolation, errors.New(msg))
}

// ErrUpstream wraps the message text carried in a transport Error
// frame verbatim; the decoder never reconstructs a typed exception
// (spec §4.1).
func ErrUpstream(msg string) error {
	return New(UpstreamError, errors.New(msg))
}
