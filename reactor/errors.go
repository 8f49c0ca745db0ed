package reactor

import "github.com/bhdrk/reactor-ipc/internal/rserr"

// ErrorCode classifies the failure kinds a Processor can surface, per
// spec §7. The implementation lives in internal/rserr so every internal
// component can produce these errors without importing this package.
type ErrorCode = rserr.ErrorCode

const (
	NoError                         = rserr.NoError
	ErrCodeMalformedFrame           = rserr.MalformedFrame
	ErrCodePublicationClosed        = rserr.PublicationClosed
	ErrCodePublicationBackpressured = rserr.PublicationBackpressured
	ErrCodeNotConnected             = rserr.NotConnected
	ErrCodeTransportTimeout         = rserr.TransportTimeout
	ErrCodeNoSubscribers            = rserr.NoSubscribers
	ErrCodeManagerShuttingDown      = rserr.ManagerShuttingDown
	ErrCodeProtocolViolation        = rserr.ProtocolViolation
	ErrCodeUpstreamError            = rserr.UpstreamError
)

// Code extracts the ErrorCode carried by err, or ErrCodeUpstreamError if
// err is non-nil but not one of ours.
func Code(err error) ErrorCode { return rserr.GetCode(err) }

// IsTransient reports whether err represents a condition the Sender's
// retry loop recovers from locally rather than failing the Processor.
func IsTransient(err error) bool { return rserr.IsTransient(err) }

var (
	ErrMalformedFrame           = rserr.ErrMalformedFrame
	ErrPublicationClosed        = rserr.ErrPublicationClosed
	ErrPublicationBackpressured = rserr.ErrPublicationBackpressured
	ErrNotConnected             = rserr.ErrNotConnected
	ErrTransportTimeout         = rserr.ErrTransportTimeout
	ErrNoSubscribers            = rserr.ErrNoSubscribers
	ErrManagerShuttingDown      = rserr.ErrManagerShuttingDown
)

// ErrProtocolViolation wraps a description of an unsolicited or
// out-of-band service frame (unknown session, unsolicited reply).
func ErrProtocolViolation(msg string) error { return rserr.ErrProtocolViolation(msg) }

// ErrUpstream wraps the message text carried in a transport Error frame.
// The decoder never reconstructs a typed exception for it (spec §4.1).
func ErrUpstream(msg string) error { return rserr.ErrUpstream(msg) }
