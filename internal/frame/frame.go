// Package frame implements the wire codec for reactor-ipc's service and
// data frames (spec §4.1, §6). Unlike a byte-stream framer such as
// muxado's (which must delimit frames out of a continuous io.Reader),
// the underlying transport already delivers whole messages one offer()/
// poll() at a time, so Encode/Decode operate on complete buffers rather
// than an io.Reader.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Tag identifies the wire type of a Frame, per spec §6.
type Tag uint8

const (
	TagJoin             Tag = 0x01
	TagMore             Tag = 0x02
	TagCancel           Tag = 0x03
	TagHeartbeatRequest Tag = 0x10
	TagHeartbeatReply   Tag = 0x11
	TagNext             Tag = 0x20
	TagComplete         Tag = 0x21
	TagError            Tag = 0x22
)

func (t Tag) String() string {
	switch t {
	case TagJoin:
		return "JOIN"
	case TagMore:
		return "MORE"
	case TagCancel:
		return "CANCEL"
	case TagHeartbeatRequest:
		return "HEARTBEAT_REQUEST"
	case TagHeartbeatReply:
		return "HEARTBEAT_REPLY"
	case TagNext:
		return "NEXT"
	case TagComplete:
		return "COMPLETE"
	case TagError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// ServiceKind distinguishes the three ServiceRequest variants.
type ServiceKind int

const (
	Join ServiceKind = iota
	More
	Cancel
)

// Unbounded is the wire value for More(n) meaning "request everything".
const Unbounded uint64 = math.MaxUint64

// headerSize is the 1-byte tag + 8-byte session/sequence preamble every
// frame variant carries (spec §4.1).
const headerSize = 9

// ErrMalformed is returned by Decode for an unknown tag or a truncated
// buffer. The caller (the Inbound Dispatcher) logs and discards the
// frame rather than propagating this upward (spec §7).
var ErrMalformed = errors.New("malformed frame")

// Frame is the tagged union of spec §3's Frame variant. Exactly one of
// the typed accessors is meaningful for a given Tag; callers switch on
// Tag() first.
type Frame struct {
	tag       Tag
	sessionID uint64

	payload   []byte      // Next
	message   []byte      // Error
	n         uint64      // More
	nanos     uint64      // HeartbeatRequest/HeartbeatReply
	kind      ServiceKind // ServiceRequest
}

func (f Frame) Tag() Tag           { return f.tag }
func (f Frame) SessionID() uint64  { return f.sessionID }
func (f Frame) Payload() []byte    { return f.payload }
func (f Frame) Message() string    { return string(f.message) }
func (f Frame) N() uint64          { return f.n }
func (f Frame) Nanos() uint64      { return f.nanos }
func (f Frame) Kind() ServiceKind  { return f.kind }

// NewNext builds a Next(payload) data frame for sessionID. sessionID is
// zero for a broadcast/unicast sender that has not yet bound to a
// specific session's stream.
func NewNext(sessionID uint64, payload []byte) Frame {
	return Frame{tag: TagNext, sessionID: sessionID, payload: payload}
}

func NewComplete(sessionID uint64) Frame {
	return Frame{tag: TagComplete, sessionID: sessionID}
}

func NewError(sessionID uint64, message string) Frame {
	return Frame{tag: TagError, sessionID: sessionID, message: []byte(message)}
}

func NewJoin(sessionID uint64) Frame {
	return Frame{tag: TagJoin, sessionID: sessionID, kind: Join}
}

func NewMore(sessionID uint64, n uint64) Frame {
	return Frame{tag: TagMore, sessionID: sessionID, n: n, kind: More}
}

func NewCancel(sessionID uint64) Frame {
	return Frame{tag: TagCancel, sessionID: sessionID, kind: Cancel}
}

func NewHeartbeatRequest(sessionID uint64, senderNanos uint64) Frame {
	return Frame{tag: TagHeartbeatRequest, sessionID: sessionID, nanos: senderNanos}
}

func NewHeartbeatReply(sessionID uint64, echoedSenderNanos uint64) Frame {
	return Frame{tag: TagHeartbeatReply, sessionID: sessionID, nanos: echoedSenderNanos}
}

// Encode packs f into its wire representation. The round-trip law
// Decode(Encode(f)) == f holds for every variant whose payload/message
// fits within the transport MTU (spec §4.1 & §8).
func Encode(f Frame) []byte {
	switch f.tag {
	case TagJoin, TagCancel:
		b := make([]byte, headerSize)
		writeHeader(b, f.tag, f.sessionID)
		return b
	case TagMore:
		b := make([]byte, headerSize+8)
		writeHeader(b, f.tag, f.sessionID)
		binary.BigEndian.PutUint64(b[headerSize:], f.n)
		return b
	case TagHeartbeatRequest, TagHeartbeatReply:
		b := make([]byte, headerSize+8)
		writeHeader(b, f.tag, f.sessionID)
		binary.BigEndian.PutUint64(b[headerSize:], f.nanos)
		return b
	case TagNext:
		b := make([]byte, headerSize+len(f.payload))
		writeHeader(b, f.tag, f.sessionID)
		copy(b[headerSize:], f.payload)
		return b
	case TagComplete:
		b := make([]byte, headerSize)
		writeHeader(b, f.tag, f.sessionID)
		return b
	case TagError:
		b := make([]byte, headerSize+len(f.message))
		writeHeader(b, f.tag, f.sessionID)
		copy(b[headerSize:], f.message)
		return b
	default:
		panic(fmt.Sprintf("frame: unknown tag %v", f.tag))
	}
}

func writeHeader(b []byte, tag Tag, sessionID uint64) {
	b[0] = byte(tag)
	binary.BigEndian.PutUint64(b[1:headerSize], sessionID)
}

// Decode unpacks a wire buffer into a Frame. It returns ErrMalformed on
// an unknown tag or a buffer too short for the tag's fixed fields; it
// never attempts to reconstruct a typed exception for an Error frame —
// the caller gets the raw message text (spec §4.1).
func Decode(b []byte) (Frame, error) {
	if len(b) < headerSize {
		return Frame{}, ErrMalformed
	}
	tag := Tag(b[0])
	sessionID := binary.BigEndian.Uint64(b[1:headerSize])
	rest := b[headerSize:]

	switch tag {
	case TagJoin:
		return NewJoin(sessionID), nil
	case TagCancel:
		return NewCancel(sessionID), nil
	case TagMore:
		if len(rest) < 8 {
			return Frame{}, ErrMalformed
		}
		return NewMore(sessionID, binary.BigEndian.Uint64(rest)), nil
	case TagHeartbeatRequest:
		if len(rest) < 8 {
			return Frame{}, ErrMalformed
		}
		return NewHeartbeatRequest(sessionID, binary.BigEndian.Uint64(rest)), nil
	case TagHeartbeatReply:
		if len(rest) < 8 {
			return Frame{}, ErrMalformed
		}
		return NewHeartbeatReply(sessionID, binary.BigEndian.Uint64(rest)), nil
	case TagNext:
		// An empty payload decodes as nil, so NewNext(id, nil) round-trips.
		var payload []byte
		if len(rest) > 0 {
			payload = make([]byte, len(rest))
			copy(payload, rest)
		}
		return NewNext(sessionID, payload), nil
	case TagComplete:
		return NewComplete(sessionID), nil
	case TagError:
		msg := make([]byte, len(rest))
		copy(msg, rest)
		return Frame{tag: TagError, sessionID: sessionID, message: msg}, nil
	default:
		return Frame{}, ErrMalformed
	}
}
