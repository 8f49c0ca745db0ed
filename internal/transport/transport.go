// Package transport defines the Aeron-like transport contract consumed
// by the Signal Sender and Inbound Dispatcher (spec §6), and provides
// two implementations: an in-memory multicast-capable fake used by
// tests and the end-to-end scenarios of spec §8, and a yamux-backed
// embedded driver used when a Context asks for one (spec §4.2).
package transport

// OfferResult is the non-blocking result of a Publication.Offer call,
// matching the transport contract of spec §6.
type OfferResult int

const (
	OfferOK OfferResult = iota
	OfferBackPressured
	OfferNotConnected
	OfferAdminAction
	OfferClosed
	OfferMaxPositionExceeded
)

func (r OfferResult) String() string {
	switch r {
	case OfferOK:
		return "ok"
	case OfferBackPressured:
		return "back-pressured"
	case OfferNotConnected:
		return "not-connected"
	case OfferAdminAction:
		return "admin-action"
	case OfferClosed:
		return "closed"
	case OfferMaxPositionExceeded:
		return "max-position-exceeded"
	default:
		return "unknown"
	}
}

// Publication is an exclusive-writer view over a (channel, streamId)
// pair (spec §3 OutboundPublication). Callers must ensure at most one
// outstanding Offer call at a time.
type Publication interface {
	Offer(payload []byte) OfferResult
	Close() error
}

// FrameHandler is invoked by Subscription.Poll for each frame drained
// from the transport, in arrival order.
type FrameHandler func(payload []byte)

// Subscription is a polling view over a (channel, streamId) pair (spec
// §3 InboundSubscription). Poll must be called from exactly one task at
// a time per subscription.
type Subscription interface {
	// Poll drains up to limit frames, invoking handler for each, and
	// returns the number of frames read. A return of 0 means no frames
	// were currently available; the caller should yield before retrying.
	Poll(handler FrameHandler, limit int) int
	Close() error
}

// Counters exposes the transport's position-counter labels, used by the
// Driver Manager to decide whether it is safe to force a shutdown (spec
// §4.2): the driver must not be torn down while any "sender pos" or
// "subscriber pos" counter is still live.
type Counters interface {
	ForEach(fn func(id uint32, label string))
}

// Transport is one running instance of the underlying messaging
// substrate: either the in-memory fake or the yamux-backed embedded
// driver.
type Transport interface {
	Publication(channel string, streamID int32) (Publication, error)
	Subscription(channel string, streamID int32) (Subscription, error)
	Counters() Counters
	Close() error
}
