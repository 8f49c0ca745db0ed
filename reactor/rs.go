package reactor

// Unbounded, passed to Subscription.Request, signals unlimited demand
// (matching a Reactive Streams Long.MAX_VALUE request()).
const Unbounded = ^uint64(0)

// Subscription lets a Subscriber control demand against a Publisher
// (spec §2, the Reactive Streams contract this module bridges across a
// network transport).
type Subscription interface {
	// Request signals demand for up to n additional items. Request(Unbounded)
	// signals unlimited demand.
	Request(n uint64)
	// Cancel signals that no further items are wanted.
	Cancel()
}

// Subscriber receives signals from a Publisher. OnSubscribe is called
// at most once, and is always the first signal; at most one of
// OnError/OnComplete follows some number of OnNext calls; no signal is
// delivered concurrently with another (spec §2).
type Subscriber interface {
	OnSubscribe(s Subscription)
	OnNext(payload []byte)
	OnError(err error)
	OnComplete()
}

// Publisher produces a stream of signals to a Subscriber that calls
// Subscribe.
type Publisher interface {
	Subscribe(s Subscriber)
}
