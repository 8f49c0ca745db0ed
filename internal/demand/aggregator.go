// Package demand implements the Demand Aggregator (spec §4.5): it maps
// a Session Registry snapshot to the single upstream request(n) value a
// Sender should issue to its local Subscription.
package demand

import (
	"github.com/bhdrk/reactor-ipc/internal/session"
)

// Mode selects how sessions combine into one effective demand.
type Mode int

const (
	// Unicast: the sender serves exactly one session; its demand is the
	// effective demand.
	Unicast Mode = iota
	// Multicast: the sender serves any number of sessions; the
	// effective demand is the minimum across live sessions, so the
	// sender moves only as fast as the slowest subscriber (spec §4.5).
	Multicast
)

// Aggregator tracks how much has already been requested upstream so it
// never over-requests (spec §4.5: "New demand emitted to upstream is
// max(0, effective_n - already_requested)").
type Aggregator struct {
	mode            Mode
	alreadyRequested uint64
	sawUnbounded    bool
}

func NewAggregator(mode Mode) *Aggregator {
	return &Aggregator{mode: mode}
}

// Effective computes the current effective demand across live sessions
// in snap, per §4.5: the single session's demand in Unicast mode, the
// minimum across live sessions in Multicast mode. A snapshot with no
// live sessions has an effective demand of zero.
func Effective(mode Mode, snap []session.Session) uint64 {
	var effective uint64
	found := false
	for _, s := range snap {
		if !s.Live() {
			continue
		}
		if !found {
			effective = s.Demand
			found = true
			if mode == Unicast {
				return effective
			}
			continue
		}
		if s.Demand < effective {
			effective = s.Demand
		}
	}
	if !found {
		return 0
	}
	return effective
}

// NextRequest computes how much new demand (if any) should be issued to
// the upstream Subscription given the current registry snapshot. It
// returns (n, unbounded). Once unbounded has been forwarded once, every
// subsequent call returns (0, false) — spec §4.5: "When all sessions
// have ∞, it forwards ∞ once."
func (a *Aggregator) NextRequest(snap []session.Session) (n uint64, unbounded bool) {
	if a.sawUnbounded {
		return 0, false
	}

	effective := Effective(a.mode, snap)

	if effective == session.Unbounded {
		a.sawUnbounded = true
		return 0, true
	}

	if effective <= a.alreadyRequested {
		return 0, false
	}

	delta := effective - a.alreadyRequested
	a.alreadyRequested = effective
	return delta, false
}

// OnDelivered records that a Next frame was delivered, so a future
// NextRequest call doesn't treat that unit of demand as still
// outstanding upstream. Registry.ConsumeDemand already decremented the
// session's own counter; this only adjusts the aggregator's bookkeeping
// of what it has asked upstream for.
func (a *Aggregator) OnDelivered() {
	if a.alreadyRequested > 0 && a.alreadyRequested != session.Unbounded {
		a.alreadyRequested--
	}
}
