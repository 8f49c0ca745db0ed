// Package session implements the Session Registry (spec §4.4): the
// table of remote subscribers that have joined a sender's outbound
// stream, their demand, and their liveness.
package session

import "math"

// Unbounded is the saturating-counter top for Session.Demand, meaning
// some participant has requested everything (spec §3).
const Unbounded uint64 = math.MaxUint64

// SaturatingAdd adds b to a, clamping at Unbounded and on overflow, per
// spec §4.4's "saturating add with ∞ as top" policy for More(n).
func SaturatingAdd(a, b uint64) uint64 {
	if a == Unbounded || b == Unbounded {
		return Unbounded
	}
	sum := a + b
	if sum < a {
		return Unbounded
	}
	return sum
}

// Session is one remote subscriber's registration (spec §3). It is
// immutable once read from a Registry snapshot; all mutation happens
// inside the Registry on the single thread draining the service-request
// stream (spec §4.4, §5).
type Session struct {
	ID                 uint64
	Demand             uint64
	LastHeartbeatNanos int64
	Cancelled          bool
}

// Live reports whether this session still participates in the
// registry: it has joined and hasn't been cancelled or reaped. A live
// session with zero demand still counts toward the Demand Aggregator's
// minimum (spec §4.5) even though the Sender won't deliver to it yet.
func (s Session) Live() bool {
	return !s.Cancelled
}

// Deliverable reports whether a Next frame may be sent to this session
// right now: it is live and has outstanding demand (spec §3 invariant:
// "while demand=0 and not cancelled, no Next frames are sent").
func (s Session) Deliverable() bool {
	return s.Live() && s.Demand > 0
}
