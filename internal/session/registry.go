package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry is a sender's table of joined remote subscribers (spec
// §4.4). Every mutating method takes an internal mutex. The inbound
// Dispatcher goroutine that drains the service-request stream makes all
// mutations except ConsumeDemand, which the Processor's OnNext path
// calls (through ServerDispatcher.OnDelivered) after each Next frame is
// written. Snapshot is safe to call from any goroutine (the Demand Aggregator and the
// Sender read it this way, per spec §5's "atomic snapshot pointer").
//
// Grounded on muxado's streamMap (internal/muxado/stream_map.go), which
// uses the same "own table, expose a safe read path" shape for a
// session-scoped registry, generalized here from an RWMutex-guarded map
// to an atomic snapshot because Registry's readers (Demand Aggregator)
// are on the hot path of every upstream request() decision and must
// never block behind the Dispatcher's mutations.
type Registry struct {
	mu    sync.Mutex
	table map[uint64]*Session
	snap  atomic.Pointer[[]Session]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{table: make(map[uint64]*Session)}
	empty := []Session{}
	r.snap.Store(&empty)
	return r
}

// OnJoin registers remoteID as a new session with zero demand (spec
// §4.4). The proposed id in the wire Join frame (spec §6) is used
// directly as the session key; re-joining with an id already present
// replaces that entry, matching a client that restarted its demand
// bookkeeping from zero.
func (r *Registry) OnJoin(remoteID uint64, nowNanos int64) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{ID: remoteID, LastHeartbeatNanos: nowNanos}
	r.table[remoteID] = s
	r.publish()
	return *s
}

// OnServiceRequest applies a More(n) or Cancel service frame. It
// returns false if sessionID is unknown (a ProtocolViolation the
// Dispatcher logs and discards, per spec §7).
func (r *Registry) OnServiceRequest(sessionID uint64, more bool, n uint64, cancel bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.table[sessionID]
	if !ok {
		return false
	}
	if more {
		s.Demand = SaturatingAdd(s.Demand, n)
	}
	if cancel {
		s.Cancelled = true
	}
	r.publish()
	return true
}

// OnHeartbeatReply refreshes a session's liveness. Returns false if
// sessionID is unknown (an unsolicited reply, spec §7
// ProtocolViolation).
func (r *Registry) OnHeartbeatReply(sessionID uint64, nowNanos int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.table[sessionID]
	if !ok {
		return false
	}
	s.LastHeartbeatNanos = nowNanos
	r.publish()
	return true
}

// ConsumeDemand decrements a session's demand by one after a Next
// frame was delivered to it (spec §4.4 demand invariant: "decreases
// only when a Next frame is delivered"). Unbounded demand is left
// unchanged.
func (r *Registry) ConsumeDemand(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.table[sessionID]
	if !ok || s.Demand == Unbounded || s.Demand == 0 {
		return
	}
	s.Demand--
	r.publish()
}

// Remove deletes a session outright. The Inbound Dispatcher calls it as
// soon as a Cancel for that session has been applied, with no draining
// step first; Next frames already offered to the transport are not
// affected. Reap deletes stale sessions itself without calling Remove.
func (r *Registry) Remove(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, sessionID)
	r.publish()
}

// Reap removes every session whose last heartbeat is older than
// timeout and returns their ids (spec §4.4).
func (r *Registry) Reap(nowNanos int64, timeout time.Duration) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []uint64
	for id, s := range r.table {
		if time.Duration(nowNanos-s.LastHeartbeatNanos) > timeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.table, id)
	}
	if len(stale) > 0 {
		r.publish()
	}
	return stale
}

// Snapshot returns the current sessions as an immutable slice. Safe for
// concurrent use from any goroutine.
func (r *Registry) Snapshot() []Session {
	return *r.snap.Load()
}

// Empty reports whether the registry currently has no sessions at all:
// the Sender's NotConnected retry uses it to decide ErrNoSubscribers,
// and the Inbound Dispatcher uses it after a Cancel or a reap to decide
// whether to honor the Processor's autoCancel policy (spec §4.4).
func (r *Registry) Empty() bool {
	return len(r.Snapshot()) == 0
}

// publish must be called with mu held; it recomputes the atomic
// snapshot from the current table.
func (r *Registry) publish() {
	out := make([]Session, 0, len(r.table))
	for _, s := range r.table {
		out = append(out, *s)
	}
	r.snap.Store(&out)
}
