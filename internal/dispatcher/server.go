// Package dispatcher implements the Inbound Dispatcher (spec §4.6): the
// component that drains an inbound subscription's frames, routes them
// by type, manages the heartbeat sub-protocol, and either feeds the
// Session Registry/Demand Aggregator (server half) or delivers decoded
// payloads to a local downstream Subscriber (client half).
//
// Grounded on muxado's session.go readFrames() loop (internal/muxado/
// session.go), which drains one net.Conn-backed reader and demuxes by
// frame type into per-concern handlers, generalized here from a single
// connection to the transport's non-blocking Poll contract.
package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhdrk/reactor-ipc/internal/demand"
	"github.com/bhdrk/reactor-ipc/internal/frame"
	"github.com/bhdrk/reactor-ipc/internal/metrics"
	"github.com/bhdrk/reactor-ipc/internal/session"
	"github.com/bhdrk/reactor-ipc/internal/transport"
	"github.com/bhdrk/reactor-ipc/log"
)

// pollIdleSleep bounds how long the dispatcher loop parks after a Poll
// returns no frames, trading a little latency for not busy-spinning
// against an empty in-memory channel or yamux stream (Aeron's
// IdleStrategy plays the same role for its media driver threads).
const pollIdleSleep = time.Millisecond

// UpstreamSubscription is the narrow view the server half needs of the
// Reactive Streams Subscription an upstream Publisher handed to the
// Processor's OnSubscribe. Package reactor's Subscription type
// satisfies this structurally; dispatcher never imports reactor.
type UpstreamSubscription interface {
	Request(n uint64)
	Cancel()
}

// ServerDispatcher is the sender-side half: it owns the service-request
// subscription (Join/More/Cancel/HeartbeatRequest from remote
// subscribers), keeps the Session Registry and Demand Aggregator
// current, answers heartbeats, and pulls fresh demand from upstream
// (spec §4.4, §4.5, §4.6).
type ServerDispatcher struct {
	name string

	registry   *session.Registry
	aggregator *demand.Aggregator

	serviceSub transport.Subscription
	servicePub transport.Publication

	upstream UpstreamSubscription

	heartbeatTimeout time.Duration
	pollBatchSize    int

	// autoCancel mirrors the Processor's Context.AutoCancel (spec §4.4):
	// when true, the upstream Subscription is cancelled the moment the
	// Session Registry goes empty, whether that happened because every
	// session sent Cancel or because the heartbeat reaper evicted them.
	autoCancel    bool
	autoCancelled atomic.Bool

	logger log.Logger

	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewServerDispatcher(
	name string,
	registry *session.Registry,
	aggregator *demand.Aggregator,
	serviceSub transport.Subscription,
	servicePub transport.Publication,
	upstream UpstreamSubscription,
	heartbeatTimeout time.Duration,
	autoCancel bool,
	pollBatchSize int,
	logger log.Logger,
) *ServerDispatcher {
	if logger == nil {
		logger = log.Discard
	}
	if pollBatchSize <= 0 {
		pollBatchSize = 64
	}
	return &ServerDispatcher{
		name:             name,
		registry:         registry,
		aggregator:       aggregator,
		serviceSub:       serviceSub,
		servicePub:       servicePub,
		upstream:         upstream,
		heartbeatTimeout: heartbeatTimeout,
		pollBatchSize:    pollBatchSize,
		autoCancel:       autoCancel,
		logger:           logger,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start launches the poll loop in its own goroutine. It is not safe to
// call Start twice.
func (d *ServerDispatcher) Start() {
	go d.run()
}

// Close stops the poll loop and waits for it to exit.
func (d *ServerDispatcher) Close() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

func (d *ServerDispatcher) run() {
	defer close(d.done)
	reapTicker := time.NewTicker(d.heartbeatTimeout)
	defer reapTicker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-reapTicker.C:
			d.reap()
		default:
		}

		n := d.serviceSub.Poll(d.handleServiceFrame, d.pollBatchSize)
		d.pumpUpstream()

		if n == 0 {
			time.Sleep(pollIdleSleep)
		}
	}
}

func (d *ServerDispatcher) handleServiceFrame(payload []byte) {
	f, err := frame.Decode(payload)
	if err != nil {
		d.logger.Log(log.LogLevelWarn, "discarding malformed service frame", nil)
		return
	}

	now := time.Now().UnixNano()

	switch f.Tag() {
	case frame.TagJoin:
		d.registry.OnJoin(f.SessionID(), now)
		metrics.SessionsLive.WithLabelValues(d.name).Set(float64(len(d.registry.Snapshot())))

	case frame.TagMore:
		if !d.registry.OnServiceRequest(f.SessionID(), true, f.N(), false) {
			d.logger.Log(log.LogLevelWarn, "more from unknown session", map[string]any{"sessionId": f.SessionID()})
		}

	case frame.TagCancel:
		if d.registry.OnServiceRequest(f.SessionID(), false, 0, true) {
			d.registry.Remove(f.SessionID())
			metrics.SessionsLive.WithLabelValues(d.name).Set(float64(len(d.registry.Snapshot())))
			d.maybeAutoCancel()
		}

	case frame.TagHeartbeatRequest:
		// Receiving a heartbeat ping from a session is itself evidence
		// of liveness, so refresh the registry the same way a reply
		// would; then echo a HeartbeatReply back on the service stream.
		d.registry.OnHeartbeatReply(f.SessionID(), now)
		reply := frame.Encode(frame.NewHeartbeatReply(f.SessionID(), f.Nanos()))
		d.servicePub.Offer(reply)

	default:
		d.logger.Log(log.LogLevelWarn, "unexpected frame on service stream", map[string]any{"tag": f.Tag().String()})
	}
}

// OnDelivered records that one broadcast Next frame was written to the
// data stream: every live session's demand counter decrements by one
// (spec §4.4's "decreases only when a Next frame is delivered" — a
// broadcast frame is delivered to every live session at once, since
// Next/Complete carry no per-session address, spec §4.1) and the
// aggregator's already-requested bookkeeping follows suit so it doesn't
// treat this unit of demand as still outstanding upstream.
func (d *ServerDispatcher) OnDelivered() {
	for _, s := range d.registry.Snapshot() {
		if s.Live() {
			d.registry.ConsumeDemand(s.ID)
		}
	}
	d.aggregator.OnDelivered()
}

func (d *ServerDispatcher) pumpUpstream() {
	snap := d.registry.Snapshot()
	n, unbounded := d.aggregator.NextRequest(snap)
	if unbounded {
		d.upstream.Request(frame.Unbounded)
		return
	}
	if n > 0 {
		d.upstream.Request(n)
	}
}

func (d *ServerDispatcher) reap() {
	stale := d.registry.Reap(time.Now().UnixNano(), d.heartbeatTimeout)
	if len(stale) > 0 {
		metrics.SessionsLive.WithLabelValues(d.name).Set(float64(len(d.registry.Snapshot())))
		d.maybeAutoCancel()
	}
}

// maybeAutoCancel cancels the upstream Subscription once, the first
// time the Session Registry is observed empty after autoCancel was
// requested (spec §4.4: "When the last session is cancelled or reaped
// and the Processor's autoCancel is true, the Sender cancels its own
// upstream Subscription").
func (d *ServerDispatcher) maybeAutoCancel() {
	if !d.autoCancel || !d.registry.Empty() {
		return
	}
	if d.autoCancelled.CompareAndSwap(false, true) {
		d.upstream.Cancel()
	}
}
