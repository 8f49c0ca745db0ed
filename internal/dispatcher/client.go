package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhdrk/reactor-ipc/internal/frame"
	"github.com/bhdrk/reactor-ipc/internal/metrics"
	"github.com/bhdrk/reactor-ipc/internal/rserr"
	"github.com/bhdrk/reactor-ipc/internal/transport"
	"github.com/bhdrk/reactor-ipc/log"
)

// DownstreamSubscriber is the narrow view the client half needs of the
// local Reactive Streams Subscriber a Processor's Subscribe(sub)
// received. Package reactor's Subscriber type satisfies this
// structurally.
type DownstreamSubscriber interface {
	OnNext(payload []byte)
	OnError(err error)
	OnComplete()
}

// ClientDispatcher is the receiver-side half: it joins a remote
// sender's session table, forwards the local subscriber's request(n)/
// cancel as service frames, polls the data and error streams, and pings
// the sender with heartbeats so a dead sender surfaces as
// onError(TransportTimeout) rather than silence (spec §4.6, scenario 4
// of §8).
type ClientDispatcher struct {
	name      string
	sessionID uint64

	dataSub    transport.Subscription
	errorSub   transport.Subscription
	servicePub transport.Publication
	serviceSub transport.Subscription

	subscriber DownstreamSubscriber

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	lastHeartbeatSentNanos  int64
	lastHeartbeatReplyNanos int64

	terminated atomic.Bool

	// multicast mirrors the Processor's Context.Multicast. Per spec
	// §4.6, an inbound Error frame tears down the owning Processor only
	// "when the transport is shared multicast" — a unicast Processor's
	// Error frame already means the one session it serves is done, with
	// no broader fan-out to account for.
	multicast bool
	// onFatalError, when non-nil, is invoked after an inbound Error
	// frame terminates this dispatcher's local subscription, so the
	// owning Processor can flip its own alive flag and tear itself down
	// too. It must not block on this dispatcher's own shutdown (see the
	// call site in reactor.Processor.Subscribe), since handleErrorFrame
	// runs inside run()'s own goroutine.
	onFatalError func()

	pollBatchSize int

	logger log.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewClientDispatcher(
	name string,
	sessionID uint64,
	dataSub, errorSub transport.Subscription,
	servicePub transport.Publication,
	serviceSub transport.Subscription,
	subscriber DownstreamSubscriber,
	heartbeatInterval, heartbeatTimeout time.Duration,
	multicast bool,
	onFatalError func(),
	pollBatchSize int,
	logger log.Logger,
) *ClientDispatcher {
	if logger == nil {
		logger = log.Discard
	}
	if pollBatchSize <= 0 {
		pollBatchSize = 64
	}
	now := time.Now().UnixNano()
	return &ClientDispatcher{
		name:                    name,
		sessionID:               sessionID,
		dataSub:                 dataSub,
		errorSub:                errorSub,
		servicePub:              servicePub,
		serviceSub:              serviceSub,
		subscriber:              subscriber,
		heartbeatInterval:       heartbeatInterval,
		heartbeatTimeout:        heartbeatTimeout,
		lastHeartbeatReplyNanos: now,
		multicast:               multicast,
		onFatalError:            onFatalError,
		pollBatchSize:           pollBatchSize,
		logger:                  logger,
		stop:                    make(chan struct{}),
		done:                    make(chan struct{}),
	}
}

// Start sends the initial Join frame and launches the poll loop.
func (d *ClientDispatcher) Start() {
	d.servicePub.Offer(frame.Encode(frame.NewJoin(d.sessionID)))
	go d.run()
}

// Request forwards local downstream demand as a More(n) service frame.
// n == frame.Unbounded is forwarded as-is; the remote Session Registry
// saturates it (spec §4.4).
func (d *ClientDispatcher) Request(n uint64) {
	if d.terminated.Load() || n == 0 {
		return
	}
	d.servicePub.Offer(frame.Encode(frame.NewMore(d.sessionID, n)))
}

// Cancel sends a Cancel service frame and stops the poll loop. Per spec
// §4.4, cancellation is advisory from the client's perspective: once
// sent, this dispatcher stops delivering further frames locally even if
// a few more arrive before the remote sender honors the cancel.
func (d *ClientDispatcher) Cancel() {
	if d.terminated.Swap(true) {
		return
	}
	d.servicePub.Offer(frame.Encode(frame.NewCancel(d.sessionID)))
	d.stopLoop()
}

// Close stops the poll loop without sending a Cancel frame, used when
// the Processor itself is being torn down rather than the subscription
// being cancelled by its owner.
func (d *ClientDispatcher) Close() {
	d.stopLoop()
}

func (d *ClientDispatcher) stopLoop() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

func (d *ClientDispatcher) run() {
	defer close(d.done)
	heartbeatTicker := time.NewTicker(d.heartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-heartbeatTicker.C:
			if d.checkHeartbeatTimeout() {
				return
			}
			d.sendHeartbeat()
		default:
		}

		nData := d.dataSub.Poll(d.handleDataFrame, d.pollBatchSize)
		nErr := d.errorSub.Poll(d.handleErrorFrame, d.pollBatchSize)
		nSvc := d.serviceSub.Poll(d.handleServiceFrame, d.pollBatchSize)

		if d.terminated.Load() {
			return
		}

		if nData+nErr+nSvc == 0 {
			time.Sleep(pollIdleSleep)
		}
	}
}

func (d *ClientDispatcher) handleDataFrame(payload []byte) {
	if d.terminated.Load() {
		return
	}
	f, err := frame.Decode(payload)
	if err != nil {
		d.logger.Log(log.LogLevelWarn, "discarding malformed data frame", nil)
		return
	}
	switch f.Tag() {
	case frame.TagNext:
		metrics.FramesDelivered.WithLabelValues(d.name).Inc()
		d.subscriber.OnNext(f.Payload())
	case frame.TagComplete:
		// Complete does not tear down the Processor (spec §4.6): only
		// this local subscription terminates.
		if !d.terminated.Swap(true) {
			d.subscriber.OnComplete()
		}
	}
}

func (d *ClientDispatcher) handleErrorFrame(payload []byte) {
	if d.terminated.Load() {
		return
	}
	f, err := frame.Decode(payload)
	if err != nil || f.Tag() != frame.TagError {
		return
	}
	if !d.terminated.Swap(true) {
		d.subscriber.OnError(rserr.ErrUpstream(f.Message()))
		if d.multicast && d.onFatalError != nil {
			d.onFatalError()
		}
	}
}

func (d *ClientDispatcher) handleServiceFrame(payload []byte) {
	f, err := frame.Decode(payload)
	if err != nil || f.Tag() != frame.TagHeartbeatReply {
		return
	}
	if f.SessionID() != d.sessionID {
		return
	}
	atomic.StoreInt64(&d.lastHeartbeatReplyNanos, time.Now().UnixNano())
}

func (d *ClientDispatcher) sendHeartbeat() {
	now := time.Now().UnixNano()
	atomic.StoreInt64(&d.lastHeartbeatSentNanos, now)
	d.servicePub.Offer(frame.Encode(frame.NewHeartbeatRequest(d.sessionID, uint64(now))))
}

// checkHeartbeatTimeout reports whether the sender has gone silent for
// longer than heartbeatTimeout, delivering onError(TransportTimeout) to
// the local subscriber exactly once before returning true.
func (d *ClientDispatcher) checkHeartbeatTimeout() bool {
	last := atomic.LoadInt64(&d.lastHeartbeatReplyNanos)
	if time.Duration(time.Now().UnixNano()-last) <= d.heartbeatTimeout {
		return false
	}
	metrics.HeartbeatMisses.WithLabelValues(d.name).Inc()
	if !d.terminated.Swap(true) {
		d.subscriber.OnError(rserr.ErrTransportTimeout)
	}
	return true
}
