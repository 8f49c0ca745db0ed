// Package reactor is the public Processor Facade (spec §4.7): a single
// object that is simultaneously a Reactive Streams Subscriber of a
// local upstream Publisher — broadcasting whatever it receives out over
// a transport channel as a sender — and a Reactive Streams Publisher
// that local Subscribers can subscribe to, receiving whatever a remote
// sender broadcasts on another channel as a client.
//
// The two halves are independent delegates, each starting out Unbound
// and transitioning to Bound exactly once (spec's supplemented
// bound/unbound state machine, since the Reactive Streams contract
// already forbids onSubscribe/subscribe from being re-entered once
// bound). Grounded on muxado's shutdown gate
// (internal/tunnel/client/shutdown.go's Do/Shut) for the Processor's
// own idempotent Close, generalized from "one resource" to "two
// independent delegates plus a shared driver handle".
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhdrk/reactor-ipc/internal/demand"
	"github.com/bhdrk/reactor-ipc/internal/dispatcher"
	"github.com/bhdrk/reactor-ipc/internal/rserr"
	"github.com/bhdrk/reactor-ipc/internal/sender"
	"github.com/bhdrk/reactor-ipc/internal/session"
	"github.com/bhdrk/reactor-ipc/internal/transport"
	"github.com/bhdrk/reactor-ipc/log"
)

var sessionIDCounter = uint64(time.Now().UnixNano())

func nextSessionID() uint64 {
	return atomic.AddUint64(&sessionIDCounter, 1)
}

// Processor is the type returned by New. It implements both Subscriber
// and Publisher.
type Processor struct {
	ctx     *Context
	manager *transport.Manager
	logger  log.Logger

	shutdown sync.Once
	closed   atomic.Bool

	// alive is the spec §7 single-shot true→false transition: it starts
	// true in New and is flipped exactly once, by Close(): directly, after
	// an Error this Processor raised (on any channel), or after an Error
	// it received on a shared multicast channel (spec §4.6, §8 scenario 3). Unlike closed, it is never
	// read back to gate idempotency — Alive() is a pure observation.
	alive atomic.Bool

	// acquireCount tracks how many times acquireTransport succeeded, so
	// Close releases the Driver Manager exactly that many times. A
	// Processor that binds both halves (OnSubscribe and Subscribe)
	// acquires once per half, since each half independently owns its
	// publications/subscriptions and may be torn down on its own
	// schedule in principle.
	acquireCount int

	serverBound atomic.Bool
	server      *dispatcher.ServerDispatcher
	signalOut   *sender.Sender
	registry    *session.Registry

	clientBound atomic.Bool
	client      *dispatcher.ClientDispatcher
}

// New builds a Processor from ctx. If ctx.LaunchEmbeddedDriver is set
// and ctx.DriverManager is nil, the process-wide embedded driver
// (transport.Default()) is used; otherwise ctx.DriverManager must be
// supplied. This is a separate axis from ctx.MultiPublishers (spec
// §4.3, §4.7's "share" construction mode for concurrent upstream
// producers): several Processors may share one already-acquired Driver
// Manager regardless of whether any one of them is itself in share
// mode.
func New(ctx *Context) *Processor {
	mgr := ctx.DriverManager
	if mgr == nil && ctx.LaunchEmbeddedDriver {
		mgr = transport.Default()
	}
	p := &Processor{
		ctx:     ctx,
		manager: mgr,
		logger:  ctx.Logger,
	}
	p.alive.Store(true)
	return p
}

// Alive reports whether this Processor has neither been closed locally
// nor torn itself down after raising a terminal Error (on any channel)
// or receiving one on a shared multicast channel (spec §7, §8 scenario 3).
func (p *Processor) Alive() bool {
	return p.alive.Load()
}

// OnSubscribe binds the server (sending) half to an upstream Publisher,
// per the Reactive Streams contract: it must be called at most once. A
// second call is a protocol violation and the offending Subscription is
// cancelled immediately rather than disturbing the already-bound one.
func (p *Processor) OnSubscribe(s Subscription) {
	if !p.serverBound.CompareAndSwap(false, true) {
		s.Cancel()
		return
	}

	tr, err := p.acquireTransport()
	if err != nil {
		p.logger.Log(log.LogLevelError, "server bind failed to acquire transport", map[string]any{"error": err.Error()})
		s.Cancel()
		return
	}

	dataPub, err1 := tr.Publication(p.ctx.SenderChannel, p.ctx.StreamID)
	errPub, err2 := tr.Publication(p.ctx.SenderChannel, p.ctx.ErrorStreamID)
	serviceSub, err3 := tr.Subscription(p.ctx.SenderChannel, p.ctx.ServiceRequestStreamID)
	servicePub, err4 := tr.Publication(p.ctx.SenderChannel, p.ctx.ServiceRequestStreamID)
	if err := firstErr(err1, err2, err3, err4); err != nil {
		p.logger.Log(log.LogLevelError, "server bind failed to open streams", map[string]any{"error": err.Error()})
		s.Cancel()
		return
	}

	mode := demand.Unicast
	if p.ctx.Multicast {
		mode = demand.Multicast
	}

	p.registry = session.NewRegistry()
	aggregator := demand.NewAggregator(mode)
	p.signalOut = sender.New(p.ctx.Name, dataPub, errPub, p.registry, p.ctx.PublicationRetryInterval, p.ctx.LingerTimeout, p.logger, p.ctx.MultiPublishers, p.ctx.RingBufferSize)
	p.server = dispatcher.NewServerDispatcher(p.ctx.Name, p.registry, aggregator, serviceSub, servicePub, s, p.ctx.HeartbeatTimeout, p.ctx.AutoCancel, p.ctx.RingBufferSize, p.logger)
	p.server.Start()
}

// OnNext broadcasts payload on the data stream via the Signal Sender.
// The frame carries no session address, so every subscriber of the
// channel receives it whatever that session's own demand; per-session
// demand only limits how much is requested from upstream. Concurrent callers are safe exactly when
// ctx.MultiPublishers selected the Signal Sender's share mode; without
// it, the caller is responsible for the usual Reactive-Streams
// non-concurrent-signal guarantee.
func (p *Processor) OnNext(payload []byte) {
	if p.signalOut == nil {
		return
	}
	if err := p.signalOut.OnNext(payload); err != nil {
		p.logger.Log(log.LogLevelWarn, "onNext offer failed", map[string]any{"error": err.Error()})
		return
	}
	p.server.OnDelivered()
}

// OnComplete writes a terminal Complete frame. Per spec §4.6, Complete
// does not shut the Processor down by itself: new local subscribers may
// still Subscribe() afterward and a future OnSubscribe could rebind a
// fresh upstream in principle, though the bound/unbound state machine
// above only allows that once per Processor instance.
func (p *Processor) OnComplete() {
	if p.signalOut == nil {
		return
	}
	if err := p.signalOut.OnComplete(); err != nil {
		p.logger.Log(log.LogLevelWarn, "onComplete offer failed", map[string]any{"error": err.Error()})
	}
}

// OnError writes a terminal Error frame to every session sharing this
// broadcast channel, including sessions that have stopped reading the
// data stream (spec §4.3's rationale for a dedicated error stream), and
// tears this Processor itself down: raising a broadcast Error is
// inherently terminal for the emitting half (spec §7's single-shot
// alive transition).
func (p *Processor) OnError(err error) {
	if p.signalOut == nil {
		return
	}
	if werr := p.signalOut.OnError(err.Error()); werr != nil {
		p.logger.Log(log.LogLevelWarn, "onError offer failed", map[string]any{"error": werr.Error()})
	}
	p.Close()
}

// Subscribe binds the client (receiving) half to a local downstream
// Subscriber. Only one local Subscriber is supported per Processor
// instance; additional calls receive an immediate
// onError(ProtocolViolation) after their onSubscribe, since fanning one
// network session out to several local subscribers would require a
// second layer of demand aggregation the spec does not define (the
// sender side's Session Registry already is that layer, one level up).
func (p *Processor) Subscribe(sub Subscriber) {
	if !p.clientBound.CompareAndSwap(false, true) {
		sub.OnSubscribe(noopSubscription{})
		sub.OnError(rserr.ErrProtocolViolation("processor already has a subscriber"))
		return
	}

	tr, err := p.acquireTransport()
	if err != nil {
		sub.OnSubscribe(noopSubscription{})
		sub.OnError(err)
		return
	}

	dataSub, err1 := tr.Subscription(p.ctx.ReceiverChannel, p.ctx.StreamID)
	errSub, err2 := tr.Subscription(p.ctx.ReceiverChannel, p.ctx.ErrorStreamID)
	servicePub, err3 := tr.Publication(p.ctx.ReceiverChannel, p.ctx.ServiceRequestStreamID)
	serviceSub, err4 := tr.Subscription(p.ctx.ReceiverChannel, p.ctx.ServiceRequestStreamID)
	if err := firstErr(err1, err2, err3, err4); err != nil {
		sub.OnSubscribe(noopSubscription{})
		sub.OnError(err)
		return
	}

	id := nextSessionID()
	// onFatalError must not call p.Close() synchronously: handleErrorFrame
	// runs inside the ClientDispatcher's own run() goroutine, and
	// Close() joins that same goroutine via stopLoop()'s <-d.done, which
	// would deadlock waiting on itself.
	onFatalError := func() { go p.Close() }
	p.client = dispatcher.NewClientDispatcher(p.ctx.Name, id, dataSub, errSub, servicePub, serviceSub, sub, p.ctx.HeartbeatInterval, p.ctx.HeartbeatTimeout, p.ctx.Multicast, onFatalError, p.ctx.RingBufferSize, p.logger)
	sub.OnSubscribe(p.client)
	p.client.Start()
}

// Close idempotently tears down both delegates and releases the
// acquired Transport back to the Driver Manager.
func (p *Processor) Close() error {
	p.shutdown.Do(func() {
		p.closed.Store(true)
		p.alive.CompareAndSwap(true, false)
		if p.signalOut != nil {
			p.signalOut.Close()
		}
		if p.server != nil {
			p.server.Close()
		}
		if p.client != nil {
			p.client.Close()
		}
		for i := 0; i < p.acquireCount; i++ {
			p.manager.Release()
		}
	})
	return nil
}

func (p *Processor) acquireTransport() (transport.Transport, error) {
	if p.manager == nil {
		return nil, rserr.ErrNotConnected
	}
	tr, err := p.manager.Acquire()
	if err != nil {
		return nil, err
	}
	p.acquireCount++
	return tr, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// noopSubscription is handed to a rejected Subscriber so it still
// receives a well-formed onSubscribe before the terminal onError, per
// the Reactive Streams contract.
type noopSubscription struct{}

func (noopSubscription) Request(uint64) {}
func (noopSubscription) Cancel()        {}
