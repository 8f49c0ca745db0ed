// Package sender implements the Signal Sender (spec §4.3): it writes
// encoded Next/Complete/Error frames to outbound publications with
// bounded, back-pressure-aware retry, and enforces the single-writer
// invariant on each publication.
//
// Grounded on muxado's session.writer() goroutine
// (internal/muxado/session.go), which drains one writeFrames channel so
// exactly one goroutine ever calls framer.WriteFrame, and on
// tunnel/client/reconnecting.go's jpillora/backoff usage for bounded
// retry against a condition that may or may not resolve in time. The
// same writer() shape backs the Sender's share construction mode below:
// a bounded channel plus one dedicated drain goroutine is exactly how
// muxado serializes concurrent Write callers onto one connection.
package sender

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bhdrk/reactor-ipc/internal/frame"
	"github.com/bhdrk/reactor-ipc/internal/metrics"
	"github.com/bhdrk/reactor-ipc/internal/rserr"
	"github.com/bhdrk/reactor-ipc/internal/session"
	"github.com/bhdrk/reactor-ipc/internal/transport"
	"github.com/bhdrk/reactor-ipc/log"
)

// Sender writes this processor's outbound Next/Complete frames to the
// data publication and Error frames to the separate error publication
// (spec §4.3: "Error frames go on errorStreamId, not the main
// streamId, so that a broadcast error reaches even a peer that has
// stopped reading the data stream").
type Sender struct {
	name     string
	data     transport.Publication
	errs     transport.Publication
	registry *session.Registry

	retryInterval time.Duration
	lingerTimeout time.Duration

	logger log.Logger

	// shared gates the share construction mode (spec §4.3, §4.7): when
	// true, OnNext/OnComplete/OnError enqueue onto ring instead of
	// calling the offer path directly, and a single drain goroutine
	// performs the actual writes, so concurrent upstream producers never
	// violate the Reactive-Streams non-overlapping-signal contract.
	shared    bool
	ring      chan shareSignal
	drained   chan struct{}
	closeOnce sync.Once
}

type shareKind int

const (
	shareNext shareKind = iota
	shareComplete
	shareError
)

type shareSignal struct {
	kind    shareKind
	payload []byte
	message string
	result  chan error
}

func New(name string, data, errs transport.Publication, registry *session.Registry, retryInterval, lingerTimeout time.Duration, logger log.Logger, shared bool, ringBufferSize int) *Sender {
	if logger == nil {
		logger = log.Discard
	}
	s := &Sender{
		name:          name,
		data:          data,
		errs:          errs,
		registry:      registry,
		retryInterval: retryInterval,
		lingerTimeout: lingerTimeout,
		logger:        logger,
		shared:        shared,
	}
	if shared {
		s.ring = make(chan shareSignal, ringBufferSize)
		s.drained = make(chan struct{})
		go s.drain()
	}
	return s
}

// drain is the share mode's single writer goroutine: it is the only
// caller of onNext/onComplete/onError when shared is true, so those
// three never run concurrently with each other no matter how many
// goroutines call OnNext/OnComplete/OnError.
func (s *Sender) drain() {
	defer close(s.drained)
	for sig := range s.ring {
		var err error
		switch sig.kind {
		case shareNext:
			err = s.onNext(sig.payload)
		case shareComplete:
			err = s.onComplete()
		case shareError:
			err = s.onError(sig.message)
		}
		sig.result <- err
	}
}

func (s *Sender) enqueue(sig shareSignal) error {
	sig.result = make(chan error, 1)
	s.ring <- sig
	return <-sig.result
}

// Close stops the share mode drain goroutine and waits for it to drain
// whatever was already queued. It is a no-op when shared is false,
// since then there is no background goroutine to stop.
func (s *Sender) Close() {
	if !s.shared {
		return
	}
	s.closeOnce.Do(func() { close(s.ring) })
	<-s.drained
}

// OnNext encodes and offers a Next frame. Broadcast Next/Complete
// frames always carry sessionId 0 (spec §4.1): in multicast mode every
// live session receives the identical payload, so there is nothing to
// address per-session at the frame level — routing is left entirely to
// the transport's fan-out (internal/transport.Memory's bus, or the
// embedded driver's hub).
func (s *Sender) OnNext(payload []byte) error {
	if s.shared {
		return s.enqueue(shareSignal{kind: shareNext, payload: payload})
	}
	return s.onNext(payload)
}

func (s *Sender) onNext(payload []byte) error {
	return s.offer(s.data, frame.NewNext(0, payload), "next")
}

// OnComplete drains (by virtue of being called after every preceding
// OnNext in FIFO order by the caller, spec §4.3's terminal sequencing
// requirement) then writes the Complete frame and closes the data
// publication once the linger window elapses.
func (s *Sender) OnComplete() error {
	if s.shared {
		return s.enqueue(shareSignal{kind: shareComplete})
	}
	return s.onComplete()
}

func (s *Sender) onComplete() error {
	err := s.offer(s.data, frame.NewComplete(0), "complete")
	s.lingerClose(s.data)
	return err
}

// OnError writes an Error frame to the dedicated error stream and
// closes both publications after the linger window.
func (s *Sender) OnError(message string) error {
	if s.shared {
		return s.enqueue(shareSignal{kind: shareError, message: message})
	}
	return s.onError(message)
}

func (s *Sender) onError(message string) error {
	err := s.offer(s.errs, frame.NewError(0, message), "error")
	s.lingerClose(s.errs)
	s.lingerClose(s.data)
	return err
}

func (s *Sender) lingerClose(pub transport.Publication) {
	if s.lingerTimeout > 0 {
		time.Sleep(s.lingerTimeout)
	}
	_ = pub.Close()
}

// offer retries a single Offer call per spec §4.3:
//   - OfferOK: done.
//   - OfferBackPressured / OfferAdminAction: sleep retryInterval and
//     retry, bounded by lingerTimeout.
//   - OfferNotConnected: retry forever until the Session Registry
//     reports no live sessions, then drop and return ErrNoSubscribers.
//   - OfferClosed: fail with ErrPublicationClosed.
//   - OfferMaxPositionExceeded: fail fatally.
func (s *Sender) offer(pub transport.Publication, f frame.Frame, reason string) error {
	payload := frame.Encode(f)
	deadline := time.Now().Add(s.lingerTimeout)
	boff := &backoff.Backoff{Min: s.retryInterval, Max: s.retryInterval, Factor: 1}

	for {
		switch pub.Offer(payload) {
		case transport.OfferOK:
			return nil

		case transport.OfferBackPressured, transport.OfferAdminAction:
			metrics.SenderRetries.WithLabelValues(s.name, reason).Inc()
			if time.Now().After(deadline) {
				return rserr.New(rserr.PublicationBackpressured, errPublicationRetryExhausted)
			}
			time.Sleep(boff.Duration())

		case transport.OfferNotConnected:
			metrics.SenderRetries.WithLabelValues(s.name, reason).Inc()
			if s.registry.Empty() {
				return rserr.ErrNoSubscribers
			}
			time.Sleep(boff.Duration())

		case transport.OfferClosed:
			return rserr.ErrPublicationClosed

		case transport.OfferMaxPositionExceeded:
			return rserr.New(rserr.PublicationClosed, errMaxPositionExceeded)
		}
	}
}

var (
	errPublicationRetryExhausted = publicationRetryExhaustedErr{}
	errMaxPositionExceeded       = maxPositionExceededErr{}
)

type publicationRetryExhaustedErr struct{}

func (publicationRetryExhaustedErr) Error() string {
	return "publication retry exhausted linger timeout"
}

type maxPositionExceededErr struct{}

func (maxPositionExceededErr) Error() string { return "publication max position exceeded" }
