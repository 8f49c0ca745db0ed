package reactor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/bhdrk/reactor-ipc/internal/metrics"
	"github.com/bhdrk/reactor-ipc/internal/transport"
)

// recordingSubscriber is a minimal local Subscriber used across the
// end-to-end scenarios below.
type recordingSubscriber struct {
	mu        sync.Mutex
	sub       Subscription
	next      [][]byte
	completed bool
	err       error
}

func (r *recordingSubscriber) OnSubscribe(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub = s
}
func (r *recordingSubscriber) OnNext(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	r.next = append(r.next, cp)
}
func (r *recordingSubscriber) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = true
}
func (r *recordingSubscriber) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}
func (r *recordingSubscriber) state() (int, bool, error, Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.next), r.completed, r.err, r.sub
}

// fakeUpstream is a minimal local upstream Publisher's Subscription,
// standing in for a Flux/Observable's internal demand channel.
type fakeUpstream struct {
	mu        sync.Mutex
	requested uint64
	cancelled bool
}

func (f *fakeUpstream) Request(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n == Unbounded {
		f.requested = Unbounded
		return
	}
	if f.requested != Unbounded {
		f.requested += n
	}
}
func (f *fakeUpstream) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}
func (f *fakeUpstream) outstanding() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested
}

func newMemoryManager(t *testing.T) *transport.Manager {
	t.Helper()
	return transport.NewManager(func() (transport.Transport, error) {
		return transport.NewMemory(64), nil
	}, nil, time.Millisecond, time.Second)
}

// mustContext builds a Context and fails the test immediately on a
// ConfigError, so call sites that aren't exercising validation itself
// stay one line.
func mustContext(t *testing.T, name string, opts ...Option) *Context {
	t.Helper()
	ctx, err := NewContext(name, opts...)
	require.NoError(t, err)
	return ctx
}

func TestUnicastNextSignalsFlow(t *testing.T) {
	mgr := newMemoryManager(t)

	serverCtx := mustContext(t, "u1", WithDriverManager(mgr), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
	server := New(serverCtx)
	defer server.Close()
	up := &fakeUpstream{}
	server.OnSubscribe(up)

	clientCtx := mustContext(t, "u1", WithDriverManager(mgr), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
	client := New(clientCtx)
	defer client.Close()
	sub := &recordingSubscriber{}
	client.Subscribe(sub)

	require.Eventually(t, func() bool {
		_, _, _, s := sub.state()
		return s != nil
	}, time.Second, time.Millisecond)
	_, _, _, clientSub := sub.state()
	clientSub.Request(3)

	require.Eventually(t, func() bool { return up.outstanding() >= 3 }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		server.OnNext([]byte(fmt.Sprintf("item-%d", i)))
	}

	require.Eventually(t, func() bool {
		n, _, _, _ := sub.state()
		return n == 3
	}, time.Second, time.Millisecond)
}

func TestErrorBroadcastsToAllSessionsOnSharedChannel(t *testing.T) {
	mgr := newMemoryManager(t)

	serverCtx := mustContext(t, "err1", WithDriverManager(mgr), WithMulticast(true), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
	server := New(serverCtx)
	defer server.Close()
	up := &fakeUpstream{}
	server.OnSubscribe(up)

	var subs []*recordingSubscriber
	var clients []*Processor
	for i := 0; i < 2; i++ {
		ctx := mustContext(t, "err1", WithDriverManager(mgr), WithMulticast(true), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
		c := New(ctx)
		clients = append(clients, c)
		s := &recordingSubscriber{}
		subs = append(subs, s)
		c.Subscribe(s)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for _, s := range subs {
		require.Eventually(t, func() bool {
			_, _, _, sub := s.state()
			return sub != nil
		}, time.Second, time.Millisecond)
	}

	require.True(t, server.Alive())
	for _, c := range clients {
		require.True(t, c.Alive())
	}

	server.OnError(fmt.Errorf("upstream blew up"))

	for _, s := range subs {
		require.Eventually(t, func() bool {
			_, _, err, _ := s.state()
			return err != nil
		}, time.Second, time.Millisecond)
	}

	// Scenario 3 (spec §8): both the emitting server Processor and every
	// multicast client Processor's alive() become false within 5s of the
	// broadcast Error.
	require.Eventually(t, func() bool { return !server.Alive() }, 5*time.Second, time.Millisecond)
	for _, c := range clients {
		require.Eventually(t, func() bool { return !c.Alive() }, 5*time.Second, time.Millisecond)
	}
}

func TestCompleteDoesNotTearDownProcessor(t *testing.T) {
	mgr := newMemoryManager(t)
	serverCtx := mustContext(t, "cmp1", WithDriverManager(mgr), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
	server := New(serverCtx)
	defer server.Close()
	up := &fakeUpstream{}
	server.OnSubscribe(up)

	clientCtx := mustContext(t, "cmp1", WithDriverManager(mgr), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
	client := New(clientCtx)
	defer client.Close()
	sub := &recordingSubscriber{}
	client.Subscribe(sub)

	require.Eventually(t, func() bool {
		_, _, _, s := sub.state()
		return s != nil
	}, time.Second, time.Millisecond)

	server.OnComplete()

	require.Eventually(t, func() bool {
		_, completed, _, _ := sub.state()
		return completed
	}, time.Second, time.Millisecond)

	require.False(t, server.closed.Load())
}

func TestDriverManagerRefCountAcrossThreeProcessors(t *testing.T) {
	mgr := newMemoryManager(t)

	var procs []*Processor
	for i := 0; i < 3; i++ {
		ctx := mustContext(t, "rc1", WithDriverManager(mgr))
		p := New(ctx)
		up := &fakeUpstream{}
		p.OnSubscribe(up)
		procs = append(procs, p)
	}

	require.Equal(t, 3, mgr.RefCount())

	procs[0].Close()
	procs[1].Close()
	require.Equal(t, 1, mgr.RefCount())

	procs[2].Close()
	require.Eventually(t, func() bool { return mgr.State() == transport.NotStarted }, time.Second, time.Millisecond)
}

func TestMulticastStagedDemandUsesMinimumAcrossSessions(t *testing.T) {
	mgr := newMemoryManager(t)

	serverCtx := mustContext(t, "mc1", WithDriverManager(mgr), WithMulticast(true), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
	server := New(serverCtx)
	defer server.Close()
	up := &fakeUpstream{}
	server.OnSubscribe(up)

	var subs []*recordingSubscriber
	var clients []*Processor
	for i := 0; i < 2; i++ {
		ctx := mustContext(t, "mc1", WithDriverManager(mgr), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
		c := New(ctx)
		clients = append(clients, c)
		s := &recordingSubscriber{}
		subs = append(subs, s)
		c.Subscribe(s)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for _, s := range subs {
		require.Eventually(t, func() bool {
			_, _, _, sub := s.state()
			return sub != nil
		}, time.Second, time.Millisecond)
	}
	_, _, _, subA := subs[0].state()
	_, _, _, subB := subs[1].state()

	// A alone requesting 10 doesn't move the effective demand: B has
	// joined but not yet requested anything, so the multicast minimum
	// across live sessions (spec §4.5) stays at B's zero.
	subA.Request(10)
	require.Never(t, func() bool { return up.outstanding() != 0 }, 30*time.Millisecond, time.Millisecond)

	subB.Request(3)
	require.Eventually(t, func() bool { return up.outstanding() == 3 }, time.Second, time.Millisecond)

	// Raising the already-ahead session's demand further doesn't move
	// the minimum either, since B is still the limiting session.
	subA.Request(5)
	require.Never(t, func() bool { return up.outstanding() != 3 }, 30*time.Millisecond, time.Millisecond)

	subB.Request(7)
	require.Eventually(t, func() bool { return up.outstanding() == 10 }, time.Second, time.Millisecond)
}

// blockingSubscriber lets a test stall the Client Dispatcher's poll
// loop mid-delivery by parking inside OnNext, so the memory transport's
// fixed-size ring fills and the Signal Sender observes back-pressure.
type blockingSubscriber struct {
	release chan struct{}

	mu  sync.Mutex
	sub Subscription
	n   int
}

func (b *blockingSubscriber) OnSubscribe(s Subscription) {
	b.mu.Lock()
	b.sub = s
	b.mu.Unlock()
}
func (b *blockingSubscriber) OnNext([]byte) {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	<-b.release
}
func (b *blockingSubscriber) OnComplete() {}
func (b *blockingSubscriber) OnError(error) {}
func (b *blockingSubscriber) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil
}

func TestBackPressureRetryCounterIncreasesMonotonically(t *testing.T) {
	memCtx := mustContext(t, "bp1mem", WithRingBufferSize(1))
	mgr := NewMemoryDriverManager(memCtx)

	serverCtx := mustContext(t, "bp1", WithDriverManager(mgr), WithPublicationRetryInterval(time.Millisecond), WithLingerTimeout(30*time.Millisecond))
	server := New(serverCtx)
	defer server.Close()
	up := &fakeUpstream{}
	server.OnSubscribe(up)

	clientCtx := mustContext(t, "bp1", WithDriverManager(mgr), WithHeartbeat(50*time.Millisecond, 500*time.Millisecond))
	client := New(clientCtx)
	defer client.Close()
	sub := &blockingSubscriber{release: make(chan struct{})}
	client.Subscribe(sub)

	require.Eventually(t, func() bool { return sub.subscribed() }, time.Second, time.Millisecond)

	retries := func() float64 {
		return testutil.ToFloat64(metrics.SenderRetries.WithLabelValues("bp1", "next"))
	}
	before := retries()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			server.OnNext([]byte("x"))
		}
	}()

	require.Eventually(t, func() bool { return retries() > before }, time.Second, time.Millisecond)
	mid := retries()
	require.Eventually(t, func() bool { return retries() > mid }, time.Second, time.Millisecond)

	close(sub.release)
	<-done
	require.GreaterOrEqual(t, retries(), mid)
}

func TestSecondSubscribeIsRejected(t *testing.T) {
	mgr := newMemoryManager(t)
	ctx := mustContext(t, "dup1", WithDriverManager(mgr))
	p := New(ctx)
	defer p.Close()

	first := &recordingSubscriber{}
	p.Subscribe(first)

	second := &recordingSubscriber{}
	p.Subscribe(second)

	_, _, err, sub := second.state()
	require.Error(t, err)
	require.NotNil(t, sub)
}
