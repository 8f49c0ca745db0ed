package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bhdrk/reactor-ipc/internal/demand"
	"github.com/bhdrk/reactor-ipc/internal/frame"
	"github.com/bhdrk/reactor-ipc/internal/session"
	"github.com/bhdrk/reactor-ipc/internal/transport"
)

type fakeUpstream struct {
	mu        sync.Mutex
	requested []uint64
}

func (f *fakeUpstream) Request(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, n)
}
func (f *fakeUpstream) Cancel() {}

func (f *fakeUpstream) total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum uint64
	for _, n := range f.requested {
		sum += n
	}
	return sum
}

type fakeSubscriber struct {
	mu        sync.Mutex
	next      [][]byte
	completed bool
	err       error
}

func (f *fakeSubscriber) OnNext(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.next = append(f.next, cp)
}
func (f *fakeSubscriber) OnComplete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
}
func (f *fakeSubscriber) OnError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSubscriber) snapshot() (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.next), f.completed, f.err
}

func TestServerDispatcherJoinAndRequest(t *testing.T) {
	mem := transport.NewMemory(16)
	serviceSub, err := mem.Subscription("c", 3)
	require.NoError(t, err)
	servicePub, err := mem.Publication("c", 3)
	require.NoError(t, err)

	reg := session.NewRegistry()
	agg := demand.NewAggregator(demand.Unicast)
	up := &fakeUpstream{}

	d := NewServerDispatcher("srv", reg, agg, serviceSub, servicePub, up, 50*time.Millisecond, false, 0, nil)
	d.Start()
	defer d.Close()

	servicePub.Offer(frame.Encode(frame.NewJoin(42)))
	servicePub.Offer(frame.Encode(frame.NewMore(42, 5)))

	require.Eventually(t, func() bool { return up.total() == 5 }, time.Second, time.Millisecond)
}

func TestClientDispatcherDeliversNextAndComplete(t *testing.T) {
	mem := transport.NewMemory(16)
	dataPub, err := mem.Publication("c", 1)
	require.NoError(t, err)
	dataSub, err := mem.Subscription("c", 1)
	require.NoError(t, err)
	errPub, err := mem.Publication("c", 2)
	require.NoError(t, err)
	errSub, err := mem.Subscription("c", 2)
	require.NoError(t, err)
	svcPub, err := mem.Publication("c", 3)
	require.NoError(t, err)
	svcSub, err := mem.Subscription("c", 3)
	require.NoError(t, err)
	_ = errPub

	sub := &fakeSubscriber{}
	d := NewClientDispatcher("cli", 7, dataSub, errSub, svcPub, svcSub, sub, 20*time.Millisecond, time.Second, false, nil, 0, nil)
	d.Start()
	defer d.Close()

	dataPub.Offer(frame.Encode(frame.NewNext(0, []byte("a"))))
	dataPub.Offer(frame.Encode(frame.NewComplete(0)))

	require.Eventually(t, func() bool {
		n, done, _ := sub.snapshot()
		return n == 1 && done
	}, time.Second, time.Millisecond)
}

func TestClientDispatcherHeartbeatTimeoutSignalsError(t *testing.T) {
	mem := transport.NewMemory(16)
	dataSub, _ := mem.Subscription("c", 1)
	errSub, _ := mem.Subscription("c", 2)
	svcPub, _ := mem.Publication("c", 3)
	svcSub, _ := mem.Subscription("c", 3)

	sub := &fakeSubscriber{}
	d := NewClientDispatcher("cli", 9, dataSub, errSub, svcPub, svcSub, sub, 5*time.Millisecond, 10*time.Millisecond, false, nil, 0, nil)
	d.Start()
	defer d.Close()

	require.Eventually(t, func() bool {
		_, _, err := sub.snapshot()
		return err != nil
	}, time.Second, time.Millisecond)
}
