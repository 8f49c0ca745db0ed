package sender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bhdrk/reactor-ipc/internal/frame"
	"github.com/bhdrk/reactor-ipc/internal/rserr"
	"github.com/bhdrk/reactor-ipc/internal/session"
	"github.com/bhdrk/reactor-ipc/internal/transport"
)

func newTestSender(t *testing.T, registry *session.Registry) (*Sender, *transport.Memory) {
	t.Helper()
	mem := transport.NewMemory(16)
	data, err := mem.Publication("test", 1)
	require.NoError(t, err)
	errs, err := mem.Publication("test", 2)
	require.NoError(t, err)
	return New("test", data, errs, registry, time.Millisecond, 20*time.Millisecond, nil, false, 0), mem
}

func TestOnNextDeliversWhenSubscribed(t *testing.T) {
	reg := session.NewRegistry()
	reg.OnJoin(7, 0)
	s, mem := newTestSender(t, reg)

	sub, err := mem.Subscription("test", 1)
	require.NoError(t, err)

	require.NoError(t, s.OnNext([]byte("hello")))

	var got frame.Frame
	n := sub.Poll(func(b []byte) {
		f, derr := frame.Decode(b)
		require.NoError(t, derr)
		got = f
	}, 1)
	require.Equal(t, 1, n)
	require.Equal(t, frame.TagNext, got.Tag())
	require.Equal(t, []byte("hello"), got.Payload())
}

func TestOnNextNoSubscribersReturnsErrNoSubscribers(t *testing.T) {
	reg := session.NewRegistry()
	s, _ := newTestSender(t, reg)

	err := s.OnNext([]byte("x"))
	require.ErrorIs(t, err, rserr.ErrNoSubscribers)
}

// TestShareModeSerializesConcurrentProducers exercises the share
// construction mode (spec §4.3, §4.7): several goroutines call OnNext
// concurrently and every payload must still arrive, in some total
// order, on the data stream — never interleaved or dropped.
func TestShareModeSerializesConcurrentProducers(t *testing.T) {
	reg := session.NewRegistry()
	reg.OnJoin(7, 0)

	mem := transport.NewMemory(64)
	data, err := mem.Publication("share", 1)
	require.NoError(t, err)
	errs, err := mem.Publication("share", 2)
	require.NoError(t, err)
	sub, err := mem.Subscription("share", 1)
	require.NoError(t, err)

	s := New("share", data, errs, reg, time.Millisecond, 20*time.Millisecond, nil, true, 8)
	defer s.Close()

	const producers = 4
	done := make(chan error, producers)
	for i := 0; i < producers; i++ {
		go func() {
			done <- s.OnNext([]byte("x"))
		}()
	}
	for i := 0; i < producers; i++ {
		require.NoError(t, <-done)
	}

	var delivered int
	require.Eventually(t, func() bool {
		delivered += sub.Poll(func([]byte) {}, producers)
		return delivered == producers
	}, time.Second, time.Millisecond)
}
