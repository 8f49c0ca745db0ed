package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryUnicast(t *testing.T) {
	m := NewMemory(8)
	pub, err := m.Publication("ipc", 1)
	require.NoError(t, err)
	sub, err := m.Subscription("ipc", 1)
	require.NoError(t, err)

	require.Equal(t, OfferOK, pub.Offer([]byte("hello")))

	var got []byte
	n := sub.Poll(func(p []byte) { got = p }, 10)
	require.Equal(t, 1, n)
	require.Equal(t, "hello", string(got))
}

func TestMemoryNotConnectedThenBackpressure(t *testing.T) {
	m := NewMemory(2)
	pub, _ := m.Publication("ipc", 1)
	require.Equal(t, OfferNotConnected, pub.Offer([]byte("x")))

	sub, _ := m.Subscription("ipc", 1)
	require.Equal(t, OfferOK, pub.Offer([]byte("a")))
	require.Equal(t, OfferOK, pub.Offer([]byte("b")))
	require.Equal(t, OfferBackPressured, pub.Offer([]byte("c")))

	n := sub.Poll(func([]byte) {}, 1)
	require.Equal(t, 1, n)
	require.Equal(t, OfferOK, pub.Offer([]byte("c")))
}

func TestMemoryMulticastSlowestGates(t *testing.T) {
	m := NewMemory(1)
	pub, _ := m.Publication("ipc", 1)
	fast, _ := m.Subscription("ipc", 1)
	slow, _ := m.Subscription("ipc", 1)

	require.Equal(t, OfferOK, pub.Offer([]byte("1")))
	// slow hasn't drained; fast can't get ahead because offer is
	// publisher-scoped, matching Aeron's single shared log buffer.
	require.Equal(t, OfferBackPressured, pub.Offer([]byte("2")))

	slow.Poll(func([]byte) {}, 1)
	fast.Poll(func([]byte) {}, 1)
	require.Equal(t, OfferOK, pub.Offer([]byte("2")))
}

func TestMemoryCountersTrackLiveSubscribers(t *testing.T) {
	m := NewMemory(4)
	_, _ = m.Publication("ipc", 5)
	sub, _ := m.Subscription("ipc", 5)

	labels := map[string]int{}
	m.Counters().ForEach(func(_ uint32, label string) { labels[label]++ })
	require.Equal(t, 1, labels["sender pos: channel=ipc stream=5"])
	require.Equal(t, 1, labels["subscriber pos: channel=ipc stream=5"])

	sub.Close()
	labels = map[string]int{}
	m.Counters().ForEach(func(_ uint32, label string) { labels[label]++ })
	require.Equal(t, 0, labels["subscriber pos: channel=ipc stream=5"])
}
