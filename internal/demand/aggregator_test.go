package demand

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bhdrk/reactor-ipc/internal/session"
)

func TestUnicastNextRequest(t *testing.T) {
	a := NewAggregator(Unicast)
	snap := []session.Session{{ID: 1, Demand: 3}}
	n, unbounded := a.NextRequest(snap)
	require.False(t, unbounded)
	require.Equal(t, uint64(3), n)

	// no change -> nothing new to request
	n, unbounded = a.NextRequest(snap)
	require.False(t, unbounded)
	require.Equal(t, uint64(0), n)

	snap = []session.Session{{ID: 1, Demand: 5}}
	n, _ = a.NextRequest(snap)
	require.Equal(t, uint64(2), n)
}

func TestMulticastMinimumGatesZeroDemand(t *testing.T) {
	snap := []session.Session{{ID: 1, Demand: 2}, {ID: 2, Demand: 0}}
	require.Equal(t, uint64(0), Effective(Multicast, snap))

	snap = []session.Session{{ID: 1, Demand: 2}, {ID: 2, Demand: 5}}
	require.Equal(t, uint64(2), Effective(Multicast, snap))
}

func TestMulticastIgnoresCancelled(t *testing.T) {
	snap := []session.Session{{ID: 1, Demand: 1, Cancelled: true}, {ID: 2, Demand: 4}}
	require.Equal(t, uint64(4), Effective(Multicast, snap))
}

func TestUnboundedForwardedOnce(t *testing.T) {
	a := NewAggregator(Unicast)
	snap := []session.Session{{ID: 1, Demand: session.Unbounded}}
	n, unbounded := a.NextRequest(snap)
	require.True(t, unbounded)
	require.Equal(t, uint64(0), n)

	n, unbounded = a.NextRequest(snap)
	require.False(t, unbounded)
	require.Equal(t, uint64(0), n)
}

func TestEmptySnapshotIsZero(t *testing.T) {
	require.Equal(t, uint64(0), Effective(Multicast, nil))
}
