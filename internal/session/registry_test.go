package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJoinAndMore(t *testing.T) {
	r := NewRegistry()
	r.OnJoin(1, 100)
	require.True(t, r.OnServiceRequest(1, true, 3, false))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(3), snap[0].Demand)

	require.True(t, r.OnServiceRequest(1, true, Unbounded-1, false))
	snap = r.Snapshot()
	require.Equal(t, Unbounded, snap[0].Demand)
}

func TestUnknownSessionIsProtocolViolation(t *testing.T) {
	r := NewRegistry()
	require.False(t, r.OnServiceRequest(99, true, 1, false))
	require.False(t, r.OnHeartbeatReply(99, 1))
}

func TestCancelMarksAndDemandConsumption(t *testing.T) {
	r := NewRegistry()
	r.OnJoin(1, 0)
	r.OnServiceRequest(1, true, 5, false)
	r.ConsumeDemand(1)
	require.Equal(t, uint64(4), r.Snapshot()[0].Demand)

	r.OnServiceRequest(1, false, 0, true)
	require.True(t, r.Snapshot()[0].Cancelled)

	r.Remove(1)
	require.True(t, r.Empty())
}

func TestReapStaleSessions(t *testing.T) {
	r := NewRegistry()
	r.OnJoin(1, 0)
	r.OnJoin(2, int64(time.Second))

	stale := r.Reap(int64(2*time.Second), time.Second)
	require.ElementsMatch(t, []uint64{1}, stale)
	require.Len(t, r.Snapshot(), 1)
}

func TestSaturatingAdd(t *testing.T) {
	require.Equal(t, uint64(5), SaturatingAdd(2, 3))
	require.Equal(t, Unbounded, SaturatingAdd(Unbounded, 1))
	require.Equal(t, Unbounded, SaturatingAdd(1, Unbounded))
	require.Equal(t, Unbounded, SaturatingAdd(Unbounded-1, 2))
}
