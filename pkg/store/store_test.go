package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindie/ms-controller/pkg/types"
)

func TestAddAndSnapshot(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1"}))
	require.NoError(t, s.Add(&types.NodeInfo{ID: 2, IP: "10.0.0.2"}))

	snap := s.Snapshot()
	assert.Len(t, snap.Live, 2)
	assert.Empty(t, snap.Faulty)
}

func TestAdd_RejectsDuplicate(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(&types.NodeInfo{ID: 1}))
	assert.Error(t, s.Add(&types.NodeInfo{ID: 1}))
}

func TestMarkFaultyAndPromote(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1"}))

	require.NoError(t, s.MarkFaulty(1, "unreachable"))
	snap := s.Snapshot()
	require.Len(t, snap.Faulty, 1)
	assert.Empty(t, snap.Live)
	assert.Equal(t, "unreachable", snap.Faulty[0].FaultReason)

	require.NoError(t, s.Promote(1))
	snap = s.Snapshot()
	require.Len(t, snap.Live, 1)
	assert.Empty(t, snap.Faulty)
	assert.Empty(t, snap.Live[0].FaultReason)
}

func TestMarkFaulty_UnknownNode(t *testing.T) {
	s := New()
	err := s.MarkFaulty(99, "unreachable")
	require.Error(t, err)
	var nf *ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestLookupIP(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1"}))
	require.NoError(t, s.MarkFaulty(1, "x"))

	ip, ok := s.LookupIP(1)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip)

	_, ok = s.LookupIP(404)
	assert.False(t, ok)
}

func TestMutate_AppliesUnderLock(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(&types.NodeInfo{ID: 1}))

	require.NoError(t, s.Mutate(1, func(n *types.NodeInfo) {
		n.IsHealthy = true
		n.CurrentRole = types.RolePrefill
	}))

	n, ok := s.GetLive(1)
	require.True(t, ok)
	assert.True(t, n.IsHealthy)
	assert.Equal(t, types.RolePrefill, n.CurrentRole)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(&types.NodeInfo{ID: 1, Peers: []uint64{2, 3}}))

	snap := s.Snapshot()
	snap.Live[0].Peers[0] = 999

	n, _ := s.GetLive(1)
	assert.Equal(t, uint64(2), n.Peers[0], "mutating a snapshot must not affect the store")
}

func TestCoordinatorPushFailureThreshold(t *testing.T) {
	s := New()
	s.AddCoordinator(&types.Coordinator{IP: "10.0.1.1", Port: 8080, IsHealthy: true})
	key := (&types.Coordinator{IP: "10.0.1.1", Port: 8080}).Key()

	s.MarkCoordinatorPushResult(key, false)
	s.MarkCoordinatorPushResult(key, false)
	snap := s.Snapshot()
	assert.True(t, snap.Coordinators[0].IsHealthy, "should stay healthy before 3 consecutive failures")

	s.MarkCoordinatorPushResult(key, false)
	snap = s.Snapshot()
	assert.False(t, snap.Coordinators[0].IsHealthy)

	s.MarkCoordinatorPushResult(key, true)
	snap = s.Snapshot()
	assert.True(t, snap.Coordinators[0].IsHealthy)
}

func TestConcurrentMutateIsRaceFree(t *testing.T) {
	s := New()
	for i := uint64(1); i <= 50; i++ {
		require.NoError(t, s.Add(&types.NodeInfo{ID: i}))
	}

	var wg sync.WaitGroup
	for i := uint64(1); i <= 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			_ = s.Mutate(id, func(n *types.NodeInfo) { n.IsHealthy = true })
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()
}
