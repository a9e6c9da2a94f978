package prober

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindie/ms-controller/pkg/store"
	"github.com/mindie/ms-controller/pkg/types"
	"github.com/mindie/ms-controller/pkg/wireclient"
)

type fakeWorkerClient struct {
	mu sync.Mutex

	configErr   error
	statusErr   error
	config      types.StaticInfo
	status      wireclient.WorkerStatus
	postedRoles []types.Role
	statusCalls int
}

func (f *fakeWorkerClient) GetConfig(_ context.Context, _ string, _ int) (*types.StaticInfo, error) {
	if f.configErr != nil {
		return nil, f.configErr
	}
	cp := f.config
	return &cp, nil
}

func (f *fakeWorkerClient) GetStatus(_ context.Context, _ string, _ int) (*wireclient.WorkerStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	cp := f.status
	return &cp, nil
}

func (f *fakeWorkerClient) GetTasks(_ context.Context, _ string, _ int, _ uint64) ([]uint64, error) {
	return nil, nil
}

func (f *fakeWorkerClient) PostRole(_ context.Context, _ string, _ int, role types.Role, _ []types.PeerRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postedRoles = append(f.postedRoles, role)
	return nil
}

func TestProbeAll_InitializesAndUpdatesStatus(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1", MgmtPort: 8080}))

	client := &fakeWorkerClient{
		config: types.StaticInfo{GroupID: 0, MaxSeqLen: 2048},
		status: wireclient.WorkerStatus{
			CurrentRole: types.RolePrefill,
			RoleState:   types.RoleStateReady,
		},
	}

	p := New(st, client, nil, 4)
	p.ProbeAll(context.Background())

	n, ok := st.GetLive(1)
	require.True(t, ok)
	assert.True(t, n.IsInitialized)
	assert.True(t, n.IsHealthy)
	assert.Equal(t, types.RolePrefill, n.CurrentRole)
}

func TestProbeAll_MarksFaultyAfterThreeFailures(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1", MgmtPort: 8080, IsInitialized: true}))

	client := &fakeWorkerClient{statusErr: assertError{}}
	p := New(st, client, nil, 4)

	p.ProbeAll(context.Background())
	p.ProbeAll(context.Background())
	snap := st.Snapshot()
	assert.Len(t, snap.Live, 1, "should stay live before 3rd consecutive failure")

	p.ProbeAll(context.Background())
	snap = st.Snapshot()
	assert.Empty(t, snap.Live)
	require.Len(t, snap.Faulty, 1)
	assert.Equal(t, "unreachable", snap.Faulty[0].FaultReason)
}

func TestReannounce_FiresWhenActivePeersDontCoverPeers(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1", MgmtPort: 8080, IsInitialized: true}))
	require.NoError(t, st.Add(&types.NodeInfo{ID: 2, IP: "10.0.0.2", MgmtPort: 8080}))

	client := &fakeWorkerClient{
		status: wireclient.WorkerStatus{
			CurrentRole: types.RoleDecode,
			RoleState:   types.RoleStateReady,
			Peers:       []uint64{2},
			ActivePeers: nil,
		},
	}

	p := New(st, client, nil, 4)
	p.ProbeAll(context.Background())

	assert.Contains(t, client.postedRoles, types.RoleDecode)
}

type assertError struct{}

func (assertError) Error() string { return "injected transient failure" }
