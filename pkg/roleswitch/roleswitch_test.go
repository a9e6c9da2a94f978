package roleswitch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindie/ms-controller/pkg/store"
	"github.com/mindie/ms-controller/pkg/types"
	"github.com/mindie/ms-controller/pkg/wireclient"
)

type call struct {
	ip   string
	role types.Role
}

type fakeClient struct {
	mu    sync.Mutex
	calls []call

	readyAfter int
	polls      map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{polls: make(map[string]int)}
}

func (f *fakeClient) GetConfig(context.Context, string, int) (*types.StaticInfo, error) { return nil, nil }

func (f *fakeClient) GetTasks(context.Context, string, int, uint64) ([]uint64, error) {
	return nil, nil // always drained
}

func (f *fakeClient) PostRole(_ context.Context, ip string, _ int, role types.Role, _ []types.PeerRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{ip: ip, role: role})
	return nil
}

func (f *fakeClient) GetStatus(_ context.Context, ip string, _ int) (*wireclient.WorkerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[ip]++
	if f.polls[ip] >= f.readyAfter {
		return &wireclient.WorkerStatus{CurrentRole: types.RoleDecode, RoleState: types.RoleStateReady}, nil
	}
	return &wireclient.WorkerStatus{CurrentRole: types.RolePrefill, RoleState: types.RoleStateSwitching}, nil
}

func testOptions() Options {
	o := DefaultOptions()
	o.SwitchTimeout = 2 * time.Second
	o.TaskPollInterval = 5 * time.Millisecond
	return o
}

func TestSwitchGroup_DecoderFirstOrdering(t *testing.T) {
	// P5: the decoder-first re-announce to the existing decoder must
	// happen-before the promoted node's own /v1/role/decode call.
	st := store.New()
	require.NoError(t, st.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1", MgmtPort: 8080, CurrentRole: types.RoleDecode}))
	require.NoError(t, st.Add(&types.NodeInfo{ID: 2, IP: "10.0.0.2", MgmtPort: 8080, CurrentRole: types.RolePrefill}))

	client := newFakeClient()
	client.readyAfter = 1
	sw := New(st, client, nil, testOptions())

	results := sw.SwitchGroup(
		context.Background(),
		0,
		[]Transition{{NodeID: 2, GroupID: 0, CurrentRole: types.RolePrefill, DesiredRole: types.RoleDecode}},
		[]string{"10.0.0.2"},
		[]uint64{1},
	)

	require.Len(t, results, 1)
	assert.Equal(t, StateDone, results[0].To)

	require.Len(t, client.calls, 2)
	assert.Equal(t, "10.0.0.1", client.calls[0].ip, "existing decoder must be re-announced first")
	assert.Equal(t, "10.0.0.2", client.calls[1].ip, "promoted node is announced second")
}

func TestSwitchOne_FailsOnTimeoutAndIncrementsAttempts(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1", MgmtPort: 8080, CurrentRole: types.RolePrefill}))

	client := newFakeClient()
	client.readyAfter = 1000000 // never ready within the timeout
	opts := testOptions()
	opts.SwitchTimeout = 30 * time.Millisecond
	opts.MaxAttempts = 3
	sw := New(st, client, nil, opts)

	results := sw.SwitchGroup(context.Background(), 0, []Transition{
		{NodeID: 1, GroupID: 0, CurrentRole: types.RolePrefill, DesiredRole: types.RoleDecode},
	}, nil, nil)

	require.Len(t, results, 1)
	assert.Equal(t, StateFailed, results[0].To)
	assert.Error(t, results[0].Err)

	n, ok := st.GetLive(1)
	require.True(t, ok)
	assert.Equal(t, 1, n.SwitchAttempts)
}

func TestSwitchOne_ExcludesAfterMaxAttempts(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1", MgmtPort: 8080, CurrentRole: types.RolePrefill, SwitchAttempts: 2}))

	client := newFakeClient()
	client.readyAfter = 1000000
	opts := testOptions()
	opts.SwitchTimeout = 20 * time.Millisecond
	opts.MaxAttempts = 3
	sw := New(st, client, nil, opts)

	sw.SwitchGroup(context.Background(), 0, []Transition{
		{NodeID: 1, GroupID: 0, CurrentRole: types.RolePrefill, DesiredRole: types.RoleDecode},
	}, nil, nil)

	snap := st.Snapshot()
	assert.Empty(t, snap.Live, "node should be moved to faulty once max attempts exhausted")
	require.Len(t, snap.Faulty, 1)
	assert.Equal(t, "switch_exhausted", snap.Faulty[0].FaultReason)
}

func TestSwitchGroup_AtMostOneInFlightPerNode(t *testing.T) {
	// P6: calling SwitchGroup twice concurrently for the same node must
	// not run two switch attempts simultaneously.
	st := store.New()
	require.NoError(t, st.Add(&types.NodeInfo{ID: 1, IP: "10.0.0.1", MgmtPort: 8080, CurrentRole: types.RolePrefill}))

	client := newFakeClient()
	client.readyAfter = 3
	sw := New(st, client, nil, testOptions())

	transitions := []Transition{{NodeID: 1, GroupID: 0, CurrentRole: types.RolePrefill, DesiredRole: types.RoleDecode}}

	var wg sync.WaitGroup
	results := make([][]Result, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = sw.SwitchGroup(context.Background(), 0, transitions, nil, nil)
		}()
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	assert.Equal(t, 1, total, "only one of the two concurrent calls should have acquired the node")
}
