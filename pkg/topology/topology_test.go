package topology

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindie/ms-controller/pkg/types"
)

func writeRankTable(t *testing.T, servers []types.RankTableServer) string {
	t.Helper()
	rt := types.RankTable{ServerCount: len(servers), ServerList: servers}
	raw, err := json.Marshal(rt)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "rank_table.json")
	require.NoError(t, os.WriteFile(path, raw, 0640))
	return path
}

func fourNodeTable() []types.RankTableServer {
	return []types.RankTableServer{
		{ServerID: "s1", ServerIP: "10.0.0.1", MgmtPort: 8001, Port: 9001},
		{ServerID: "s2", ServerIP: "10.0.0.2", MgmtPort: 8001, Port: 9001},
		{ServerID: "s3", ServerIP: "10.0.0.3", MgmtPort: 8001, Port: 9001},
		{ServerID: "s4", ServerIP: "10.0.0.4", MgmtPort: 8001, Port: 9001},
	}
}

func TestParseRankTable_RoundTrip(t *testing.T) {
	path := writeRankTable(t, fourNodeTable())
	rt, err := ParseRankTable(path)
	require.NoError(t, err)
	assert.Equal(t, 4, rt.ServerCount)
}

func TestValidate_RejectsGroupCountOverflow(t *testing.T) {
	var servers []types.RankTableServer
	for i := 0; i < types.MaxGroups+1; i++ {
		pod := superPodID(i)
		servers = append(servers, types.RankTableServer{
			ServerID: pod, ServerIP: "10.0.0.1", MgmtPort: 8000 + i, SuperPodID: &pod,
		})
	}
	rt := types.RankTable{ServerCount: len(servers), ServerList: servers}

	err := Validate(&rt)
	require.Error(t, err)
	var ite *InvalidTopologyError
	assert.ErrorAs(t, err, &ite)
}

func TestValidate_RejectsDuplicateIPMgmtPort(t *testing.T) {
	servers := fourNodeTable()
	servers[1].ServerIP = servers[0].ServerIP
	servers[1].MgmtPort = servers[0].MgmtPort
	rt := types.RankTable{ServerCount: len(servers), ServerList: servers}

	err := Validate(&rt)
	require.Error(t, err)
}

func TestValidate_RejectsServerCountMismatch(t *testing.T) {
	servers := fourNodeTable()
	rt := types.RankTable{ServerCount: len(servers) + 1, ServerList: servers}

	err := Validate(&rt)
	require.Error(t, err)
}

func TestBuildNodes_AssignsFreshIDsOnColdStart(t *testing.T) {
	rt := types.RankTable{ServerCount: 4, ServerList: fourNodeTable()}
	alloc := NewIDAllocator(0)

	nodes, err := BuildNodes(&rt, alloc, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 4)

	seen := make(map[uint64]bool)
	for _, n := range nodes {
		assert.False(t, seen[n.ID], "IDs must be unique")
		seen[n.ID] = true
		assert.Equal(t, types.RoleUndefined, n.CurrentRole)
		assert.False(t, n.IsInitialized)
	}
	assert.Equal(t, uint64(4), alloc.Counter())
}

func TestBuildNodes_PreservesExistingIDsAcrossRestart(t *testing.T) {
	// P1: a node present before restart keeps its ID; only the new
	// fifth node receives a freshly allocated one (spec §8 scenario 4).
	servers := fourNodeTable()
	rt := types.RankTable{ServerCount: 4, ServerList: servers}
	alloc := NewIDAllocator(0)
	first, err := BuildNodes(&rt, alloc, nil)
	require.NoError(t, err)

	existing := ExistingIDIndex(first)
	alloc2 := NewIDAllocator(alloc.Counter())

	servers = append(servers, types.RankTableServer{ServerID: "s5", ServerIP: "10.0.0.5", MgmtPort: 8001, Port: 9001})
	rt2 := types.RankTable{ServerCount: 5, ServerList: servers}

	second, err := BuildNodes(&rt2, alloc2, existing)
	require.NoError(t, err)
	require.Len(t, second, 5)

	byIP := make(map[string]*types.NodeInfo)
	for _, n := range second {
		byIP[n.IP] = n
	}
	for _, n := range first {
		assert.Equal(t, n.ID, byIP[n.IP].ID, "existing node ID must be stable across restart")
	}
	assert.Equal(t, uint64(5), alloc2.Counter())
}

func superPodID(i int) string {
	return "pod-" + string(rune('a'+i))
}
