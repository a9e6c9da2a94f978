// Package topology implements the Controller's Topology Loader (spec
// §4.B): parsing the global rank table, grouping servers, and allocating
// the persistent node IDs the rest of the Controller keys off of.
package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/mindie/ms-controller/pkg/types"
)

// GroupIDBits is how many low bits of a node ID are reserved for the
// ordinal, which comes from one counter shared by all groups; the
// remaining high bits hold the group index
// (spec §3: "encodes group index in high bits and ordinal in low bits").
const GroupIDBits = 40

// InvalidTopologyError reports a rank table that fails structural
// validation (spec §7: InvalidTopology, exit code 2 at startup).
type InvalidTopologyError struct {
	Reason string
}

func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

// ParseRankTable reads and unmarshals the rank table file at path.
func ParseRankTable(path string) (*types.RankTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rank table: %w", err)
	}
	var rt types.RankTable
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, &InvalidTopologyError{fmt.Sprintf("malformed JSON: %v", err)}
	}
	return &rt, nil
}

// groupKeys determines which group each server belongs to. Servers sharing a
// super_pod_id are grouped together; servers with no super_pod_id fall
// back to being chunked into groups of MaxNodesPerGroup in list order.
// (The rank-table schema in spec §6 carries no explicit group_id field;
// grouping by super pod, falling back to positional chunking, is the
// Topology Loader's own derivation rule — see DESIGN.md open question.)
func groupKeys(servers []types.RankTableServer) []string {
	keys := make([]string, len(servers))
	chunk := -1
	for i, s := range servers {
		if s.SuperPodID != nil && *s.SuperPodID != "" {
			keys[i] = "pod:" + *s.SuperPodID
			continue
		}
		if i%types.MaxNodesPerGroup == 0 {
			chunk++
		}
		keys[i] = fmt.Sprintf("chunk:%d", chunk)
	}
	return keys
}

// Validate checks the rank table against the structural invariants of
// spec §3/§4.B: group count, per-group size, and (ip,mgmtPort) uniqueness.
func Validate(rt *types.RankTable) error {
	if rt.ServerCount != len(rt.ServerList) {
		return &InvalidTopologyError{fmt.Sprintf("server_count %d does not match server_list length %d", rt.ServerCount, len(rt.ServerList))}
	}

	seen := make(map[string]bool, len(rt.ServerList))
	for _, s := range rt.ServerList {
		if s.ServerIP == "" {
			return &InvalidTopologyError{"server_ip must not be empty"}
		}
		if s.MgmtPort < 1024 || s.MgmtPort > 65535 {
			return &InvalidTopologyError{fmt.Sprintf("mgmt_port %d out of range [1024, 65535]", s.MgmtPort)}
		}
		key := s.ServerIP + fmt.Sprintf(":%d", s.MgmtPort)
		if seen[key] {
			return &InvalidTopologyError{fmt.Sprintf("duplicate (ip, mgmt_port) pair: %s", key)}
		}
		seen[key] = true
	}

	keys := groupKeys(rt.ServerList)
	counts := make(map[string]int)
	for _, k := range keys {
		counts[k]++
	}
	if len(counts) > types.MaxGroups {
		return &InvalidTopologyError{fmt.Sprintf("group count %d exceeds MAX_GROUPS %d", len(counts), types.MaxGroups)}
	}
	for k, n := range counts {
		if n > types.MaxNodesPerGroup {
			return &InvalidTopologyError{fmt.Sprintf("group %q has %d nodes, exceeds MAX_NODES_PER_GROUP %d", k, n, types.MaxNodesPerGroup)}
		}
	}

	return nil
}

// IDAllocator hands out persistent, monotonically increasing node IDs
// bit-packed with a group index. The counter is the same value persisted
// as instance_start_id_number in the Process Status File (spec §4.B, P1).
type IDAllocator struct {
	mu   sync.Mutex
	next uint64
}

// NewIDAllocator starts allocation from the given counter, typically the
// instance_start_id_number recovered from the Process Status File (0 on
// a true cold start).
func NewIDAllocator(start uint64) *IDAllocator {
	return &IDAllocator{next: start}
}

// Next allocates a fresh ID for a node in the given group index.
func (a *IDAllocator) Next(groupIndex int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ordinal := a.next
	a.next++
	return (uint64(groupIndex) << GroupIDBits) | ordinal
}

// Counter returns the next ordinal to be handed out, suitable for
// persisting as instance_start_id_number.
func (a *IDAllocator) Counter() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// BuildNodes produces one NodeInfo per rank-table entry. existingIDs maps
// the (ip,mgmtPort) key to a previously allocated ID (from a recovered
// Process Status File or a prior reconcile pass); entries found there
// keep their ID, everything else gets a fresh one from alloc.
func BuildNodes(rt *types.RankTable, alloc *IDAllocator, existingIDs map[string]uint64) ([]*types.NodeInfo, error) {
	if err := Validate(rt); err != nil {
		return nil, err
	}

	keys := groupKeys(rt.ServerList)
	groupIndex := make(map[string]int)
	var order []string
	for _, k := range keys {
		if _, ok := groupIndex[k]; !ok {
			groupIndex[k] = len(order)
			order = append(order, k)
		}
	}

	nodes := make([]*types.NodeInfo, 0, len(rt.ServerList))
	for i, s := range rt.ServerList {
		idKey := s.ServerIP + fmt.Sprintf(":%d", s.MgmtPort)
		id, ok := existingIDs[idKey]
		if !ok {
			id = alloc.Next(groupIndex[keys[i]])
		}

		nodes = append(nodes, &types.NodeInfo{
			ID:            id,
			HostID:        s.ServerID,
			IP:            s.ServerIP,
			Port:          s.Port,
			MgmtPort:      s.MgmtPort,
			MetricPort:    s.MetricPort,
			InterCommPort: s.InterCommPort,
			GroupID:       groupIndex[keys[i]],
			IsHealthy:     false,
			IsInitialized: false,
			InferenceType: types.InferenceType(""),
			CurrentRole:   types.RoleUndefined,
			RoleState:     types.RoleStateUnknown,
			SuperPodID:    s.SuperPodID,
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// ExistingIDIndex builds the (ip,mgmtPort) → id lookup BuildNodes needs
// from a previously known node set (e.g. a recovered Store snapshot).
func ExistingIDIndex(nodes []*types.NodeInfo) map[string]uint64 {
	idx := make(map[string]uint64, len(nodes))
	for _, n := range nodes {
		idx[fmt.Sprintf("%s:%d", n.IP, n.MgmtPort)] = n.ID
	}
	return idx
}
