// Package planner defines the seam to the external DIGS role-planning
// algorithm (spec §4.F step 4, §9 open question (a)): the Cluster
// Scheduler calls it once per iteration with live load signals and
// receives a desired prefill/decode/flex split per group. The actual
// DIGS implementation is a black box outside this module's scope; this
// package ships the interface plus a deterministic ratio-based default
// so the Scheduler is runnable without it.
package planner

import (
	"context"

	"github.com/mindie/ms-controller/pkg/types"
)

// GroupLoad is the per-group load signal fed to the planner: aggregated
// slot/block availability and queue depth across the group's current
// members, split by their current role.
type GroupLoad struct {
	GroupID int

	PrefillNodeCount int
	DecodeNodeCount  int
	FlexNodeCount    int

	PrefillWaitingRequests int
	DecodeWaitingRequests  int

	AvailSlots int
	AvailBlocks int
}

// ModelParams and MachineParams are forwarded to the planner verbatim;
// the Controller does not interpret their contents (spec §4.A: digs_*
// tunables).
type ModelParams struct {
	ModelType    string
	Heterogeneous bool
	PP           int
}

type MachineParams struct {
	TransferType string
	HasFlex      bool
}

// Planner computes the desired role distribution for every group.
type Planner interface {
	Plan(ctx context.Context, mp ModelParams, xp MachineParams, loads []GroupLoad) ([]types.DesiredRatio, error)
}

// RatioPlanner is the bundled default: it ignores load signals beyond
// node counts and simply re-applies the configured default_p_rate and
// default_d_rate split across each group's live membership. It exists
// so the Scheduler has a concrete, deterministic planner to run against
// before a real DIGS binding is wired in.
type RatioPlanner struct {
	DefaultPRate int
	DefaultDRate int
}

// NewRatioPlanner builds a RatioPlanner from configured rates.
func NewRatioPlanner(pRate, dRate int) *RatioPlanner {
	return &RatioPlanner{DefaultPRate: pRate, DefaultDRate: dRate}
}

// Plan implements Planner.
func (p *RatioPlanner) Plan(_ context.Context, _ ModelParams, _ MachineParams, loads []GroupLoad) ([]types.DesiredRatio, error) {
	out := make([]types.DesiredRatio, 0, len(loads))
	for _, l := range loads {
		total := l.PrefillNodeCount + l.DecodeNodeCount + l.FlexNodeCount
		if total == 0 {
			continue
		}

		prefill := total * p.DefaultPRate / 100
		decode := total * p.DefaultDRate / 100
		// Any rounding remainder, and any node left over from a rate sum
		// under 100, goes to prefill so no node is silently dropped.
		if remainder := total - prefill - decode; remainder > 0 {
			prefill += remainder
		}

		out = append(out, types.DesiredRatio{
			GroupID: l.GroupID,
			Prefill: prefill,
			Decode:  decode,
		})
	}
	return out, nil
}
