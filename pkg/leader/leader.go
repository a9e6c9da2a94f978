// Package leader supplies the IsLeader predicate the Cluster Scheduler
// gates steps 5-7 on (spec §4.F, §5: "Only the elected leader executes
// steps 5-7"). Multi-leader consensus is an explicit Non-goal (spec
// §1): this package assumes an externally-supplied leadership signal
// and ships a single-process default whose leadership is set at
// construction.
package leader

import "sync/atomic"

// Elector reports whether this Controller process currently holds
// leadership. Implementations backed by an external coordination
// service (etcd, an operator-managed lease, etc.) live outside this
// module; this package only defines the seam and a standalone default.
type Elector interface {
	IsLeader() bool
}

// Static is the Elector used for single-instance deployments, or any
// setup where leadership is decided out of band and simply handed to the
// process at startup; it reports whatever value it was last given.
type Static struct {
	leader atomic.Bool
}

// NewStatic returns a Static elector initialised to the given value.
func NewStatic(isLeader bool) *Static {
	s := &Static{}
	s.leader.Store(isLeader)
	return s
}

// IsLeader implements Elector.
func (s *Static) IsLeader() bool {
	return s.leader.Load()
}

// Set updates the held leadership value, used by an operator-driven
// promotion/demotion signal (e.g. a SIGHUP handler or admin endpoint).
func (s *Static) Set(isLeader bool) {
	s.leader.Store(isLeader)
}
