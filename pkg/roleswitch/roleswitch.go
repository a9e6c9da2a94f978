// Package roleswitch implements the Controller's Role Switcher (spec
// §4.E): the state machine that transitions a node from its current
// role to a desired role without dropping in-flight work, enforcing the
// decoder-first cross-node ordering rule and a bound on concurrent
// in-flight switches.
package roleswitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindie/ms-controller/pkg/events"
	"github.com/mindie/ms-controller/pkg/log"
	"github.com/mindie/ms-controller/pkg/metrics"
	"github.com/mindie/ms-controller/pkg/store"
	"github.com/mindie/ms-controller/pkg/types"
	"github.com/mindie/ms-controller/pkg/wireclient"
)

// State is a switching node's position in the state machine of spec §4.E.
type State string

const (
	StateIdle          State = "idle"
	StateDraining      State = "draining"
	StateAnnouncing    State = "announcing"
	StateWaitingReady  State = "waitingReady"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Transition is one node's desired move, as computed by the Cluster
// Scheduler's diff step (spec §4.F step 5).
type Transition struct {
	NodeID      uint64
	GroupID     int
	CurrentRole types.Role
	DesiredRole types.Role
}

// Options tunes the Switcher's concurrency and timeout behavior (spec
// §4.A: max_concurrent_switches, role_switch_timeout_seconds,
// max_switch_attempts).
type Options struct {
	MaxConcurrentSwitches int
	SwitchTimeout         time.Duration
	MaxAttempts           int
	TaskPollInterval       time.Duration
	AnnounceRetries        int
}

// DefaultOptions mirrors the Configuration Loader's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentSwitches: 0, // 0 => no bound: SwitchGroup runs every transition at once
		SwitchTimeout:          120 * time.Second,
		MaxAttempts:            3,
		TaskPollInterval:       time.Second,
		AnnounceRetries:        3,
	}
}

// Switcher drives role transitions for a batch of nodes, respecting the
// decoder-first ordering rule and the at-most-one-in-flight-per-node
// invariant (spec P5, P6).
type Switcher struct {
	store  *store.Store
	client wireclient.WorkerClient
	broker *events.Broker
	opts   Options

	mu       sync.Mutex
	inFlight map[uint64]bool
}

// New builds a Switcher.
func New(st *store.Store, client wireclient.WorkerClient, broker *events.Broker, opts Options) *Switcher {
	return &Switcher{
		store:    st,
		client:   client,
		broker:   broker,
		opts:     opts,
		inFlight: make(map[uint64]bool),
	}
}

// SwitchGroup executes every transition in one group, applying the
// decoder-first rule: every node promoted to decode first triggers a
// peer-list refresh on that group's other current decode nodes (so they
// learn about the soon-to-be-former-prefill node while it is still
// tagged prefill), before the promoted node's own switch begins (spec
// §4.E, P5).
//
// Transitions are otherwise run concurrently, bounded by
// MaxConcurrentSwitches and by the per-node in-flight guard.
func (s *Switcher) SwitchGroup(ctx context.Context, groupID int, transitions []Transition, currentPrefillIPs []string, siblingDecoders []uint64) []Result {
	promotionsToDecode := make([]Transition, 0)
	rest := make([]Transition, 0, len(transitions))
	for _, t := range transitions {
		if t.DesiredRole == types.RoleDecode && t.CurrentRole != types.RoleDecode {
			promotionsToDecode = append(promotionsToDecode, t)
		} else {
			rest = append(rest, t)
		}
	}

	var results []Result

	if len(promotionsToDecode) > 0 {
		peers := make([]types.PeerRef, 0, len(currentPrefillIPs))
		for _, ip := range currentPrefillIPs {
			peers = append(peers, types.PeerRef{ServerIP: ip})
		}
		for _, decoderID := range siblingDecoders {
			s.reannounceDecoder(ctx, decoderID, peers)
		}
	}

	limit := s.opts.MaxConcurrentSwitches
	if limit <= 0 {
		limit = len(transitions)
		if limit == 0 {
			limit = 1
		}
	}
	sem := make(chan struct{}, limit)

	all := append(append([]Transition{}, promotionsToDecode...), rest...)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, t := range all {
		t := t
		if !s.tryAcquire(t.NodeID) {
			continue // P6: already in flight, skip this iteration
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.release(t.NodeID)
			r := s.switchOne(ctx, t)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// Result is the outcome of one node's switch attempt.
type Result struct {
	NodeID uint64
	From   State
	To     State
	Err    error
}

func (s *Switcher) tryAcquire(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Switcher) release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *Switcher) reannounceDecoder(ctx context.Context, nodeID uint64, peers []types.PeerRef) {
	n, ok := s.store.GetLive(nodeID)
	if !ok {
		return
	}
	if err := s.client.PostRole(ctx, n.IP, n.MgmtPort, types.RoleDecode, peers); err != nil {
		log.WithNode(log.Logger, n).Warn().Err(err).Msg("decoder-first peer refresh failed")
	}
}

func (s *Switcher) switchOne(ctx context.Context, t Transition) Result {
	timer := metrics.NewTimer()
	metrics.RoleSwitchesInFlight.Inc()
	defer metrics.RoleSwitchesInFlight.Dec()

	deadline := time.Now().Add(s.opts.SwitchTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	s.publish(events.EventSwitchStarted, t.NodeID, t.GroupID, fmt.Sprintf("switching to %s", t.DesiredRole))
	_ = s.store.Mutate(t.NodeID, func(n *types.NodeInfo) { n.RoleState = types.RoleStateSwitching })

	n, ok := s.store.GetLive(t.NodeID)
	if !ok {
		return s.fail(t, StateDraining, fmt.Errorf("node %d no longer live", t.NodeID), timer)
	}

	if err := s.drain(ctx, n); err != nil {
		return s.fail(t, StateDraining, err, timer)
	}

	peers := s.peersForRole(n, t)
	if err := s.announce(ctx, n, t.DesiredRole, peers); err != nil {
		return s.fail(t, StateAnnouncing, err, timer)
	}
	s.publish(events.EventSwitchAnnounced, t.NodeID, t.GroupID, fmt.Sprintf("announced %s", t.DesiredRole))

	if err := s.waitReady(ctx, n, t.DesiredRole); err != nil {
		return s.fail(t, StateWaitingReady, err, timer)
	}

	_ = s.store.Mutate(t.NodeID, func(n *types.NodeInfo) {
		n.CurrentRole = t.DesiredRole
		n.RoleState = types.RoleStateReady
		n.SwitchAttempts = 0
	})
	s.publish(events.EventSwitchReady, t.NodeID, t.GroupID, "switch complete")
	metrics.RoleSwitchDuration.WithLabelValues(string(t.DesiredRole), "success").Observe(timer.Duration().Seconds())

	return Result{NodeID: t.NodeID, From: StateIdle, To: StateDone}
}

// drain polls GET /v1/instances/tasks at 1Hz until the task list is
// empty or contains only the sentinel {0} (spec §4.E "draining").
func (s *Switcher) drain(ctx context.Context, n *types.NodeInfo) error {
	ticker := time.NewTicker(s.opts.TaskPollInterval)
	defer ticker.Stop()

	for {
		tasks, err := s.client.GetTasks(ctx, n.IP, n.MgmtPort, n.ID)
		if err == nil && tasksEmpty(tasks) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("drain timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func tasksEmpty(tasks []uint64) bool {
	if len(tasks) == 0 {
		return true
	}
	if len(tasks) == 1 && tasks[0] == 0 {
		return true
	}
	return false
}

// announce issues POST /v1/role/<desiredRole>, retrying up to
// AnnounceRetries times with 1s back-off on any failure other than a 4xx
// FatalError (spec §4.E "announcing").
func (s *Switcher) announce(ctx context.Context, n *types.NodeInfo, role types.Role, peers []types.PeerRef) error {
	var lastErr error
	for attempt := 0; attempt <= s.opts.AnnounceRetries; attempt++ {
		lastErr = s.client.PostRole(ctx, n.IP, n.MgmtPort, role, peers)
		if lastErr == nil {
			return nil
		}
		if _, fatal := lastErr.(*wireclient.FatalError); fatal {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return lastErr
}

// waitReady polls GET /v1/status until roleState == ready and
// currentRole == desiredRole, bounded by the context deadline (spec
// §4.E "waitingReady").
func (s *Switcher) waitReady(ctx context.Context, n *types.NodeInfo, desired types.Role) error {
	ticker := time.NewTicker(s.opts.TaskPollInterval)
	defer ticker.Stop()

	for {
		status, err := s.client.GetStatus(ctx, n.IP, n.MgmtPort)
		if err == nil && status.RoleState == types.RoleStateReady && status.CurrentRole == desired {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait-ready timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// peersForRole computes the peer list to announce with: for decode,
// every current prefill node in the same group other than n itself; for
// prefill, empty (spec §4.E).
func (s *Switcher) peersForRole(n *types.NodeInfo, t Transition) []types.PeerRef {
	if t.DesiredRole != types.RoleDecode {
		return nil
	}
	snap := s.store.Snapshot()
	peers := make([]types.PeerRef, 0, len(snap.Live))
	for _, m := range snap.Live {
		if m.ID != n.ID && m.GroupID == t.GroupID && m.CurrentRole == types.RolePrefill {
			peers = append(peers, types.PeerRef{ServerIP: m.IP})
		}
	}
	return peers
}

func (s *Switcher) fail(t Transition, at State, err error, timer *metrics.Timer) Result {
	metrics.RoleSwitchFailuresTotal.WithLabelValues(string(at)).Inc()
	metrics.RoleSwitchDuration.WithLabelValues(string(t.DesiredRole), "failed").Observe(timer.Duration().Seconds())

	var excluded bool
	_ = s.store.Mutate(t.NodeID, func(n *types.NodeInfo) {
		n.SwitchAttempts++
		n.RoleState = types.RoleStateUnknown
		excluded = n.SwitchAttempts >= s.opts.MaxAttempts
	})

	reason := err.Error()
	switchLog := log.WithSwitch(log.Logger, t.NodeID, t.GroupID, string(at))
	if excluded {
		_ = s.store.MarkFaulty(t.NodeID, "switch_exhausted")
		switchLog.Warn().Err(err).Msg("switch attempts exhausted, excluding node from publish")
		s.publish(events.EventSwitchFailed, t.NodeID, t.GroupID, "switch attempts exhausted, excluded from publish: "+reason)
	} else {
		switchLog.Warn().Err(err).Msg("switch failed, will retry next iteration")
		s.publish(events.EventSwitchFailed, t.NodeID, t.GroupID, "switch failed, will retry next iteration: "+reason)
	}

	return Result{NodeID: t.NodeID, From: at, To: StateFailed, Err: err}
}

func (s *Switcher) publish(t events.EventType, nodeID uint64, groupID int, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		GroupID:   groupID,
		Message:   msg,
	})
}
