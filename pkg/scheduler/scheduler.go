// Package scheduler implements the Controller's Cluster Scheduler (spec
// §4.F): the top-level orchestrator loop that recovers persisted state,
// reconciles topology, drives the Worker Prober, computes desired role
// ratios, drives the Role Switcher, publishes to coordinators, and
// persists state every iteration.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindie/ms-controller/pkg/config"
	"github.com/mindie/ms-controller/pkg/events"
	"github.com/mindie/ms-controller/pkg/leader"
	"github.com/mindie/ms-controller/pkg/log"
	"github.com/mindie/ms-controller/pkg/metrics"
	"github.com/mindie/ms-controller/pkg/planner"
	"github.com/mindie/ms-controller/pkg/process"
	"github.com/mindie/ms-controller/pkg/prober"
	"github.com/mindie/ms-controller/pkg/roleswitch"
	"github.com/mindie/ms-controller/pkg/store"
	"github.com/mindie/ms-controller/pkg/topology"
	"github.com/mindie/ms-controller/pkg/types"
	"github.com/mindie/ms-controller/pkg/wireclient"
)

// Scheduler is the orchestrator of spec §4.F: a single goroutine that
// runs the eight-step iteration on a ticker, gating the switch/publish/
// persist steps on leadership.
type Scheduler struct {
	loader *config.Loader
	store  *store.Store
	broker *events.Broker

	alloc    *topology.IDAllocator
	prober   *prober.Prober
	switcher *roleswitch.Switcher
	planr    planner.Planner
	coord    wireclient.CoordinatorClient
	elector  leader.Elector
	history  *process.FaultHistory

	rankTablePath string

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	firstIteration bool
}

// Deps bundles everything the Scheduler needs at construction; every
// field is a handle owned elsewhere and shared with other components
// (spec §5: "every other component holds handles, nothing is global").
type Deps struct {
	Loader        *config.Loader
	Store         *store.Store
	Broker        *events.Broker
	Worker        wireclient.WorkerClient
	Coordinator   wireclient.CoordinatorClient
	Planner       planner.Planner
	Elector       leader.Elector
	FaultHistory  *process.FaultHistory
	RankTablePath string
}

// New builds a Scheduler from Deps.
func New(d Deps) *Scheduler {
	cfg := d.Loader.Current()

	switchOpts := roleswitch.DefaultOptions()
	switchOpts.MaxConcurrentSwitches = cfg.MaxConcurrentSwitches
	switchOpts.SwitchTimeout = time.Duration(cfg.RoleSwitchTimeoutSeconds) * time.Second
	switchOpts.MaxAttempts = cfg.MaxSwitchAttempts

	planr := d.Planner
	if planr == nil {
		planr = planner.NewRatioPlanner(cfg.DefaultPRate, cfg.DefaultDRate)
	}

	s := &Scheduler{
		loader:         d.Loader,
		store:          d.Store,
		broker:         d.Broker,
		alloc:          topology.NewIDAllocator(0),
		prober:         prober.New(d.Store, d.Worker, d.Broker, 0),
		planr:          planr,
		coord:          d.Coordinator,
		elector:        d.Elector,
		history:        d.FaultHistory,
		rankTablePath:  d.RankTablePath,
		logger:         log.WithComponent("scheduler"),
		stopCh:         make(chan struct{}),
		firstIteration: true,
	}
	s.switcher = roleswitch.New(d.Store, d.Worker, d.Broker, switchOpts)
	return s
}

// Start launches the iteration loop in the background.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop requests a clean shutdown and waits for the in-flight iteration
// to finish (spec §5: "on stop, finishes the current iteration, joins
// its worker pool, then returns").
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	cfg := s.loader.Current()
	ticker := time.NewTicker(time.Duration(cfg.ClusterSynchronizationSeconds) * time.Second)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("scheduler iteration failed")
		}

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes exactly one iteration of the algorithm in spec §4.F.
// It is exported so tests and the CLI entry point can drive single
// iterations deterministically rather than waiting on the ticker.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulerIterationDuration)
		metrics.SchedulerIterationsTotal.Inc()
	}()

	cfg := s.loader.Current()

	if s.firstIteration {
		s.recover(cfg)
	}

	err := s.reconcileTopology(cfg)
	s.firstIteration = false
	if err != nil {
		return err
	}

	s.prober.ProbeAll(ctx)
	s.refreshNodeMetrics()

	isLeader := s.elector.IsLeader()
	if isLeader {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}

	if !isLeader {
		// Followers still reconcile and probe above so they can take over
		// quickly, but never switch, publish, or persist (spec §4.F,
		// §5: "Only the elected leader executes steps 5-7. Followers
		// execute 1-4 and 6-read-only").
		return nil
	}

	if cfg.DeployMode != config.DeployModeSingleNode {
		s.reshapeRoles(ctx, cfg)
	}

	s.publishView(ctx)

	if cfg.ProcessManager.ToFile {
		s.persist(cfg)
	}

	return nil
}

// recover implements spec §4.F step 1: on the very first iteration,
// restore the live/faulty maps and the ID counter from the Process
// Status File. A missing or invalid file is logged and ignored, never
// fatal (spec §7: the Controller always starts, worst case cold).
func (s *Scheduler) recover(cfg *config.Config) {
	if !cfg.ProcessManager.ToFile {
		return
	}

	doc, err := process.Read(cfg.ProcessManager.FilePath, cfg.StrictFilePermissions)
	if err != nil {
		s.logger.Warn().Err(err).Msg("process status file recovery failed, starting cold")
		return
	}
	if doc == nil {
		return
	}

	s.alloc = topology.NewIDAllocator(doc.InstanceStartIDNumber)
	for i := range doc.Server {
		n := doc.Server[i].Clone()
		if err := s.store.Add(n); err != nil {
			continue
		}
		if !n.IsHealthy {
			_ = s.store.MarkFaulty(n.ID, n.FaultReason)
		}
	}
	s.logger.Info().Int("nodes", len(doc.Server)).Uint64("next_id", doc.InstanceStartIDNumber).Msg("recovered process status file")
}

// reconcileTopology implements spec §4.F step 2: re-parse the rank
// table, preserve IDs and health for servers still present, mark
// servers absent from the table for deletion after delete_grace_seconds.
func (s *Scheduler) reconcileTopology(cfg *config.Config) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TopologyReconcileDuration)

	rt, err := topology.ParseRankTable(s.rankTablePath)
	if err != nil {
		if s.firstIteration {
			return err // cold start with no parsable topology is fatal
		}
		s.logger.Error().Err(err).Msg("rank table became unparseable, keeping last known topology")
		return nil
	}

	existing := s.store.Snapshot()
	existingIdx := topology.ExistingIDIndex(append(append([]*types.NodeInfo{}, existing.Live...), existing.Faulty...))

	nodes, err := topology.BuildNodes(rt, s.alloc, existingIdx)
	if err != nil {
		s.logger.Error().Err(err).Msg("rank table failed validation, keeping last known topology")
		return nil
	}

	byKey := func(n *types.NodeInfo) string { return fmt.Sprintf("%s:%d", n.IP, n.MgmtPort) }

	liveByKey := make(map[string]*types.NodeInfo, len(existing.Live))
	for _, n := range existing.Live {
		liveByKey[byKey(n)] = n
	}

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		key := byKey(n)
		seen[key] = true

		if prior, ok := liveByKey[key]; ok {
			_ = s.store.Mutate(prior.ID, func(stored *types.NodeInfo) {
				stored.MgmtPort = n.MgmtPort
				stored.MetricPort = n.MetricPort
				stored.InterCommPort = n.InterCommPort
				stored.Port = n.Port
				stored.GroupID = n.GroupID
				stored.DeleteTime = 0
			})
			continue
		}

		if err := s.store.Add(n); err != nil {
			log.WithNode(s.logger, n).Warn().Err(err).Msg("failed to add reconciled node")
			continue
		}
		s.publish(events.EventNodeAdded, n.ID, n.GroupID, "node added by topology reconcile")
	}

	grace := time.Duration(cfg.DeleteGraceSeconds) * time.Second
	for _, n := range existing.Live {
		if seen[byKey(n)] {
			continue
		}
		if n.DeleteTime == 0 {
			_ = s.store.Mutate(n.ID, func(stored *types.NodeInfo) { stored.DeleteTime = time.Now().Unix() })
			continue
		}
		if time.Since(time.Unix(n.DeleteTime, 0)) >= grace {
			_ = s.store.MarkFaulty(n.ID, "absent_from_rank_table")
			s.publish(events.EventNodeRemoved, n.ID, n.GroupID, "node removed, absent from rank table past delete grace")
		}
	}

	retention := time.Duration(cfg.FaultyRetentionSeconds) * time.Second
	for _, n := range existing.Faulty {
		if n.DeleteTime == 0 {
			continue
		}
		if time.Since(time.Unix(n.DeleteTime, 0)) >= retention {
			_ = s.store.Drop(n.ID)
		}
	}

	return nil
}

func (s *Scheduler) refreshNodeMetrics() {
	snap := s.store.Snapshot()
	metrics.NodesTotal.Reset()
	groups := make(map[int]bool)
	for _, n := range snap.Live {
		metrics.NodesTotal.WithLabelValues(string(n.CurrentRole), boolLabel(n.IsHealthy)).Inc()
		groups[n.GroupID] = true
	}
	metrics.GroupsTotal.Set(float64(len(groups)))

	healthy := 0
	for _, c := range snap.Coordinators {
		if c.IsHealthy {
			healthy++
		}
	}
	metrics.CoordinatorsHealthy.Set(float64(healthy))
}

// reshapeRoles implements spec §4.F steps 4-5: compute the desired
// prefill/decode split per group and drive the Role Switcher through
// whatever transitions close the gap, respecting the decoder-first
// ordering rule (P5).
func (s *Scheduler) reshapeRoles(ctx context.Context, cfg *config.Config) {
	snap := s.store.Snapshot()

	byGroup := make(map[int][]*types.NodeInfo)
	for _, n := range snap.Live {
		byGroup[n.GroupID] = append(byGroup[n.GroupID], n)
	}

	loads := make([]planner.GroupLoad, 0, len(byGroup))
	var groupIDs []int
	for gid := range byGroup {
		groupIDs = append(groupIDs, gid)
	}
	sort.Ints(groupIDs)

	for _, gid := range groupIDs {
		loads = append(loads, buildGroupLoad(gid, byGroup[gid]))
	}

	mp := planner.ModelParams{ModelType: cfg.DIGS.ModelType, Heterogeneous: cfg.DIGS.IsHeterogeneous, PP: cfg.DIGS.PP}
	xp := planner.MachineParams{TransferType: cfg.DIGS.TransferType, HasFlex: cfg.DIGS.HasFlex}

	ratios, err := s.planr.Plan(ctx, mp, xp, loads)
	if err != nil {
		s.logger.Error().Err(err).Msg("role planner failed, skipping reshape this iteration")
		return
	}

	for _, ratio := range ratios {
		nodes := byGroup[ratio.GroupID]
		transitions, prefillIPs, siblingDecoders := computeTransitions(nodes, ratio)
		transitions = s.dropExhaustedSwitches(transitions, cfg.MaxSwitchAttempts)
		if len(transitions) == 0 {
			continue
		}
		desiredByNode := make(map[uint64]types.Role, len(transitions))
		for _, t := range transitions {
			desiredByNode[t.NodeID] = t.DesiredRole
		}

		results := s.switcher.SwitchGroup(ctx, ratio.GroupID, transitions, prefillIPs, siblingDecoders)
		s.recordSwitchHistory(results, desiredByNode)
	}
}

// dropExhaustedSwitches removes any transition targeting a node whose
// persisted fault history already reached maxAttempts, so a node that
// keeps failing isn't retried forever just because a Controller restart
// reset the in-memory SwitchAttempts counter (spec §4.E, §7). A node
// dropped here stays on its current role until an operator clears its
// history via FaultHistory.Clear.
func (s *Scheduler) dropExhaustedSwitches(transitions []roleswitch.Transition, maxAttempts int) []roleswitch.Transition {
	if s.history == nil || maxAttempts <= 0 {
		return transitions
	}
	out := make([]roleswitch.Transition, 0, len(transitions))
	for _, t := range transitions {
		switchLog := log.WithSwitch(s.logger, t.NodeID, t.GroupID, "announcing")
		rec, err := s.history.Get(t.NodeID)
		if err != nil {
			switchLog.Warn().Err(err).Msg("read fault history failed, allowing switch")
			out = append(out, t)
			continue
		}
		if rec != nil && rec.Attempts >= maxAttempts {
			switchLog.Warn().Int("attempts", rec.Attempts).Msg("skipping switch, node has exhausted max_switch_attempts across restarts")
			continue
		}
		out = append(out, t)
	}
	return out
}

// recordSwitchHistory keeps the durable fault-history side-store (spec
// §4.E: repeated switch failures should survive a Controller restart,
// unlike the in-memory SwitchAttempts counter) in sync with this
// iteration's outcomes.
func (s *Scheduler) recordSwitchHistory(results []roleswitch.Result, desired map[uint64]types.Role) {
	if s.history == nil {
		return
	}
	for _, r := range results {
		if r.Err == nil {
			_ = s.history.Clear(r.NodeID)
			continue
		}
		_ = s.history.Record(r.NodeID, string(r.From), r.Err.Error(), desired[r.NodeID])
	}
}

func buildGroupLoad(groupID int, nodes []*types.NodeInfo) planner.GroupLoad {
	load := planner.GroupLoad{GroupID: groupID}
	for _, n := range nodes {
		switch n.CurrentRole {
		case types.RolePrefill:
			load.PrefillNodeCount++
			load.PrefillWaitingRequests += n.DynamicInfo.WaitingRequestNum
		case types.RoleDecode:
			load.DecodeNodeCount++
			load.DecodeWaitingRequests += n.DynamicInfo.WaitingRequestNum
		case types.RoleFlex:
			load.FlexNodeCount++
		}
		load.AvailSlots += n.DynamicInfo.AvailSlotsNum
		load.AvailBlocks += n.DynamicInfo.AvailBlockNum
	}
	return load
}

// computeTransitions diffs a group's current prefill/decode membership
// against a DesiredRatio and builds the Transition batch that closes the
// gap, plus the inputs SwitchGroup needs for the decoder-first rule:
// every current prefill node's IP (so newly-promoted decoders can be
// announced to existing decoders while still tagged prefill) and the IDs
// of decoders that are staying put this iteration.
func computeTransitions(nodes []*types.NodeInfo, desired types.DesiredRatio) ([]roleswitch.Transition, []string, []uint64) {
	var prefill, decode []*types.NodeInfo
	for _, n := range nodes {
		switch n.CurrentRole {
		case types.RolePrefill:
			prefill = append(prefill, n)
		case types.RoleDecode:
			decode = append(decode, n)
		}
	}
	sort.Slice(prefill, func(i, j int) bool { return prefill[i].ID < prefill[j].ID })
	sort.Slice(decode, func(i, j int) bool { return decode[i].ID < decode[j].ID })

	prefillIPs := make([]string, 0, len(prefill))
	for _, n := range prefill {
		prefillIPs = append(prefillIPs, n.IP)
	}

	var transitions []roleswitch.Transition

	switch gap := desired.Decode - len(decode); {
	case gap > 0:
		promote := prefill
		if gap < len(promote) {
			promote = promote[:gap]
		}
		for _, n := range promote {
			transitions = append(transitions, roleswitch.Transition{
				NodeID: n.ID, GroupID: desired.GroupID,
				CurrentRole: types.RolePrefill, DesiredRole: types.RoleDecode,
			})
		}
	case gap < 0:
		demote := decode
		if -gap < len(demote) {
			demote = demote[:-gap]
		}
		for _, n := range demote {
			transitions = append(transitions, roleswitch.Transition{
				NodeID: n.ID, GroupID: desired.GroupID,
				CurrentRole: types.RoleDecode, DesiredRole: types.RolePrefill,
			})
		}
	}

	transitioning := make(map[uint64]bool, len(transitions))
	for _, t := range transitions {
		transitioning[t.NodeID] = true
	}
	siblingDecoders := make([]uint64, 0, len(decode))
	for _, n := range decode {
		if !transitioning[n.ID] {
			siblingDecoders = append(siblingDecoders, n.ID)
		}
	}

	return transitions, prefillIPs, siblingDecoders
}

// publishView implements spec §4.F step 6: push the live view, excluding
// undefined-role nodes, to every registered coordinator.
func (s *Scheduler) publishView(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PublishDuration)

	snap := s.store.Snapshot()

	byGroup := make(map[int][]wireclient.PublishedNode)
	for _, n := range snap.Live {
		if n.CurrentRole == types.RoleUndefined {
			continue
		}
		peerIPs := make([]string, 0, len(n.Peers))
		for _, id := range n.Peers {
			if ip, ok := s.store.LookupIP(id); ok {
				peerIPs = append(peerIPs, ip)
			}
		}
		byGroup[n.GroupID] = append(byGroup[n.GroupID], wireclient.PublishedNode{
			ID: n.ID, IP: n.IP, Port: n.Port, Role: n.CurrentRole, PeerIPs: peerIPs,
		})
	}

	var groupIDs []int
	for gid := range byGroup {
		groupIDs = append(groupIDs, gid)
	}
	sort.Ints(groupIDs)

	view := wireclient.RefreshView{Groups: make([]wireclient.GroupView, 0, len(groupIDs))}
	for _, gid := range groupIDs {
		view.Groups = append(view.Groups, wireclient.GroupView{GroupID: gid, Nodes: byGroup[gid]})
	}

	if s.coord == nil {
		return
	}

	for _, c := range snap.Coordinators {
		err := s.coord.PushRefresh(ctx, c.IP, c.Port, view)
		s.store.MarkCoordinatorPushResult(c.Key(), err == nil)
		if err != nil {
			metrics.CoordinatorPushFailuresTotal.WithLabelValues(c.Key()).Inc()
			s.publish(events.EventPublishFailed, 0, 0, "publish to "+c.Key()+" failed: "+err.Error())
			continue
		}
		s.publish(events.EventPublishSucceeded, 0, 0, "published to "+c.Key())
	}
}

// persist implements spec §4.F step 7.
func (s *Scheduler) persist(cfg *config.Config) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PersistDuration)

	snap := s.store.Snapshot()
	w := process.NewWriter(cfg.ProcessManager.FilePath)
	if err := w.Write(snap.Live, snap.Faulty, s.alloc.Counter()); err != nil {
		metrics.PersistFailuresTotal.Inc()
		s.logger.Error().Err(err).Msg("failed to persist process status file, will retry next iteration")
		s.publish(events.EventPersistFailed, 0, 0, err.Error())
		return
	}
	s.publish(events.EventPersistSucceeded, 0, 0, "process status file persisted")
}

func (s *Scheduler) publish(t events.EventType, nodeID uint64, groupID int, msg string) {
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

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
