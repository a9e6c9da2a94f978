// Package prober implements the Controller's Worker Prober (spec §4.D):
// a cooperative bounded worker pool that initializes, polls and
// re-announces peers to every live node, updating the Node Status Store
// as it goes.
package prober

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

// maxConsecutiveFailures is the probe-failure threshold that marks a
// node faulty with reason "unreachable" (spec §4.D step 2).
const maxConsecutiveFailures = 3

// Prober runs one probe cycle across every live node in the Store on a
// bounded worker pool, rather than one goroutine per node (spec §4.D:
// "scheduled on a cooperative worker pool, not one thread per node").
type Prober struct {
	store   *store.Store
	client  wireclient.WorkerClient
	broker  *events.Broker
	workers int
}

// New builds a Prober bounded to workers concurrent in-flight probes.
func New(st *store.Store, client wireclient.WorkerClient, broker *events.Broker, workers int) *Prober {
	if workers <= 0 {
		workers = 16
	}
	return &Prober{store: st, client: client, broker: broker, workers: workers}
}

// ProbeAll runs one probe iteration over every currently live node,
// bounded to p.workers concurrent HTTP round-trips (spec §4.F step 3).
func (p *Prober) ProbeAll(ctx context.Context) {
	snap := p.store.Snapshot()
	if len(snap.Live) == 0 {
		return
	}

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	for _, n := range snap.Live {
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.probeOne(ctx, n)
		}()
	}

	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, n *types.NodeInfo) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProbeDuration, "status")

	if !n.IsInitialized {
		p.fetchConfig(ctx, n)
	}

	failed := p.fetchStatus(ctx, n)
	if failed {
		return
	}

	p.reannounceIfNeeded(ctx, n)
}

// fetchConfig implements spec §4.D step 1.
func (p *Prober) fetchConfig(ctx context.Context, n *types.NodeInfo) {
	info, err := p.client.GetConfig(ctx, n.IP, n.MgmtPort)
	if err != nil {
		if _, fatal := err.(*wireclient.FatalError); fatal {
			metrics.ProbeFailuresTotal.WithLabelValues("fatal_config").Inc()
			p.markFaulty(n.ID, "config_rejected")
			return
		}
		metrics.ProbeFailuresTotal.WithLabelValues("transient_config").Inc()
		return
	}

	_ = p.store.Mutate(n.ID, func(stored *types.NodeInfo) {
		stored.StaticInfo = *info
		stored.IsInitialized = true
	})
	p.publish(events.EventNodeInitialized, n.ID, info.GroupID, "node initialized")
}

// fetchStatus implements spec §4.D step 2. Returns true if the node was
// marked faulty as a result.
func (p *Prober) fetchStatus(ctx context.Context, n *types.NodeInfo) bool {
	status, err := p.client.GetStatus(ctx, n.IP, n.MgmtPort)
	if err != nil {
		metrics.ProbeFailuresTotal.WithLabelValues("status").Inc()

		var consecutive int
		_ = p.store.Mutate(n.ID, func(stored *types.NodeInfo) {
			stored.ConsecutiveProbeFailures++
			consecutive = stored.ConsecutiveProbeFailures
			stored.IsHealthy = false
		})

		if consecutive >= maxConsecutiveFailures {
			p.markFaulty(n.ID, "unreachable")
			return true
		}
		return false
	}

	_ = p.store.Mutate(n.ID, func(stored *types.NodeInfo) {
		stored.DynamicInfo = status.DynamicInfo
		stored.CurrentRole = status.CurrentRole
		stored.RoleState = status.RoleState
		stored.ActivePeers = status.ActivePeers
		stored.ConsecutiveProbeFailures = 0
		stored.IsHealthy = true

		if stored.CurrentRole == types.RoleDecode && len(status.Peers) > 0 {
			stored.Peers = mergePeers(stored.Peers, status.Peers)
		}
	})
	return false
}

// reannounceIfNeeded implements spec §4.D step 3.
func (p *Prober) reannounceIfNeeded(ctx context.Context, n *types.NodeInfo) {
	current, ok := p.store.GetLive(n.ID)
	if !ok || current.CurrentRole != types.RoleDecode {
		return
	}
	if current.ActivePeersCoverPeers() {
		return
	}

	peerRefs := make([]types.PeerRef, 0, len(current.Peers))
	for _, id := range current.Peers {
		if ip, ok := p.store.LookupIP(id); ok {
			peerRefs = append(peerRefs, types.PeerRef{ServerIP: ip})
		}
	}

	if err := p.client.PostRole(ctx, current.IP, current.MgmtPort, types.RoleDecode, peerRefs); err != nil {
		log.WithNode(log.Logger, current).Warn().Err(err).Msg("peer re-announce failed")
	}
}

func (p *Prober) markFaulty(id uint64, reason string) {
	if err := p.store.MarkFaulty(id, reason); err != nil {
		return
	}
	metrics.NodesMarkedFaultyTotal.WithLabelValues(reason).Inc()
	p.publish(events.EventNodeFaulty, id, 0, fmt.Sprintf("node marked faulty: %s", reason))
}

func (p *Prober) publish(t events.EventType, nodeID uint64, groupID int, msg string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		GroupID:   groupID,
		Message:   msg,
	})
}

// mergePeers appends any id from fresh not already present in existing,
// preserving existing order (spec §4.D step 2: "update peers if decode
// and payload includes new peers").
func mergePeers(existing, fresh []uint64) []uint64 {
	have := make(map[uint64]bool, len(existing))
	for _, id := range existing {
		have[id] = true
	}
	out := append([]uint64(nil), existing...)
	for _, id := range fresh {
		if !have[id] {
			out = append(out, id)
			have[id] = true
		}
	}
	return out
}
