// Package registry holds the leader's in-memory, authoritative views of
// cluster state: the JobRegistry (admission, versioned job records) and the
// NodeRegistry (live node state, heartbeats, drain, failure detection). Both
// are constructed fresh when this node acquires leadership and discarded
// when it loses it; they are never globally-accessible singletons, only
// handles passed explicitly to the reconciler, scheduler, and autoscaler.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/pkg/cluster"
	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/metrics"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// nodeEntry pairs a node record with its own lock so concurrent heartbeat
// ingestion from many nodes never blocks on a single global mutex; only
// registration/removal (which change the map's key set) take the registry's
// coarse lock.
type nodeEntry struct {
	mu   sync.Mutex
	node types.Node
}

// heartbeatReport is one agent's batch of observed allocation states,
// queued for asynchronous ingestion.
type heartbeatReport struct {
	nodeID   string
	observed map[string]types.AllocObservedState
}

// NodeRegistry is the authoritative live view of all nodes. Writes to one
// node never disturb an in-progress scheduling pass reading a NodeSnapshot
// taken before the write.
//
// Observed allocation states arriving with heartbeats are ingested through
// a per-node mailbox drained by a background worker: a new report from a
// node whose previous report has not been processed yet replaces it (the
// oldest is dropped and counted), but last-heartbeat timestamps are always
// updated synchronously, so failure detection never lags ingestion.
type NodeRegistry struct {
	cluster *cluster.Cluster
	jobs    *JobRegistry
	logger  zerolog.Logger

	mu    sync.RWMutex
	nodes map[string]*nodeEntry

	pendingMu sync.Mutex
	pending   map[string]heartbeatReport
	notifyCh  chan struct{}

	failureThreshold time.Duration
	checkInterval    time.Duration

	stopCh chan struct{}
	once   sync.Once
}

// NewNodeRegistry constructs a NodeRegistry and loads existing node records
// from the durable store, rehydrating from BoltDB on startup rather than
// starting empty on every leadership change. jobs receives the observed
// allocation state transitions heartbeats carry.
func NewNodeRegistry(c *cluster.Cluster, jobs *JobRegistry, checkInterval, failureThreshold time.Duration) (*NodeRegistry, error) {
	nodes, err := c.Store().ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}

	nr := &NodeRegistry{
		cluster:          c,
		jobs:             jobs,
		logger:           log.WithComponent("node_registry"),
		nodes:            make(map[string]*nodeEntry, len(nodes)),
		pending:          make(map[string]heartbeatReport),
		notifyCh:         make(chan struct{}, 1),
		failureThreshold: failureThreshold,
		checkInterval:    checkInterval,
		stopCh:           make(chan struct{}),
	}
	for _, n := range nodes {
		nr.nodes[n.ID] = &nodeEntry{node: *n}
	}
	return nr, nil
}

// Start launches the background failure detector (a node silent for the
// failure threshold, by default 3x the heartbeat interval, is marked
// not-ready) and the heartbeat ingestion worker.
func (nr *NodeRegistry) Start() {
	go nr.detectFailures()
	go nr.ingest()
}

// Stop halts the background tasks.
func (nr *NodeRegistry) Stop() {
	nr.once.Do(func() { close(nr.stopCh) })
}

// Register adds or updates a node's capacity/label declaration. Idempotent:
// a re-register updates capacity and labels but never resets allocation
// linkage (allocations are looked up by node id from the job registry's
// index, not stored on the Node record).
func (nr *NodeRegistry) Register(info types.Node) (*types.Node, error) {
	nr.mu.Lock()
	entry, exists := nr.nodes[info.ID]
	if !exists {
		entry = &nodeEntry{}
		nr.nodes[info.ID] = entry
	}
	nr.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := time.Now()
	if !exists {
		info.RegisteredAt = now
		info.Ready = false
		entry.node = info
	} else {
		prior := entry.node
		info.RegisteredAt = prior.RegisteredAt
		info.Ready = prior.Ready
		info.Drain = prior.Drain
		info.LastHeartbeat = prior.LastHeartbeat
		info.Version = prior.Version + 1
		entry.node = info
	}

	out := entry.node
	if err := nr.persist(&out); err != nil {
		return nil, err
	}

	if !exists {
		nr.publish(types.EventNodeRegistered, out.ID, "node registered")
	}
	return &out, nil
}

// Heartbeat updates the node's last-heartbeat time, flips Ready on the
// first report, queues the agent's observed allocation states for
// ingestion, and returns the allocation orders currently standing for that
// node so the agent learns what to start and what to stop. The timestamp
// update is synchronous even when the ingestion mailbox overflows.
func (nr *NodeRegistry) Heartbeat(nodeID string, observed map[string]types.AllocObservedState, now time.Time) ([]*types.Allocation, error) {
	metrics.HeartbeatsTotal.Inc()

	nr.mu.RLock()
	entry, ok := nr.nodes[nodeID]
	nr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node not registered: %s", nodeID)
	}

	entry.mu.Lock()
	wasReady := entry.node.Ready
	entry.node.LastHeartbeat = now
	entry.node.Ready = true
	entry.node.Version++
	out := entry.node
	entry.mu.Unlock()

	if err := nr.persist(&out); err != nil {
		return nil, err
	}
	if !wasReady {
		nr.logger.Info().Str("node_id", nodeID).Msg("node ready")
	}

	if len(observed) > 0 {
		nr.enqueueReport(nodeID, observed)
	}

	return nr.ordersFor(nodeID)
}

func (nr *NodeRegistry) enqueueReport(nodeID string, observed map[string]types.AllocObservedState) {
	nr.pendingMu.Lock()
	if _, replaced := nr.pending[nodeID]; replaced {
		metrics.HeartbeatsDroppedTotal.Inc()
	}
	nr.pending[nodeID] = heartbeatReport{nodeID: nodeID, observed: observed}
	nr.pendingMu.Unlock()

	select {
	case nr.notifyCh <- struct{}{}:
	default:
	}
}

// ordersFor returns the standing allocation orders for nodeID: everything
// the control plane wants running or stopping there, minus allocations the
// agent has already confirmed terminated.
func (nr *NodeRegistry) ordersFor(nodeID string) ([]*types.Allocation, error) {
	allocs, err := nr.cluster.Store().ListAllocationsByNode(nodeID)
	if err != nil {
		return nil, err
	}
	out := allocs[:0]
	for _, a := range allocs {
		if a.DesiredState == types.AllocDesiredStop && a.ObservedState == types.AllocTerminated {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (nr *NodeRegistry) ingest() {
	for {
		select {
		case <-nr.notifyCh:
			nr.Flush()
		case <-nr.stopCh:
			return
		}
	}
}

// Flush synchronously applies every queued heartbeat report. The ingestion
// worker calls it on each mailbox signal; tests call it directly to make
// heartbeat side effects visible without sleeping.
func (nr *NodeRegistry) Flush() {
	nr.pendingMu.Lock()
	reports := make([]heartbeatReport, 0, len(nr.pending))
	for _, rep := range nr.pending {
		reports = append(reports, rep)
	}
	nr.pending = make(map[string]heartbeatReport)
	nr.pendingMu.Unlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].nodeID < reports[j].nodeID })
	for _, rep := range reports {
		ids := make([]string, 0, len(rep.observed))
		for id := range rep.observed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, allocID := range ids {
			if err := nr.jobs.ApplyObservedState(allocID, rep.nodeID, rep.observed[allocID]); err != nil {
				nr.logger.Error().
					Err(err).
					Str("node_id", rep.nodeID).
					Str("allocation_id", allocID).
					Msg("failed to apply observed allocation state")
			}
		}
	}
}

// Drain sets the drain flag; the reconciler evacuates existing allocations
// on its next tick and the scheduler's Phase F excludes the node from new
// placements immediately (drain is visible the instant this call returns).
func (nr *NodeRegistry) Drain(nodeID string) error {
	return nr.setDrain(nodeID, true)
}

// Undrain clears the drain flag, making the node eligible for placement
// again.
func (nr *NodeRegistry) Undrain(nodeID string) error {
	return nr.setDrain(nodeID, false)
}

func (nr *NodeRegistry) setDrain(nodeID string, drain bool) error {
	nr.mu.RLock()
	entry, ok := nr.nodes[nodeID]
	nr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node not registered: %s", nodeID)
	}

	entry.mu.Lock()
	entry.node.Drain = drain
	entry.node.Version++
	out := entry.node
	entry.mu.Unlock()

	if err := nr.persist(&out); err != nil {
		return err
	}
	if drain {
		nr.publish(types.EventNodeDrained, nodeID, "node drain requested")
	}
	return nil
}

// Get returns a copy of one node's current record.
func (nr *NodeRegistry) Get(nodeID string) (*types.Node, error) {
	nr.mu.RLock()
	entry, ok := nr.nodes[nodeID]
	nr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node not registered: %s", nodeID)
	}
	entry.mu.Lock()
	n := entry.node
	entry.mu.Unlock()
	return &n, nil
}

// Query returns nodes matching predicate, ordered by node id for
// determinism.
func (nr *NodeRegistry) Query(predicate func(*types.Node) bool) []*types.Node {
	nr.mu.RLock()
	defer nr.mu.RUnlock()

	out := make([]*types.Node, 0, len(nr.nodes))
	for _, entry := range nr.nodes {
		entry.mu.Lock()
		n := entry.node
		entry.mu.Unlock()
		if predicate == nil || predicate(&n) {
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot takes the point-in-time immutable view the scheduler's Phase F/S
// read from. allocsByNode supplies each node's current Run-desired
// allocations; the job registry owns that index, since allocations are
// cross-indexed by node but owned by their job.
func (nr *NodeRegistry) Snapshot(allocsByNode map[string][]*types.Allocation) *NodeSnapshot {
	nr.mu.RLock()
	defer nr.mu.RUnlock()

	views := make([]*NodeView, 0, len(nr.nodes))
	for id, entry := range nr.nodes {
		entry.mu.Lock()
		n := entry.node
		entry.mu.Unlock()

		allocs := allocsByNode[id]
		remaining := n.Capacity
		for _, a := range allocs {
			if a.DesiredState != types.AllocDesiredRun {
				continue
			}
			remaining = remaining.Sub(types.Resources{
				CPUMillicores: a.Resources.CPUMillicores,
				MemoryMiB:     a.Resources.MemoryMiB,
				GPU:           a.Resources.GPU,
			})
		}
		view := &NodeView{
			Node:        n,
			Allocations: allocs,
			Remaining:   remaining,
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Node.ID < views[j].Node.ID })
	return &NodeSnapshot{views: views}
}

func (nr *NodeRegistry) persist(n *types.Node) error {
	cmd, err := cluster.NewUpdateNodeCommand(n)
	if err != nil {
		return err
	}
	if nr.exists(n.ID) {
		return nr.cluster.Apply(cmd)
	}
	createCmd, err := cluster.NewCreateNodeCommand(n)
	if err != nil {
		return err
	}
	return nr.cluster.Apply(createCmd)
}

func (nr *NodeRegistry) exists(nodeID string) bool {
	_, err := nr.cluster.Store().GetNode(nodeID)
	return err == nil
}

func (nr *NodeRegistry) publish(t types.EventType, nodeID, msg string) {
	nr.cluster.EventBroker().Publish(&types.Event{
		Type:    t,
		NodeID:  nodeID,
		Message: msg,
	})
}

// detectFailures inspects heartbeats every checkInterval; a node silent for
// failureThreshold is marked not-ready, and its allocations are replaced on
// the next reconciler tick.
func (nr *NodeRegistry) detectFailures() {
	ticker := time.NewTicker(nr.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nr.sweep()
		case <-nr.stopCh:
			return
		}
	}
}

func (nr *NodeRegistry) sweep() {
	now := time.Now()

	nr.mu.RLock()
	entries := make([]*nodeEntry, 0, len(nr.nodes))
	for _, e := range nr.nodes {
		entries = append(entries, e)
	}
	nr.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		stale := entry.node.Ready && now.Sub(entry.node.LastHeartbeat) > nr.failureThreshold
		var out types.Node
		if stale {
			entry.node.Ready = false
			entry.node.Version++
			out = entry.node
		}
		entry.mu.Unlock()

		if stale {
			nr.logger.Warn().
				Str("node_id", out.ID).
				Dur("since_heartbeat", now.Sub(out.LastHeartbeat)).
				Msg("node failed heartbeat threshold, marking not-ready")
			if err := nr.persist(&out); err != nil {
				nr.logger.Error().Err(err).Str("node_id", out.ID).Msg("failed to persist not-ready transition")
			}
			nr.publish(types.EventNodeNotReady, out.ID, "heartbeat threshold exceeded")
		}
	}
}

// AllNodeIDs returns every known node id, sorted.
func (nr *NodeRegistry) AllNodeIDs() []string {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	ids := make([]string, 0, len(nr.nodes))
	for id := range nr.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
