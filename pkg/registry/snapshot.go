package registry

import "github.com/fleetd-io/fleetd/pkg/types"

// NodeView is a point-in-time, immutable copy of one node's state plus the
// allocations currently occupying it (desired state Run only). Scheduler
// Phase F/Phase S read from these copies; nothing they do can observe or
// disturb a concurrent heartbeat or drain.
type NodeView struct {
	Node        types.Node
	Allocations []*types.Allocation
	Remaining   types.Resources
}

// NodeSnapshot is a point-in-time immutable view of all node state: a
// frozen slice of NodeViews a scheduling pass reads from start to finish.
// Writes to the registry (heartbeats, drains) copy node records under their
// own locks; they never mutate a NodeSnapshot already handed out.
type NodeSnapshot struct {
	views []*NodeView
}

// Views returns the snapshot's node views: sorted by node id when built by
// NodeRegistry.Snapshot, in the given order when built by NewSnapshot.
// Callers must not mutate the returned slice's elements' Node/Allocations
// fields; they are shared copies, not handles into the live registry.
func (s *NodeSnapshot) Views() []*NodeView {
	return s.views
}

// Len reports how many nodes the snapshot holds.
func (s *NodeSnapshot) Len() int {
	return len(s.views)
}

// NewSnapshot builds a NodeSnapshot directly from a set of views, for
// callers that already have node/allocation data in hand, such as the
// scheduler tests.
func NewSnapshot(views []*NodeView) *NodeSnapshot {
	return &NodeSnapshot{views: views}
}
