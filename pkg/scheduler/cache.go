package scheduler

import (
	"sync"

	"github.com/fleetd-io/fleetd/pkg/types"
)

// nodeAggregate is the cached, already-summarized view of one node's current
// allocation set: total used resources and per-task-group allocation counts.
// Deriving this requires one scan of the node's allocations; everything
// downstream (BinPack, Spread, SoftAntiAffinity) reads it in constant time.
type nodeAggregate struct {
	AllocCount int
	GroupCount map[string]int // jobID+"/"+taskGroup -> count on this node
}

// ScoreCache holds one nodeAggregate per node, keyed by node id, and is
// reused across scheduling passes for the lifetime of a Scheduler. A cache
// hit avoids re-scanning a node's allocation slice; a miss computes and
// stores. Entries are invalidated explicitly, never by TTL: the reconciler
// calls Invalidate whenever a node's real allocation set changes (an agent
// state report, a termination, a node loss).
type ScoreCache struct {
	mu      sync.Mutex
	entries map[string]*nodeAggregate
}

func newScoreCache() *ScoreCache {
	return &ScoreCache{entries: make(map[string]*nodeAggregate)}
}

// get returns the cached aggregate for nodeID, computing and storing it from
// allocs on a miss.
func (c *ScoreCache) get(nodeID string, allocs []*types.Allocation) *nodeAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()

	if agg, ok := c.entries[nodeID]; ok {
		return agg
	}

	agg := &nodeAggregate{GroupCount: make(map[string]int)}
	for _, a := range allocs {
		if a.DesiredState != types.AllocDesiredRun {
			continue
		}
		agg.AllocCount++
		agg.GroupCount[a.JobID+"/"+a.TaskGroup]++
	}
	c.entries[nodeID] = agg
	return agg
}

// Invalidate drops the cached aggregate for nodeID, if any.
func (c *ScoreCache) Invalidate(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, nodeID)
}

// InvalidateAll drops every cached entry.
func (c *ScoreCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*nodeAggregate)
}
