package scheduler

import (
	"context"
	"testing"

	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, cpu, mem int64) types.Node {
	return types.Node{ID: id, Ready: true, Capacity: types.Resources{CPUMillicores: cpu, MemoryMiB: mem}}
}

func view(n types.Node, allocs ...*types.Allocation) *registry.NodeView {
	remaining := n.Capacity
	for _, a := range allocs {
		if a.DesiredState == types.AllocDesiredRun {
			remaining = remaining.Sub(types.Resources{
				CPUMillicores: a.Resources.CPUMillicores,
				MemoryMiB:     a.Resources.MemoryMiB,
				GPU:           a.Resources.GPU,
			})
		}
	}
	return &registry.NodeView{Node: n, Allocations: allocs, Remaining: remaining}
}

func req(jobID, group string, cpu, mem int64) types.PlacementRequest {
	return types.PlacementRequest{
		JobID:     jobID,
		TaskGroup: group,
		Resources: types.ResourceRequest{CPUMillicores: cpu, MemoryMiB: mem},
		Weights:   types.DefaultScoreWeights(),
	}
}

func TestScheduleExactFitSingleNode(t *testing.T) {
	s := New()
	snap := registry.NewSnapshot([]*registry.NodeView{
		view(node("n1", 1000, 1000)),
	})

	assignments, deferrals := s.Schedule(context.Background(), []types.PlacementRequest{req("j1", "web", 1000, 1000)}, snap)
	require.Empty(t, deferrals)
	require.Len(t, assignments, 1)
	assert.Equal(t, "n1", assignments[0].NodeID)
}

func TestScheduleBinPacksThreeIntoTwo(t *testing.T) {
	s := New()
	// Two nodes of 1000 CPU each; three requests of 400 must all land
	// without exceeding capacity, packing two onto one node.
	snap := registry.NewSnapshot([]*registry.NodeView{
		view(node("n1", 1000, 2000)),
		view(node("n2", 1000, 2000)),
	})

	batch := []types.PlacementRequest{
		req("j1", "web", 400, 400),
		req("j1", "web", 400, 400),
		req("j1", "web", 400, 400),
	}
	assignments, deferrals := s.Schedule(context.Background(), batch, snap)
	require.Empty(t, deferrals)
	require.Len(t, assignments, 3)

	perNode := map[string]int{}
	for _, a := range assignments {
		perNode[a.NodeID]++
	}
	assert.Len(t, perNode, 2)
	for _, count := range perNode {
		assert.LessOrEqual(t, count, 2)
	}
}

func TestScheduleDefersOnInsufficientCapacity(t *testing.T) {
	s := New()
	snap := registry.NewSnapshot([]*registry.NodeView{
		view(node("n1", 100, 100)),
	})

	_, deferrals := s.Schedule(context.Background(), []types.PlacementRequest{req("j1", "web", 1000, 1000)}, snap)
	require.Len(t, deferrals, 1)
	assert.Equal(t, types.ReasonInsufficientResource, deferrals[0].Reason)
}

func TestScheduleEmptyBatch(t *testing.T) {
	s := New()
	snap := registry.NewSnapshot([]*registry.NodeView{view(node("n1", 1000, 1000))})

	assignments, deferrals := s.Schedule(context.Background(), nil, snap)
	assert.Empty(t, assignments)
	assert.Empty(t, deferrals)
}

func TestScheduleNoNodes(t *testing.T) {
	s := New()
	snap := registry.NewSnapshot(nil)

	_, deferrals := s.Schedule(context.Background(), []types.PlacementRequest{req("j1", "web", 100, 100)}, snap)
	require.Len(t, deferrals, 1)
	assert.Equal(t, types.ReasonNoFeasibleNodes, deferrals[0].Reason)
}

func TestScheduleExcludesDrainingAndNotReadyNodes(t *testing.T) {
	s := New()
	draining := node("n1", 1000, 1000)
	draining.Drain = true
	notReady := node("n2", 1000, 1000)
	notReady.Ready = false
	healthy := node("n3", 1000, 1000)

	snap := registry.NewSnapshot([]*registry.NodeView{
		view(draining), view(notReady), view(healthy),
	})

	assignments, deferrals := s.Schedule(context.Background(), []types.PlacementRequest{req("j1", "web", 100, 100)}, snap)
	require.Empty(t, deferrals)
	require.Len(t, assignments, 1)
	assert.Equal(t, "n3", assignments[0].NodeID)
}

func TestScheduleDeterministicTieBreakPrefersFewerAllocationsThenLowerID(t *testing.T) {
	s := New()
	busy := node("n2", 1000, 1000)
	idle := node("n1", 1000, 1000)

	busyAlloc := &types.Allocation{JobID: "other", TaskGroup: "x", NodeID: "n2", DesiredState: types.AllocDesiredRun, Resources: types.ResourceRequest{CPUMillicores: 10, MemoryMiB: 10}}
	snap := registry.NewSnapshot([]*registry.NodeView{
		view(busy, busyAlloc),
		view(idle),
	})

	// All weight on a dimension the request never activates, so every
	// feasible node scores zero and only the tie-break decides.
	r := req("j1", "web", 100, 100)
	r.Weights = types.ScoreWeights{GPULocality: 10_000}

	assignments, _ := s.Schedule(context.Background(), []types.PlacementRequest{r}, snap)
	require.Len(t, assignments, 1)
	assert.Equal(t, "n1", assignments[0].NodeID, "node with fewer existing allocations should win equal scores")

	// Equal allocation counts fall through to the smaller node id.
	empty := registry.NewSnapshot([]*registry.NodeView{
		view(node("n9", 1000, 1000)),
		view(node("n8", 1000, 1000)),
	})
	assignments, _ = s.Schedule(context.Background(), []types.PlacementRequest{r}, empty)
	require.Len(t, assignments, 1)
	assert.Equal(t, "n8", assignments[0].NodeID)
}

func TestScheduleHardConstraintExcludesNonMatchingNode(t *testing.T) {
	s := New()
	match := node("n1", 1000, 1000)
	match.Labels = map[string]string{"zone": "east"}
	noMatch := node("n2", 1000, 1000)
	noMatch.Labels = map[string]string{"zone": "west"}

	snap := registry.NewSnapshot([]*registry.NodeView{view(match), view(noMatch)})

	r := req("j1", "web", 100, 100)
	r.Constraints = []types.Constraint{{Kind: types.ConstraintEquals, Key: "zone", Values: []string{"east"}}}

	assignments, deferrals := s.Schedule(context.Background(), []types.PlacementRequest{r}, snap)
	require.Empty(t, deferrals)
	require.Len(t, assignments, 1)
	assert.Equal(t, "n1", assignments[0].NodeID)
}

func TestScheduleRequiredAntiAffinityRejectsSameNode(t *testing.T) {
	s := New()
	n1 := node("n1", 1000, 1000)
	existing := &types.Allocation{JobID: "j1", TaskGroup: "web", NodeID: "n1", DesiredState: types.AllocDesiredRun, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}}
	snap := registry.NewSnapshot([]*registry.NodeView{view(n1, existing)})

	r := req("j1", "web", 100, 100)
	r.AntiAffinities = []types.AntiAffinity{{Required: true}}

	_, deferrals := s.Schedule(context.Background(), []types.PlacementRequest{r}, snap)
	require.Len(t, deferrals, 1)
	assert.Equal(t, types.ReasonConstraintFailure, deferrals[0].Reason)
}

func TestScheduleSpreadPrefersLessOccupiedLabelValue(t *testing.T) {
	s := New()
	zoneA := node("n1", 1000, 1000)
	zoneA.Labels = map[string]string{"zone": "a"}
	zoneB := node("n2", 1000, 1000)
	zoneB.Labels = map[string]string{"zone": "b"}

	existing := &types.Allocation{JobID: "j1", TaskGroup: "web", NodeID: "n1", DesiredState: types.AllocDesiredRun, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}}
	snap := registry.NewSnapshot([]*registry.NodeView{view(zoneA, existing), view(zoneB)})

	r := req("j1", "web", 100, 100)
	r.SpreadLabel = "zone"

	assignments, deferrals := s.Schedule(context.Background(), []types.PlacementRequest{r}, snap)
	require.Empty(t, deferrals)
	require.Len(t, assignments, 1)
	assert.Equal(t, "n2", assignments[0].NodeID, "zone with no existing replicas should be preferred")
}

func TestScheduleSpreadsFourReplicasAcrossTwoZones(t *testing.T) {
	s := New()
	zones := map[string]string{"n1": "a", "n2": "a", "n3": "b", "n4": "b"}
	views := make([]*registry.NodeView, 0, len(zones))
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		n := node(id, 10000, 10000)
		n.Labels = map[string]string{"zone": zones[id]}
		views = append(views, view(n))
	}
	snap := registry.NewSnapshot(views)

	batch := make([]types.PlacementRequest, 4)
	for i := range batch {
		r := req("j1", "web", 100, 100)
		r.SpreadLabel = "zone"
		// Spread must dominate bin-packing for this workload.
		r.Weights = types.ScoreWeights{Spread: 10_000}
		batch[i] = r
	}

	assignments, deferrals := s.Schedule(context.Background(), batch, snap)
	require.Empty(t, deferrals)
	require.Len(t, assignments, 4)

	perZone := map[string]int{}
	for _, a := range assignments {
		perZone[zones[a.NodeID]]++
	}
	assert.Equal(t, 2, perZone["a"])
	assert.Equal(t, 2, perZone["b"])
	// Deterministic tie-breaks give the alphabetically-first node in each
	// zone the first placement.
	assert.Equal(t, "n1", assignments[0].NodeID)
	assert.Equal(t, "n3", assignments[1].NodeID)
}

func TestScheduleNeverOvercommitsWithinBatch(t *testing.T) {
	s := New()
	snap := registry.NewSnapshot([]*registry.NodeView{
		view(node("n1", 1000, 1000)),
		view(node("n2", 1000, 1000)),
	})

	// Three 600m requests onto two 1000m nodes: exactly one must defer, and
	// the two assignments must sit on distinct nodes.
	batch := []types.PlacementRequest{
		req("j1", "web", 600, 600),
		req("j1", "web", 600, 600),
		req("j1", "web", 600, 600),
	}
	assignments, deferrals := s.Schedule(context.Background(), batch, snap)
	require.Len(t, assignments, 2)
	require.Len(t, deferrals, 1)
	assert.Equal(t, types.ReasonInsufficientResource, deferrals[0].Reason)
	assert.Equal(t, "cpu", deferrals[0].Detail)
	assert.NotEqual(t, assignments[0].NodeID, assignments[1].NodeID)
}

func TestScheduleDeterministicAcrossPasses(t *testing.T) {
	build := func() *registry.NodeSnapshot {
		return registry.NewSnapshot([]*registry.NodeView{
			view(node("n3", 2000, 2000)),
			view(node("n1", 2000, 2000)),
			view(node("n2", 2000, 2000)),
		})
	}
	batch := []types.PlacementRequest{
		req("j1", "web", 300, 300),
		req("j1", "web", 300, 300),
		req("j2", "api", 500, 500),
	}

	first, _ := New().Schedule(context.Background(), batch, build())
	second, _ := New().Schedule(context.Background(), batch, build())
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].NodeID, second[i].NodeID)
		assert.Equal(t, first[i].Score, second[i].Score)
	}
}

func TestScoreCacheInvalidate(t *testing.T) {
	c := newScoreCache()
	allocs := []*types.Allocation{{JobID: "j1", TaskGroup: "web", DesiredState: types.AllocDesiredRun}}

	agg := c.get("n1", allocs)
	assert.Equal(t, 1, agg.AllocCount)

	c.Invalidate("n1")
	agg2 := c.get("n1", nil)
	assert.Equal(t, 0, agg2.AllocCount)
}
