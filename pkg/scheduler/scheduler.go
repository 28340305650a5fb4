package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/metrics"
	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs one batch of placement requests against a point-in-time
// NodeSnapshot through four phases: Filter, Score, Pick, Commit. A Scheduler
// is reconstructed on every leadership change alongside the registries it
// reads from; its ScoreCache is rebuilt from scratch at that point.
type Scheduler struct {
	logger zerolog.Logger
	cache  *ScoreCache
}

// New constructs a Scheduler with an empty ScoreCache.
func New() *Scheduler {
	return &Scheduler{
		logger: log.WithComponent("scheduler"),
		cache:  newScoreCache(),
	}
}

// Invalidate drops any cached per-node aggregate for nodeID. The reconciler
// calls this whenever it learns a node's allocation set changed outside of
// this scheduler's own Commit phase (an agent-reported terminal state, a
// drain, a node loss).
func (s *Scheduler) Invalidate(nodeID string) {
	s.cache.Invalidate(nodeID)
}

// Schedule runs Filter -> Score -> Pick -> Commit over batch against
// snapshot. Requests are processed strictly in the order given — callers
// that want priority or first-fit-decreasing behavior sort the batch before
// calling. Each successfully placed request immediately debits the committed
// resource/count deltas seen by every later request in the same batch, so
// bin-packing stays correct within a single pass even though no Allocation
// has actually been persisted yet. Given the same snapshot and the same
// batch in the same order, two passes produce identical assignments.
func (s *Scheduler) Schedule(ctx context.Context, batch []types.PlacementRequest, snapshot *registry.NodeSnapshot) ([]types.Assignment, []types.Deferral) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	pass := newPassState(snapshot, s.cache)

	assignments := make([]types.Assignment, 0, len(batch))
	deferrals := make([]types.Deferral, 0)

	for _, req := range batch {
		feasible, reason, detail := s.filter(pass, req)
		if len(feasible) == 0 {
			deferrals = append(deferrals, types.Deferral{Request: req, Reason: reason, Detail: detail})
			metrics.PlacementsDeferredTotal.WithLabelValues(string(reason)).Inc()
			continue
		}

		scores := s.score(ctx, pass, req, feasible)

		nodeID := pick(feasible, scores, pass)
		assignments = append(assignments, types.Assignment{Request: req, NodeID: nodeID, Score: scores[nodeID]})
		metrics.PlacementsTotal.Inc()
		pass.commit(nodeID, req)
	}

	return assignments, deferrals
}

// passState is the per-Schedule-call working state layered on top of the
// Scheduler's persistent ScoreCache. It tracks the resource/count deltas
// this batch has committed to each node so far, so later requests in the
// same batch see an up-to-date picture without mutating the registry.
type passState struct {
	snapshot *registry.NodeSnapshot
	cache    *ScoreCache

	nodeIDs []string // sorted, fixed iteration order for the whole pass
	views   map[string]*registry.NodeView

	mu          sync.Mutex
	committed   map[string]types.Resources // nodeID -> resources committed this pass
	groupOnNode map[string]int             // nodeID+"|"+jobID+"/"+taskGroup -> count committed this pass
}

func newPassState(snapshot *registry.NodeSnapshot, cache *ScoreCache) *passState {
	views := make(map[string]*registry.NodeView, snapshot.Len())
	ids := make([]string, 0, snapshot.Len())
	for _, v := range snapshot.Views() {
		views[v.Node.ID] = v
		ids = append(ids, v.Node.ID)
	}
	sort.Strings(ids)
	return &passState{
		snapshot:    snapshot,
		cache:       cache,
		nodeIDs:     ids,
		views:       views,
		committed:   make(map[string]types.Resources),
		groupOnNode: make(map[string]int),
	}
}

func (p *passState) remaining(nodeID string) types.Resources {
	v := p.views[nodeID]
	return v.Remaining.Sub(p.committed[nodeID].AsRequest())
}

func groupKey(jobID, taskGroup string) string { return jobID + "/" + taskGroup }

func nodeGroupKey(nodeID, jobID, taskGroup string) string {
	return nodeID + "|" + groupKey(jobID, taskGroup)
}

// sameGroupOnNode returns how many allocations of (jobID, taskGroup) sit on
// nodeID, counting both the node's pre-existing (cached) allocations and
// whatever this batch has already committed there.
func (p *passState) sameGroupOnNode(nodeID, jobID, taskGroup string) int {
	agg := p.cache.get(nodeID, p.views[nodeID].Allocations)
	p.mu.Lock()
	committed := p.groupOnNode[nodeGroupKey(nodeID, jobID, taskGroup)]
	p.mu.Unlock()
	return agg.GroupCount[groupKey(jobID, taskGroup)] + committed
}

// sameGroupByLabelValue buckets every node's sameGroupOnNode count by that
// node's value for labelKey, for the Spread dimension.
func (p *passState) sameGroupByLabelValue(jobID, taskGroup, labelKey string) map[string]int {
	counts := make(map[string]int)
	if labelKey == "" {
		return counts
	}
	for _, nodeID := range p.nodeIDs {
		val := nodeLabelValue(p.views[nodeID].Node, labelKey)
		if val == "" {
			continue
		}
		counts[val] += p.sameGroupOnNode(nodeID, jobID, taskGroup)
	}
	return counts
}

func (p *passState) commit(nodeID string, req types.PlacementRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.committed[nodeID]
	p.committed[nodeID] = types.Resources{
		CPUMillicores: cur.CPUMillicores + req.Resources.CPUMillicores,
		MemoryMiB:     cur.MemoryMiB + req.Resources.MemoryMiB,
		GPU:           cur.GPU + req.Resources.GPU,
	}
	p.groupOnNode[nodeGroupKey(nodeID, req.JobID, req.TaskGroup)]++
}

// filter is Phase F: exclude not-ready nodes, drained nodes, nodes without
// enough remaining capacity, and nodes failing a hard constraint or a
// required anti-affinity. When no node survives, the returned reason/detail
// reflect the most actionable exclusion cause, chosen deterministically:
// insufficient capacity beats constraint failure beats everything-draining.
func (s *Scheduler) filter(pass *passState, req types.PlacementRequest) ([]string, types.DeferralReason, string) {
	var feasible []string
	var capacityDetail, constraintDetail string
	var notReady, draining, capacity, constraint int

	for _, nodeID := range pass.nodeIDs {
		view := pass.views[nodeID]
		if !view.Node.Ready {
			notReady++
			continue
		}
		if view.Node.Drain {
			draining++
			continue
		}
		if remaining := pass.remaining(nodeID); !remaining.Fits(req.Resources) {
			capacity++
			if capacityDetail == "" {
				capacityDetail = insufficientResource(remaining, req.Resources)
			}
			continue
		}
		if ok, detail := evaluateConstraints(view.Node, req.Constraints); !ok {
			constraint++
			if constraintDetail == "" {
				constraintDetail = detail
			}
			continue
		}
		if ok, detail := evaluateRequiredAntiAffinity(pass, view.Node, req); !ok {
			constraint++
			if constraintDetail == "" {
				constraintDetail = detail
			}
			continue
		}
		feasible = append(feasible, nodeID)
	}

	if len(feasible) > 0 {
		return feasible, "", ""
	}

	switch {
	case capacity > 0:
		return nil, types.ReasonInsufficientResource, capacityDetail
	case constraint > 0:
		return nil, types.ReasonConstraintFailure, constraintDetail
	case draining > 0 && draining+notReady == len(pass.nodeIDs):
		return nil, types.ReasonAllCandidatesDraining, ""
	default:
		return nil, types.ReasonNoFeasibleNodes, ""
	}
}

// insufficientResource names the first resource dimension that cannot
// satisfy the request, for deferral detail.
func insufficientResource(remaining types.Resources, req types.ResourceRequest) string {
	switch {
	case remaining.CPUMillicores < req.CPUMillicores:
		return "cpu"
	case remaining.MemoryMiB < req.MemoryMiB:
		return "memory"
	default:
		return "gpu"
	}
}

// evaluateConstraints ANDs every hard Constraint against a candidate node.
func evaluateConstraints(node types.Node, constraints []types.Constraint) (bool, string) {
	for _, c := range constraints {
		if !evaluateConstraint(node, c) {
			return false, fmt.Sprintf("constraint %s on %s", c.Kind, c.Key)
		}
	}
	return true, ""
}

func nodeLabelValue(node types.Node, key string) string {
	switch key {
	case "datacenter":
		return node.Datacenter
	case "region":
		return node.Region
	case "version_tier":
		return node.VersionTier
	case "gpu_topology":
		return node.GPUTopology
	default:
		return node.Labels[key]
	}
}

func evaluateConstraint(node types.Node, c types.Constraint) bool {
	val := nodeLabelValue(node, c.Key)
	switch c.Kind {
	case types.ConstraintEquals:
		return len(c.Values) == 1 && val == c.Values[0]
	case types.ConstraintNotEquals:
		return len(c.Values) == 1 && val != c.Values[0]
	case types.ConstraintSetContainsAny:
		for _, want := range c.Values {
			if val == want {
				return true
			}
		}
		return false
	case types.ConstraintSetContainsAll:
		// A node carries exactly one value per key, so "contains all" of a
		// multi-value operand can only hold when the operand is a singleton.
		return len(c.Values) == 1 && val == c.Values[0]
	case types.ConstraintRegexMatch:
		if len(c.Values) != 1 {
			return false
		}
		re, err := regexp.Compile(c.Values[0])
		if err != nil {
			return false
		}
		return re.MatchString(val)
	case types.ConstraintVersionRange:
		return versionInRange(val, c.Values)
	default:
		return false
	}
}

// versionInRange does an integer-ordinal comparison; version tiers in this
// system are opaque strings like "v1", "v2", not semver.
func versionInRange(val string, bounds []string) bool {
	if len(bounds) != 2 {
		return false
	}
	v, ok := versionOrdinal(val)
	if !ok {
		return false
	}
	min, okMin := versionOrdinal(bounds[0])
	max, okMax := versionOrdinal(bounds[1])
	if !okMin || !okMax {
		return false
	}
	return v >= min && v <= max
}

func versionOrdinal(s string) (int, bool) {
	s = strings.TrimPrefix(s, "v")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// evaluateRequiredAntiAffinity fails the node if a required AntiAffinity
// would be violated by placing req there. Label "" means literal same-node
// exclusivity; any other Label generalizes to "same value of that node
// label" (e.g. rack, zone).
func evaluateRequiredAntiAffinity(pass *passState, node types.Node, req types.PlacementRequest) (bool, string) {
	for _, aa := range req.AntiAffinities {
		if !aa.Required {
			continue
		}
		if violatesAntiAffinity(pass, node, req, aa) {
			return false, fmt.Sprintf("anti-affinity %s", aa.Label)
		}
	}
	return true, ""
}

func violatesAntiAffinity(pass *passState, node types.Node, req types.PlacementRequest, aa types.AntiAffinity) bool {
	if aa.Label == "" {
		return pass.sameGroupOnNode(node.ID, req.JobID, req.TaskGroup) > 0
	}
	val := nodeLabelValue(node, aa.Label)
	if val == "" {
		return false
	}
	counts := pass.sameGroupByLabelValue(req.JobID, req.TaskGroup, aa.Label)
	return counts[val] > 0
}

// score is Phase S: compute the weighted integer composite for every
// feasible node, in parallel via errgroup, one goroutine's work per node.
// Nothing here mutates pass state, so the fan-out needs no coordination
// beyond the results map's own lock.
func (s *Scheduler) score(ctx context.Context, pass *passState, req types.PlacementRequest, feasible []string) map[string]int64 {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScoringDuration)

	scores := make(map[string]int64, len(feasible))
	var mu sync.Mutex

	spreadCounts := pass.sameGroupByLabelValue(req.JobID, req.TaskGroup, req.SpreadLabel)

	g, _ := errgroup.WithContext(ctx)
	for _, nodeID := range feasible {
		nodeID := nodeID
		g.Go(func() error {
			score := s.scoreNode(pass, req, nodeID, spreadCounts)
			mu.Lock()
			scores[nodeID] = score
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return scores
}

func (s *Scheduler) scoreNode(pass *passState, req types.PlacementRequest, nodeID string, spreadCounts map[string]int) int64 {
	view := pass.views[nodeID]
	weights := req.Weights
	if weights == (types.ScoreWeights{}) {
		weights = types.DefaultScoreWeights()
	}
	k := types.ScoringScale

	binPack := binPackScore(view.Node.Capacity, pass.remaining(nodeID), req.Resources)
	spread := spreadScore(view.Node, req.SpreadLabel, spreadCounts)
	gpuLocality := localityScore(req.GPULocality, view.Node.GPUTopology)
	versionAffinity := localityScore(req.VersionTier, view.Node.VersionTier)
	antiAffinity := softAntiAffinityScore(pass, view.Node, req)

	composite := (binPack*int64(weights.BinPack) +
		spread*int64(weights.Spread) +
		gpuLocality*int64(weights.GPULocality) +
		versionAffinity*int64(weights.VersionAffinity) +
		antiAffinity*int64(weights.SoftAntiAffinity)) / k

	return composite
}

// binPackScore implements (used_after * K) / capacity, averaged across CPU
// and memory so one saturated dimension doesn't mask an empty one. All
// arithmetic is 64-bit integer; no float enters the composite.
func binPackScore(capacity, remainingBefore types.Resources, req types.ResourceRequest) int64 {
	k := types.ScoringScale
	cpuScore := dimensionFillScore(capacity.CPUMillicores, remainingBefore.CPUMillicores, req.CPUMillicores, k)
	memScore := dimensionFillScore(capacity.MemoryMiB, remainingBefore.MemoryMiB, req.MemoryMiB, k)
	return (cpuScore + memScore) / 2
}

func dimensionFillScore(capacity, remainingBefore, req, k int64) int64 {
	if capacity <= 0 {
		return 0
	}
	usedAfter := capacity - (remainingBefore - req)
	if usedAfter < 0 {
		usedAfter = 0
	}
	return (usedAfter * k) / capacity
}

// spreadScore favors nodes whose SpreadLabel value currently holds fewer
// replicas of this task-group: K / (count+1), so an empty bucket scores K
// and a heavily populated one approaches 0.
func spreadScore(node types.Node, spreadLabel string, counts map[string]int) int64 {
	if spreadLabel == "" {
		return 0
	}
	val := nodeLabelValue(node, spreadLabel)
	if val == "" {
		return 0
	}
	k := types.ScoringScale
	count := int64(counts[val])
	return k / (count + 1)
}

func localityScore(want, have string) int64 {
	if want == "" {
		return 0
	}
	if want == have {
		return types.ScoringScale
	}
	return 0
}

// softAntiAffinityScore is a penalty dimension: it returns <= 0, proportional
// to how many replicas of this task-group already sit on the node, active
// whenever the task-group declares a non-required AntiAffinity.
func softAntiAffinityScore(pass *passState, node types.Node, req types.PlacementRequest) int64 {
	hasSoft := false
	for _, aa := range req.AntiAffinities {
		if !aa.Required {
			hasSoft = true
			break
		}
	}
	if !hasSoft {
		return 0
	}
	count := int64(pass.sameGroupOnNode(node.ID, req.JobID, req.TaskGroup))
	return -count * types.ScoringScale
}

// pick is Phase P: choose the highest-scoring feasible node, tie-breaking
// deterministically by fewest current allocations (existing + committed
// this pass), then lexicographically smallest node ID.
func pick(feasible []string, scores map[string]int64, pass *passState) string {
	best := feasible[0]
	for _, nodeID := range feasible[1:] {
		if better(nodeID, best, scores, pass) {
			best = nodeID
		}
	}
	return best
}

func better(a, b string, scores map[string]int64, pass *passState) bool {
	if scores[a] != scores[b] {
		return scores[a] > scores[b]
	}
	countA, countB := allocCount(pass, a), allocCount(pass, b)
	if countA != countB {
		return countA < countB
	}
	return a < b
}

func allocCount(pass *passState, nodeID string) int {
	agg := pass.cache.get(nodeID, pass.views[nodeID].Allocations)
	pass.mu.Lock()
	committed := 0
	for key, n := range pass.groupOnNode {
		if strings.HasPrefix(key, nodeID+"|") {
			committed += n
		}
	}
	pass.mu.Unlock()
	return agg.AllocCount + committed
}
