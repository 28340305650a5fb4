package reconciler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/pkg/config"
	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/metrics"
	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/scheduler"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// deferralWarnAttempts is how many consecutive deferrals a placement request
// accumulates before the job gets a user-visible warning event. The job
// itself never fails from deferral; it stays Pending or Degraded.
const deferralWarnAttempts = 5

// Dispatcher is the one-way handoff from a freshly committed Allocation to
// the send path that actually tells an agent to start it. Implemented by
// pkg/dispatch.Queue; declared here so this package never imports dispatch
// and the two can be wired independently by cmd/fleetd.
type Dispatcher interface {
	Enqueue(alloc *types.Allocation)
}

// Reconciler drives the control loop: each tick diffs every job's desired
// task-group replica counts against its observed allocation set, applies
// terminations, hands all placement requests to the scheduler as one batch,
// and recomputes job status last. It holds no state that survives a
// leadership change; cmd/fleetd constructs a new Reconciler (over new
// registries) every time this node becomes leader.
type Reconciler struct {
	jobs  *registry.JobRegistry
	nodes *registry.NodeRegistry
	sched *scheduler.Scheduler
	disp  Dispatcher

	cfg    config.TickConfig
	logger zerolog.Logger

	// retry is touched only from Tick; ticks are strictly serial, so no
	// lock guards it.
	retry map[string]*retryEntry

	stopCh chan struct{}
	once   sync.Once
}

// retryEntry tracks one placement request's backoff state across ticks, so
// a deferred placement is retried with exponential backoff and jitter
// rather than hammering the scheduler every tick.
type retryEntry struct {
	attempts    int
	nextAttempt time.Time
}

// New constructs a Reconciler. jobs/nodes/sched are scoped to the current
// leadership term; disp may be nil in tests that only want to observe
// scheduling decisions.
func New(jobs *registry.JobRegistry, nodes *registry.NodeRegistry, sched *scheduler.Scheduler, disp Dispatcher, cfg config.TickConfig) *Reconciler {
	return &Reconciler{
		jobs:   jobs,
		nodes:  nodes,
		sched:  sched,
		disp:   disp,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		retry:  make(map[string]*retryEntry),
		stopCh: make(chan struct{}),
	}
}

// Start begins the tick loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the tick loop.
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run(ctx context.Context) {
	interval := r.cfg.ReconcilerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// nodeState is the per-tick summary of one node's eligibility, shared by
// every job's reconciliation within the tick.
type nodeState struct {
	ready bool
	drain bool
}

// Tick runs exactly one reconciliation cycle: it is exported so tests (and
// an operator-triggered "reconcile now" command) can drive it directly
// instead of waiting on the ticker. Ticks are serial; per job, terminations
// are applied first, then placements, then the status write.
func (r *Reconciler) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	jobs, err := r.jobs.List(func(j *types.Job) bool { return j.Status != types.JobDead })
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list jobs")
		return
	}

	allocsByNode, err := r.jobs.AllocationsByNode()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to index allocations by node")
		return
	}
	snapshot := r.nodes.Snapshot(allocsByNode)

	states := make(map[string]nodeState, snapshot.Len())
	for _, v := range snapshot.Views() {
		states[v.Node.ID] = nodeState{ready: v.Node.Ready, drain: v.Node.Drain}
	}

	// Terminations are applied inline per job; placements are collected for
	// one cross-job scheduling pass so bin-packing considers the whole
	// cluster at once instead of starving later jobs of capacity a
	// job-by-job pass would have already spent.
	var batch []types.PlacementRequest
	for _, job := range jobs {
		batch = append(batch, r.reconcileJob(job, states)...)
	}

	if len(batch) > 0 {
		// Priority first, then descending CPU demand: first-fit-decreasing
		// ordering lets the scheduler pack big replicas before the batch's
		// remainders fragment the free capacity.
		sort.SliceStable(batch, func(i, j int) bool {
			if batch[i].Priority != batch[j].Priority {
				return batch[i].Priority > batch[j].Priority
			}
			return batch[i].Resources.CPUMillicores > batch[j].Resources.CPUMillicores
		})
		assignments, deferrals := r.sched.Schedule(ctx, batch, snapshot)

		for _, a := range assignments {
			r.commitAssignment(a)
			delete(r.retry, retryKey(a.Request))
		}
		for _, d := range deferrals {
			r.scheduleRetry(d)
		}
	}

	for _, job := range jobs {
		r.updateJobStatus(job)
	}
}

// reconcileJob diffs one job's task-groups against their observed
// allocations, applying terminations inline and returning the placement
// requests needed to fill remaining slots.
func (r *Reconciler) reconcileJob(job *types.Job, states map[string]nodeState) []types.PlacementRequest {
	allocs, err := r.jobs.AllocationsByJob(job.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to load job allocations")
		return nil
	}

	byGroup := make(map[string][]*types.Allocation)
	for _, a := range allocs {
		if a.DesiredState == types.AllocDesiredRun {
			byGroup[a.TaskGroup] = append(byGroup[a.TaskGroup], a)
		}
	}

	if job.Status == types.JobStopped {
		r.reconcileStoppedJob(job, byGroup)
		return nil
	}

	var placements []types.PlacementRequest
	for _, tg := range job.TaskGroups {
		placements = append(placements, r.reconcileTaskGroup(job, tg, byGroup[tg.Name], states)...)
	}
	return placements
}

// reconcileStoppedJob tears down a stopped job's allocations: all at once
// if StopDrain is false, paced by the task-group's rolling budget if true.
func (r *Reconciler) reconcileStoppedJob(job *types.Job, byGroup map[string][]*types.Allocation) {
	for _, tg := range job.TaskGroups {
		active := byGroup[tg.Name]
		if len(active) == 0 {
			continue
		}
		sortByReplicaIndex(active)

		n := len(active)
		if job.StopDrain {
			plan := planRollout(tg.UpdateConfig, 0, len(active), len(active))
			n = plan.MaxReplace
		}
		for i := 0; i < n && i < len(active); i++ {
			r.terminate(active[i], types.TerminationJobStopped)
		}
	}
}

// reconcileTaskGroup handles one task-group's eviction (lost nodes,
// draining nodes, failed tasks), rollout-gated version replacement, and
// desired-count diffing.
func (r *Reconciler) reconcileTaskGroup(job *types.Job, tg *types.TaskGroup, active []*types.Allocation, states map[string]nodeState) []types.PlacementRequest {
	var kept []*types.Allocation
	for _, a := range active {
		state, exists := states[a.NodeID]
		switch {
		case !exists || !state.ready:
			r.terminate(a, types.TerminationNodeLost)
			continue
		case state.drain:
			r.terminate(a, types.TerminationOperatorStop)
			continue
		case a.ObservedState == types.AllocTerminated:
			// The agent reported the task dead on its own; replace it.
			r.terminate(a, types.TerminationUnhealthyCheck)
			continue
		case a.ObservedState == types.AllocUnhealthy && time.Since(a.UpdatedAt) > r.cfg.UnhealthyGrace:
			r.terminate(a, types.TerminationUnhealthyCheck)
			continue
		}
		// A dispatch send that timed out leaves an allocation Pending
		// without ever terminating it; redrive it here instead of waiting
		// on an eviction path.
		if a.ObservedState == types.AllocPending && r.disp != nil && time.Since(a.UpdatedAt) > r.cfg.UnhealthyGrace {
			r.disp.Enqueue(a)
		}
		kept = append(kept, a)
	}

	var outdated []*types.Allocation
	for _, a := range kept {
		if a.JobVersion != job.SpecVersion {
			outdated = append(outdated, a)
		}
	}
	sortByReplicaIndex(outdated)

	plan := planRollout(tg.UpdateConfig, tg.DesiredCount, len(kept), len(outdated))
	for i := 0; i < plan.MaxReplace && i < len(outdated); i++ {
		r.terminate(outdated[i], types.TerminationPreempted)
		kept = removeAllocation(kept, outdated[i])
	}

	// Scale-down stops the highest replica indices first, so the surviving
	// indices always form a prefix of [0, desired).
	if len(kept) > tg.DesiredCount {
		sortByReplicaIndex(kept)
		surplus := len(kept) - tg.DesiredCount
		for i := len(kept) - 1; i >= 0 && surplus > 0; i-- {
			r.terminate(kept[i], types.TerminationOperatorStop)
			kept = append(kept[:i], kept[i+1:]...)
			surplus--
		}
	}

	occupied := make(map[int]bool, len(kept))
	for _, a := range kept {
		occupied[a.ReplicaIndex] = true
	}

	var requests []types.PlacementRequest
	for idx := 0; idx < tg.DesiredCount; idx++ {
		if occupied[idx] {
			continue
		}
		key := retryKeyParts(job.ID, tg.Name, idx)
		if entry, ok := r.retry[key]; ok && time.Now().Before(entry.nextAttempt) {
			continue
		}
		requests = append(requests, types.PlacementRequest{
			JobID:          job.ID,
			JobVersion:     job.SpecVersion,
			TaskGroup:      tg.Name,
			ReplicaIndex:   idx,
			Priority:       0,
			Resources:      tg.Resources,
			Labels:         tg.Labels,
			Constraints:    tg.Constraints,
			AntiAffinities: tg.AntiAffinities,
			GPULocality:    tg.GPULocality,
			VersionTier:    tg.VersionTier,
			SpreadLabel:    tg.SpreadLabel,
			Weights:        tg.Weights,
		})
	}
	return requests
}

// terminate flips an allocation's desired state to Stop. EventAllocationTerminated
// itself is published once the agent heartbeat confirms the stop, not here;
// see JobRegistry.ApplyObservedState.
func (r *Reconciler) terminate(a *types.Allocation, reason types.TerminationReason) {
	a.DesiredState = types.AllocDesiredStop
	a.Reason = reason
	a.TerminatedAt = time.Now()
	if err := r.jobs.UpdateAllocation(a); err != nil {
		r.logger.Error().Err(err).Str("allocation_id", a.ID).Msg("failed to persist termination")
		return
	}
	metrics.AllocationsTerminatedTotal.WithLabelValues(string(reason)).Inc()
	r.sched.Invalidate(a.NodeID)
}

func (r *Reconciler) commitAssignment(a types.Assignment) {
	alloc := &types.Allocation{
		JobID:         a.Request.JobID,
		JobVersion:    a.Request.JobVersion,
		TaskGroup:     a.Request.TaskGroup,
		ReplicaIndex:  a.Request.ReplicaIndex,
		NodeID:        a.NodeID,
		Resources:     a.Request.Resources,
		Labels:        a.Request.Labels,
		DesiredState:  types.AllocDesiredRun,
		ObservedState: types.AllocPending,
	}
	if err := r.jobs.CreateAllocation(alloc); err != nil {
		r.logger.Error().Err(err).Str("job_id", alloc.JobID).Msg("failed to persist allocation")
		return
	}
	r.sched.Invalidate(alloc.NodeID)
	if r.disp != nil {
		r.disp.Enqueue(alloc)
	}
}

func (r *Reconciler) scheduleRetry(d types.Deferral) {
	key := retryKey(d.Request)

	entry, ok := r.retry[key]
	if !ok {
		entry = &retryEntry{}
		r.retry[key] = entry
	}
	entry.attempts++
	entry.nextAttempt = time.Now().Add(r.backoff(entry.attempts))

	r.logger.Warn().
		Str("job_id", d.Request.JobID).
		Str("task_group", d.Request.TaskGroup).
		Int("replica_index", d.Request.ReplicaIndex).
		Str("reason", string(d.Reason)).
		Str("detail", d.Detail).
		Int("attempts", entry.attempts).
		Time("next_attempt", entry.nextAttempt).
		Msg("placement deferred")

	if entry.attempts == deferralWarnAttempts {
		r.jobs.Broker().Publish(&types.Event{
			Type:  types.EventPlacementDeferred,
			JobID: d.Request.JobID,
			Message: fmt.Sprintf("task-group %s replica %d deferred %d times: %s %s",
				d.Request.TaskGroup, d.Request.ReplicaIndex, entry.attempts, d.Reason, d.Detail),
		})
	}
}

// backoff computes base*2^(attempts-1), capped at RetryMaxBackoff, jittered
// by +/- RetryJitterFraction.
func (r *Reconciler) backoff(attempts int) time.Duration {
	base := r.cfg.RetryBaseBackoff
	if base <= 0 {
		base = 2 * time.Second
	}
	max := r.cfg.RetryMaxBackoff
	if max <= 0 {
		max = 60 * time.Second
	}

	d := base
	for i := 1; i < attempts && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	jitterFraction := r.cfg.RetryJitterFraction
	if jitterFraction <= 0 {
		return d
	}
	jitter := float64(d) * jitterFraction * (2*rand.Float64() - 1)
	return d + time.Duration(jitter)
}

// updateJobStatus recomputes and persists a job's status from its current
// allocation set, called once the tick's terminations and placements have
// both been committed. Running requires every task-group to have at least
// its desired count of observed-healthy replicas; a job that has never
// gotten that far stays Pending until the first agent reports arrive, and
// drops to Degraded when it falls back below desired afterwards.
func (r *Reconciler) updateJobStatus(job *types.Job) {
	allocs, err := r.jobs.AllocationsByJob(job.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to load allocations for status")
		return
	}

	if job.Status == types.JobStopped {
		// Dead only once nothing is meant to run and nothing the agents
		// started is still alive. An allocation stopped before its agent
		// ever launched it (observed Pending) counts as already gone.
		live := 0
		for _, a := range allocs {
			started := a.ObservedState == types.AllocStarting ||
				a.ObservedState == types.AllocHealthy ||
				a.ObservedState == types.AllocUnhealthy
			if a.DesiredState == types.AllocDesiredRun || started {
				live++
			}
		}
		if live == 0 {
			r.transitionStatus(job.ID, types.JobDead)
		}
		return
	}

	healthyByGroup := make(map[string]int)
	reported := false
	for _, a := range allocs {
		if a.DesiredState != types.AllocDesiredRun {
			continue
		}
		if a.ObservedState != types.AllocPending {
			reported = true
		}
		if a.ObservedState == types.AllocHealthy {
			healthyByGroup[a.TaskGroup]++
		}
	}

	allHealthy := true
	for _, tg := range job.TaskGroups {
		if healthyByGroup[tg.Name] < tg.DesiredCount {
			allHealthy = false
			break
		}
	}

	switch {
	case allHealthy:
		r.transitionStatus(job.ID, types.JobRunning)
	case job.Status == types.JobPending && !reported:
		// Initial convergence; nothing has come up yet, nothing has failed.
	default:
		r.transitionStatus(job.ID, types.JobDegraded)
	}
}

func (r *Reconciler) transitionStatus(jobID string, status types.JobStatus) {
	if err := r.jobs.UpdateStatus(jobID, status); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Str("status", string(status)).Msg("failed to persist status transition")
	}
}

func retryKey(req types.PlacementRequest) string {
	return retryKeyParts(req.JobID, req.TaskGroup, req.ReplicaIndex)
}

func retryKeyParts(jobID, taskGroup string, replicaIndex int) string {
	return jobID + "/" + taskGroup + "/" + strconv.Itoa(replicaIndex)
}

func sortByReplicaIndex(allocs []*types.Allocation) {
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].ReplicaIndex < allocs[j].ReplicaIndex })
}

func removeAllocation(allocs []*types.Allocation, target *types.Allocation) []*types.Allocation {
	out := allocs[:0]
	for _, a := range allocs {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}
