package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/pkg/cluster"
	"github.com/fleetd-io/fleetd/pkg/config"
	"github.com/fleetd-io/fleetd/pkg/events"
	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrVersionConflict is returned by CAS update paths (replica-count changes,
// admission re-submission) when the caller's expected version no longer
// matches the stored job.
var ErrVersionConflict = fmt.Errorf("job version conflict")

// JobRegistry exclusively owns Job records and the Allocation records
// cross-indexed to them. Writes are serialized through a single in-process
// mutex acting as a single-writer actor; reads go straight to the durable
// store, which is itself a copy-on-write snapshot per write (BoltDB's view
// transactions).
type JobRegistry struct {
	cluster *cluster.Cluster
	logger  zerolog.Logger
	cfg     config.AdmissionConfig

	mu sync.Mutex
}

// NewJobRegistry constructs a JobRegistry backed by cluster's durable store.
func NewJobRegistry(c *cluster.Cluster, cfg config.AdmissionConfig) *JobRegistry {
	return &JobRegistry{
		cluster: c,
		logger:  log.WithComponent("job_registry"),
		cfg:     cfg,
	}
}

// Submit performs admission and persists a new job. Resubmitting an
// existing job id is idempotent: a spec carrying no version (a retry of the
// original submission) or the job's current version returns the existing
// record untouched, and anything else is a version conflict — updates go
// through Update, not Submit.
func (r *JobRegistry) Submit(spec *types.Job) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.Namespace == "" {
		spec.Namespace = "default"
	}

	if existing, err := r.cluster.Store().GetJob(spec.ID); err == nil {
		if spec.Version == 0 || existing.Version == spec.Version {
			return existing, nil
		}
		return nil, fmt.Errorf("job %s already exists at version %d: %w", spec.ID, existing.Version, ErrVersionConflict)
	}

	if err := r.admit(spec); err != nil {
		return nil, err
	}

	now := time.Now()
	spec.Version = 1
	spec.SpecVersion = 1
	spec.Status = types.JobPending
	spec.CreatedAt = now
	spec.UpdatedAt = now
	for _, tg := range spec.TaskGroups {
		if tg.Weights == (types.ScoreWeights{}) {
			tg.Weights = types.DefaultScoreWeights()
		}
	}

	cmd, err := cluster.NewCreateJobCommand(spec)
	if err != nil {
		return nil, err
	}
	if err := r.cluster.Apply(cmd); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	r.publish(types.EventJobSubmitted, spec.ID, "job submitted")
	return spec, nil
}

// admit runs the schema and quota checks every submission must pass.
func (r *JobRegistry) admit(spec *types.Job) error {
	if len(spec.TaskGroups) == 0 {
		return fmt.Errorf("job %s: at least one task-group is required", spec.ID)
	}

	seen := make(map[string]bool, len(spec.TaskGroups))
	var reqCPU, reqMem int64
	for _, tg := range spec.TaskGroups {
		if tg.Name == "" {
			return fmt.Errorf("job %s: task-group name must not be empty", spec.ID)
		}
		if seen[tg.Name] {
			return fmt.Errorf("job %s: duplicate task-group name %q", spec.ID, tg.Name)
		}
		seen[tg.Name] = true

		if tg.DesiredCount < 0 {
			return fmt.Errorf("task-group %s: desired count must be non-negative", tg.Name)
		}
		if r.cfg.MaxReplicasPerGroup > 0 && tg.DesiredCount > r.cfg.MaxReplicasPerGroup {
			return fmt.Errorf("task-group %s: desired count %d exceeds server maximum %d", tg.Name, tg.DesiredCount, r.cfg.MaxReplicasPerGroup)
		}
		if tg.Resources.CPUMillicores <= 0 || tg.Resources.MemoryMiB <= 0 {
			return fmt.Errorf("task-group %s: resource requests must be strictly positive", tg.Name)
		}

		reqCPU += tg.Resources.CPUMillicores * int64(tg.DesiredCount)
		reqMem += tg.Resources.MemoryMiB * int64(tg.DesiredCount)
	}

	return r.checkQuota(spec.Submitter, spec.ID, reqCPU, reqMem)
}

// checkQuota sums the submitter's other jobs' requested resources against
// the server-configured default quota.
func (r *JobRegistry) checkQuota(submitter, excludeJobID string, reqCPU, reqMem int64) error {
	if submitter == "" {
		return nil
	}
	jobs, err := r.cluster.Store().ListJobs()
	if err != nil {
		return fmt.Errorf("failed to list jobs for quota check: %w", err)
	}

	var usedCPU, usedMem int64
	for _, j := range jobs {
		if j.Submitter != submitter || j.ID == excludeJobID || j.Status == types.JobDead {
			continue
		}
		for _, tg := range j.TaskGroups {
			usedCPU += tg.Resources.CPUMillicores * int64(tg.DesiredCount)
			usedMem += tg.Resources.MemoryMiB * int64(tg.DesiredCount)
		}
	}

	if r.cfg.DefaultCPUQuotaM > 0 && usedCPU+reqCPU > r.cfg.DefaultCPUQuotaM {
		return fmt.Errorf("submitter %s: requested CPU %dm exceeds quota %dm (in use: %dm)", submitter, reqCPU, r.cfg.DefaultCPUQuotaM, usedCPU)
	}
	if r.cfg.DefaultMemQuotaMiB > 0 && usedMem+reqMem > r.cfg.DefaultMemQuotaMiB {
		return fmt.Errorf("submitter %s: requested memory %dMiB exceeds quota %dMiB (in use: %dMiB)", submitter, reqMem, r.cfg.DefaultMemQuotaMiB, usedMem)
	}
	return nil
}

// Get returns the current job record.
func (r *JobRegistry) Get(jobID string) (*types.Job, error) {
	return r.cluster.Store().GetJob(jobID)
}

// List returns jobs matching predicate (nil matches everything), ordered by
// id for deterministic paging.
func (r *JobRegistry) List(predicate func(*types.Job) bool) ([]*types.Job, error) {
	jobs, err := r.cluster.Store().ListJobs()
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if predicate == nil || predicate(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPage returns one page of matching jobs plus the total match count, for
// callers serving paged listings. offset past the end yields an empty page.
func (r *JobRegistry) ListPage(predicate func(*types.Job) bool, offset, limit int) ([]*types.Job, int, error) {
	jobs, err := r.List(predicate)
	if err != nil {
		return nil, 0, err
	}
	total := len(jobs)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return jobs[offset:end], total, nil
}

// Update replaces a job's task-group parameters under optimistic
// concurrency control, bumping the version so the reconciler rolls existing
// allocations forward per the declared update strategy. Replica counts,
// status, and identity fields are carried over from the stored record;
// those change through UpdateReplicaCount and Stop.
func (r *JobRegistry) Update(spec *types.Job, expectedVersion uint64) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.cluster.Store().GetJob(spec.ID)
	if err != nil {
		return nil, err
	}
	if job.Version != expectedVersion {
		return nil, fmt.Errorf("job %s: expected version %d, have %d: %w", spec.ID, expectedVersion, job.Version, ErrVersionConflict)
	}

	prior := make(map[string]*types.TaskGroup, len(job.TaskGroups))
	for _, tg := range job.TaskGroups {
		prior[tg.Name] = tg
	}

	updated := *job
	updated.TaskGroups = spec.TaskGroups
	for _, tg := range updated.TaskGroups {
		if p, ok := prior[tg.Name]; ok {
			tg.DesiredCount = p.DesiredCount
		}
		if tg.Weights == (types.ScoreWeights{}) {
			tg.Weights = types.DefaultScoreWeights()
		}
	}
	if err := r.admit(&updated); err != nil {
		return nil, err
	}
	updated.Version = job.Version + 1
	updated.SpecVersion = job.SpecVersion + 1
	updated.UpdatedAt = time.Now()

	cmd, err := cluster.NewUpdateJobCommand(&updated)
	if err != nil {
		return nil, err
	}
	if err := r.cluster.Apply(cmd); err != nil {
		return nil, fmt.Errorf("failed to persist job update: %w", err)
	}
	return &updated, nil
}

// UpdateReplicaCount is the autoscaler's and operator's entry point for
// bumping a single task-group's desired count under optimistic concurrency
// control: expectedVersion must match the job's stored version or the call
// fails with ErrVersionConflict.
func (r *JobRegistry) UpdateReplicaCount(jobID, taskGroup string, newCount int, expectedVersion uint64) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.cluster.Store().GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Version != expectedVersion {
		return nil, fmt.Errorf("job %s: expected version %d, have %d: %w", jobID, expectedVersion, job.Version, ErrVersionConflict)
	}

	var found bool
	for _, tg := range job.TaskGroups {
		if tg.Name != taskGroup {
			continue
		}
		found = true
		if newCount < 0 {
			newCount = 0
		}
		if r.cfg.MaxReplicasPerGroup > 0 && newCount > r.cfg.MaxReplicasPerGroup {
			newCount = r.cfg.MaxReplicasPerGroup
		}
		tg.DesiredCount = newCount
	}
	if !found {
		return nil, fmt.Errorf("job %s: task-group %s not found", jobID, taskGroup)
	}

	job.Version++
	job.UpdatedAt = time.Now()

	cmd, err := cluster.NewUpdateJobCommand(job)
	if err != nil {
		return nil, err
	}
	if err := r.cluster.Apply(cmd); err != nil {
		return nil, fmt.Errorf("failed to persist replica count update: %w", err)
	}
	return job, nil
}

// Stop transitions a job toward Dead. When drain is true the
// reconciler paces termination using the task-group's update-strategy
// parallelism (rollout.go); when false, every allocation is stopped in the
// next tick's single batch.
func (r *JobRegistry) Stop(jobID string, drain bool) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.cluster.Store().GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == types.JobDead {
		return job, nil
	}

	job.Status = types.JobStopped
	job.StopDrain = drain
	job.Version++
	job.UpdatedAt = time.Now()

	cmd, err := cluster.NewUpdateJobCommand(job)
	if err != nil {
		return nil, err
	}
	if err := r.cluster.Apply(cmd); err != nil {
		return nil, fmt.Errorf("failed to persist job stop: %w", err)
	}

	r.publish(types.EventJobStopped, jobID, "job stop requested")
	return job, nil
}

// UpdateStatus persists a job status transition the reconciler computed.
// The caller must have applied the tick's terminations and placements for
// this job before calling; status always reflects the post-commit set.
func (r *JobRegistry) UpdateStatus(jobID string, status types.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.cluster.Store().GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == status {
		return nil
	}

	prior := job.Status
	job.Status = status
	job.Version++
	job.UpdatedAt = time.Now()

	cmd, err := cluster.NewUpdateJobCommand(job)
	if err != nil {
		return err
	}
	if err := r.cluster.Apply(cmd); err != nil {
		return fmt.Errorf("failed to persist status transition: %w", err)
	}

	r.cluster.EventBroker().Publish(&types.Event{
		Type:    types.EventJobStatusChanged,
		JobID:   jobID,
		Message: fmt.Sprintf("%s -> %s", prior, status),
	})
	return nil
}

// CreateAllocation persists a new allocation and cross-indexes it. The
// generated id is never reused; a replacement for the same replica slot is
// a new allocation.
func (r *JobRegistry) CreateAllocation(alloc *types.Allocation) error {
	if alloc.ID == "" {
		alloc.ID = uuid.New().String()
	}
	now := time.Now()
	alloc.Version = 1
	alloc.CreatedAt = now
	alloc.UpdatedAt = now

	cmd, err := cluster.NewCreateAllocationCommand(alloc)
	if err != nil {
		return err
	}
	if err := r.cluster.Apply(cmd); err != nil {
		return fmt.Errorf("failed to persist allocation: %w", err)
	}
	r.publish(types.EventAllocationCreated, alloc.JobID, fmt.Sprintf("allocation %s created on %s", alloc.ID, alloc.NodeID))
	return nil
}

// UpdateAllocation persists a mutated allocation record (state transitions,
// termination).
func (r *JobRegistry) UpdateAllocation(alloc *types.Allocation) error {
	alloc.Version++
	alloc.UpdatedAt = time.Now()
	cmd, err := cluster.NewUpdateAllocationCommand(alloc)
	if err != nil {
		return err
	}
	return r.cluster.Apply(cmd)
}

// ApplyObservedState ingests one agent-reported observed state for an
// allocation. Reports for an allocation no longer on the reporting node are
// ignored (a stale agent catching up after a reschedule), as are no-op
// reports, so an allocation that stays Unhealthy keeps its original
// transition timestamp and the grace window can expire.
func (r *JobRegistry) ApplyObservedState(allocID, nodeID string, state types.AllocObservedState) error {
	alloc, err := r.cluster.Store().GetAllocation(allocID)
	if err != nil {
		return err
	}
	if alloc.NodeID != nodeID || alloc.ObservedState == state {
		return nil
	}

	alloc.ObservedState = state
	if state == types.AllocTerminated && alloc.TerminatedAt.IsZero() {
		alloc.TerminatedAt = time.Now()
	}
	if err := r.UpdateAllocation(alloc); err != nil {
		return err
	}

	switch state {
	case types.AllocHealthy:
		r.publish(types.EventAllocationHealthy, alloc.JobID, fmt.Sprintf("allocation %s healthy on %s", alloc.ID, alloc.NodeID))
	case types.AllocUnhealthy:
		r.publish(types.EventAllocationUnhealthy, alloc.JobID, fmt.Sprintf("allocation %s unhealthy on %s", alloc.ID, alloc.NodeID))
	case types.AllocTerminated:
		r.publish(types.EventAllocationTerminated, alloc.JobID, fmt.Sprintf("allocation %s terminated on %s", alloc.ID, alloc.NodeID))
	}
	return nil
}

// AllocationsByJob returns every allocation owned by jobID.
func (r *JobRegistry) AllocationsByJob(jobID string) ([]*types.Allocation, error) {
	return r.cluster.Store().ListAllocationsByJob(jobID)
}

// AllocationsByNode returns every Run-desired allocation keyed by node id,
// the index NodeRegistry.Snapshot uses to compute remaining capacity.
func (r *JobRegistry) AllocationsByNode() (map[string][]*types.Allocation, error) {
	all, err := r.cluster.Store().ListAllocations()
	if err != nil {
		return nil, err
	}
	byNode := make(map[string][]*types.Allocation)
	for _, a := range all {
		if a.DesiredState != types.AllocDesiredRun {
			continue
		}
		byNode[a.NodeID] = append(byNode[a.NodeID], a)
	}
	return byNode, nil
}

// Broker exposes the cluster event broker so the reconciler and the
// streaming side of the job API can publish and subscribe without holding a
// cluster handle of their own.
func (r *JobRegistry) Broker() *events.Broker {
	return r.cluster.EventBroker()
}

func (r *JobRegistry) publish(t types.EventType, jobID, msg string) {
	r.cluster.EventBroker().Publish(&types.Event{
		Type:    t,
		JobID:   jobID,
		Message: msg,
	})
}
