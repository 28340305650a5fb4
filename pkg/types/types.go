package types

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDegraded JobStatus = "degraded"
	JobStopped  JobStatus = "stopped"
	JobDead     JobStatus = "dead"
)

// DeployStrategy names the update strategy a task-group's spec declares.
type DeployStrategy string

const (
	DeployStrategyRolling   DeployStrategy = "rolling"
	DeployStrategyImmediate DeployStrategy = "immediate"
	DeployStrategyCanary    DeployStrategy = "canary"
	DeployStrategyBlueGreen DeployStrategy = "blue_green"
)

// UpdateConfig bounds how a task-group rolls from one job version to the next.
type UpdateConfig struct {
	Strategy DeployStrategy
	// Parallelism is the number of replicas replaced per batch under the
	// rolling strategy. Zero defaults to one at a time; the immediate
	// strategy ignores it and replaces everything in one batch.
	Parallelism int
	// MinHealthy is the minimum number of healthy replicas of the task-group
	// that must remain in place while a rollout is in progress.
	MinHealthy int
	// Delay is the pause between successive batches.
	Delay time.Duration
	// CanaryWeight is accepted for canary/blue_green specs but not acted on;
	// the reconciler treats both identically to rolling until a traffic
	// splitter exists to honor it.
	CanaryWeight int
}

// DriverKind names the task-runtime a task-group's replicas run under. The
// core only threads this value through to the dispatch boundary; it never
// interprets it.
type DriverKind string

const (
	DriverProcess   DriverKind = "process"
	DriverContainer DriverKind = "container"
)

// ResourceRequest is what one replica of a task-group asks for.
type ResourceRequest struct {
	CPUMillicores int64
	MemoryMiB     int64
	GPU           int64
	Ports         []int
}

// ConstraintKind enumerates the hard-constraint operators Phase F evaluates.
type ConstraintKind string

const (
	ConstraintEquals         ConstraintKind = "equals"
	ConstraintNotEquals      ConstraintKind = "not_equals"
	ConstraintSetContainsAny ConstraintKind = "set_contains_any"
	ConstraintSetContainsAll ConstraintKind = "set_contains_all"
	ConstraintRegexMatch     ConstraintKind = "regex_match"
	ConstraintVersionRange   ConstraintKind = "version_range"
)

// Constraint is one hard rule a candidate node must satisfy. Constraints
// within a TaskGroup are ANDed; a single failure excludes the node.
type Constraint struct {
	Kind   ConstraintKind
	Key    string   // node label key (or "datacenter"/"region" pseudo-keys)
	Values []string // operand(s); interpretation depends on Kind
}

// AntiAffinity declares that replicas of this task-group should not (or must
// not) share a node, keyed by a node label.
type AntiAffinity struct {
	Label    string
	Required bool // true: hard constraint in Phase F; false: soft, Phase S penalty only
}

// ScoreWeights are the per-dimension integer weights a TaskGroup uses during
// Phase S. Weights are basis points; in DefaultScoreWeights the four positive
// dimensions sum to 10_000 and the SoftAntiAffinity penalty weight comes on
// top. Nothing enforces the sum. ScoringScale is the K constant the BinPack
// formula scales by.
type ScoreWeights struct {
	BinPack          int
	Spread           int
	GPULocality      int
	VersionAffinity  int
	SoftAntiAffinity int
}

// ScoringScale is the fixed-point scale (K) used by the BinPack dimension's
// (used_after * K) / capacity formula, and by basis-point weight arithmetic
// generally. All scoring math is int64; nothing in the hot path uses float.
const ScoringScale int64 = 10_000

// DefaultScoreWeights favors tight packing: BinPack 60%, Spread 25%,
// locality 15% (GPULocality and VersionAffinity split that 15% evenly).
// SoftAntiAffinity is a penalty dimension with its own independent weight.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		BinPack:          6_000,
		Spread:           2_500,
		GPULocality:      750,
		VersionAffinity:  750,
		SoftAntiAffinity: 1_000,
	}
}

// TaskGroup is a scaling unit: a set of identical replicas of one task
// within a job.
type TaskGroup struct {
	Name           string
	DesiredCount   int
	Constraints    []Constraint
	AntiAffinities []AntiAffinity
	GPULocality    string // preferred GPU topology/locality tag, empty if none
	VersionTier    string // preferred software version tier, empty if none
	SpreadLabel    string // node label key the Spread dimension spreads replicas across; empty disables it
	UpdateConfig   UpdateConfig
	Driver         DriverKind
	Resources      ResourceRequest
	Labels         map[string]string
	Weights        ScoreWeights
	Autoscale      *AutoscalePolicySpec
}

// Job is user-declared desired state. After submission it changes only
// through the job registry: replica counts (TaskGroups[i].DesiredCount),
// task-group parameters (bumping SpecVersion), status and stop requests,
// with Version bumped on every write.
type Job struct {
	ID string
	// Version increments on every persisted write and backs the CAS update
	// paths. SpecVersion increments only when task-group parameters change,
	// so a replica-count bump or a status write never makes existing
	// allocations look outdated to the rollout gate.
	Version     uint64
	SpecVersion uint64
	Namespace   string
	TaskGroups []*TaskGroup
	Submitter  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Status     JobStatus
	// StopDrain records whether a pending Stop was requested with drain:
	// true (rolling termination, paced like a rollout) vs. drain: false
	// (terminate every allocation in one batch). Meaningless once Status
	// leaves Stopped/Dead.
	StopDrain bool
}

// AllocDesiredState is what the control plane wants an allocation to be
// doing; it is distinct from the agent-observed state.
type AllocDesiredState string

const (
	AllocDesiredRun  AllocDesiredState = "run"
	AllocDesiredStop AllocDesiredState = "stop"
)

// AllocObservedState is what the worker agent last reported for an
// allocation via heartbeat.
type AllocObservedState string

const (
	AllocPending    AllocObservedState = "pending"
	AllocStarting   AllocObservedState = "starting"
	AllocHealthy    AllocObservedState = "healthy"
	AllocUnhealthy  AllocObservedState = "unhealthy"
	AllocTerminated AllocObservedState = "terminated"
)

// TerminationReason records why an allocation's desired state moved to Stop.
type TerminationReason string

const (
	TerminationNone           TerminationReason = ""
	TerminationNodeLost       TerminationReason = "node_lost"
	TerminationUnhealthyCheck TerminationReason = "unhealthy_check_failed"
	TerminationOperatorStop   TerminationReason = "operator_stop"
	TerminationPreempted      TerminationReason = "preempted"
	TerminationJobStopped     TerminationReason = "job_stopped"
)

// Allocation is a materialized placement of one task-group replica on one
// node.
type Allocation struct {
	ID      string
	Version uint64
	JobID   string
	// JobVersion is the owning job's SpecVersion at placement time; the
	// rollout gate replaces allocations whose JobVersion trails the job's.
	JobVersion uint64
	TaskGroup  string
	ReplicaIndex int
	NodeID       string
	// Resources and Labels are copied from the owning TaskGroup at
	// placement time, so a later edit to the job spec never changes what an
	// already-materialized allocation is billed against on its node, and so
	// the scheduler's Spread/SoftAntiAffinity dimensions can score against
	// the allocation's own labels without a join back to the job record.
	Resources     ResourceRequest
	Labels        map[string]string
	DesiredState  AllocDesiredState
	ObservedState AllocObservedState
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TerminatedAt  time.Time
	Reason        TerminationReason
}

// Resources is a capacity vector: either a node's total capacity or a
// point-in-time remaining/used amount.
type Resources struct {
	CPUMillicores int64
	MemoryMiB     int64
	GPU           int64
}

// Sub returns r minus other. Callers that need to detect over-commit must
// check Fits before subtracting; Sub itself does not floor at zero.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPUMillicores: r.CPUMillicores - other.CPUMillicores,
		MemoryMiB:     r.MemoryMiB - other.MemoryMiB,
		GPU:           r.GPU - other.GPU,
	}
}

// Fits reports whether req can be satisfied by remaining capacity r.
func (r Resources) Fits(req ResourceRequest) bool {
	return r.CPUMillicores >= req.CPUMillicores &&
		r.MemoryMiB >= req.MemoryMiB &&
		r.GPU >= req.GPU
}

// AsRequest views a capacity vector as a ResourceRequest, for use when one
// resource vector needs to be compared against another via Fits.
func (r Resources) AsRequest() ResourceRequest {
	return ResourceRequest{CPUMillicores: r.CPUMillicores, MemoryMiB: r.MemoryMiB, GPU: r.GPU}
}

// Node is a worker participating in the cluster.
type Node struct {
	ID            string
	Datacenter    string
	Region        string
	Labels        map[string]string
	Capacity      Resources
	GPUTopology   string
	VersionTier   string
	Ready         bool
	Drain         bool
	LastHeartbeat time.Time
	RegisteredAt  time.Time
	Version       uint64
}

// PlacementRequest is an internal order for the scheduler, created by the
// reconciler and consumed once by a scheduling pass. It denormalizes the
// owning TaskGroup's scheduling-relevant fields at build time so the
// scheduler never has to resolve a job back out of the registry mid-pass.
type PlacementRequest struct {
	JobID        string
	JobVersion   uint64
	TaskGroup    string
	ReplicaIndex int
	Priority     int
	Resources    ResourceRequest
	Labels       map[string]string // task-group labels, copied onto the resulting Allocation
	Constraints  []Constraint
	AntiAffinities []AntiAffinity
	GPULocality    string
	VersionTier    string
	SpreadLabel    string
	Weights        ScoreWeights
}

// Assignment is the scheduler's output for one PlacementRequest that found a
// feasible node.
type Assignment struct {
	Request PlacementRequest
	NodeID  string
	Score   int64
}

// DeferralReason is the structured reason a PlacementRequest could not be
// assigned in a pass.
type DeferralReason string

const (
	ReasonNoFeasibleNodes       DeferralReason = "no_feasible_nodes"
	ReasonInsufficientResource  DeferralReason = "insufficient_resource"
	ReasonAllCandidatesDraining DeferralReason = "all_candidates_draining"
	ReasonConstraintFailure     DeferralReason = "constraint_failure"
)

// Deferral is the scheduler's output for one PlacementRequest that could not
// be placed this pass.
type Deferral struct {
	Request PlacementRequest
	Reason  DeferralReason
	Detail  string // resource name, constraint path, etc., depending on Reason
}

// ScoreDimension names one term of the weighted composite score.
type ScoreDimension string

const (
	DimensionBinPack          ScoreDimension = "bin_pack"
	DimensionSpread           ScoreDimension = "spread"
	DimensionGPULocality      ScoreDimension = "gpu_locality"
	DimensionVersionAffinity  ScoreDimension = "version_affinity"
	DimensionSoftAntiAffinity ScoreDimension = "soft_anti_affinity"
)

// AutoscalePolicyKind selects which Policy implementation a task-group uses.
type AutoscalePolicyKind string

const (
	AutoscaleThreshold         AutoscalePolicyKind = "threshold"
	AutoscaleTargetUtilization AutoscalePolicyKind = "target_utilization"
	AutoscaleScheduled         AutoscalePolicyKind = "scheduled"
)

// AutoscalePolicySpec is the declarative, serializable form of an autoscale
// policy attached to a task-group; pkg/autoscaler turns this into a live
// Policy evaluator.
type AutoscalePolicySpec struct {
	Kind               AutoscalePolicyKind
	Min                int
	Max                int
	ScaleUpThreshold   int64 // basis points, 0..10_000
	ScaleDownThreshold int64
	TargetUtilization  int64 // basis points, used by AutoscaleTargetUtilization
	HysteresisSeconds  int64
	// Schedule is a list of (window, replica count) pairs used by
	// AutoscaleScheduled; see pkg/autoscaler for the evaluator.
	Schedule []ScheduledWindow
}

// ScheduledWindow is one entry of a Scheduled autoscale policy: a wall-clock
// window (by hour-of-day and weekday mask, UTC) paired with a fixed replica
// count.
type ScheduledWindow struct {
	StartHourUTC int
	EndHourUTC   int
	Weekdays     []time.Weekday
	Replicas     int
}

// EventType categorizes entries in the control plane's event broker and
// per-job event history.
type EventType string

const (
	EventJobSubmitted         EventType = "job.submitted"
	EventJobStatusChanged     EventType = "job.status_changed"
	EventJobStopped           EventType = "job.stopped"
	EventAllocationCreated    EventType = "allocation.created"
	EventAllocationHealthy    EventType = "allocation.healthy"
	EventAllocationUnhealthy  EventType = "allocation.unhealthy"
	EventAllocationTerminated EventType = "allocation.terminated"
	EventPlacementDeferred    EventType = "placement.deferred"
	EventNodeRegistered       EventType = "node.registered"
	EventNodeNotReady         EventType = "node.not_ready"
	EventNodeDrained          EventType = "node.drained"
	EventAutoscaleAction      EventType = "autoscale.action"
)

// Event is one entry in the control plane's event stream.
type Event struct {
	ID        string
	Type      EventType
	JobID     string
	NodeID    string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}
