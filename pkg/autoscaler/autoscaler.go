package autoscaler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/pkg/config"
	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/metrics"
	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// MetricSource supplies the utilization figure a Policy evaluates against,
// in basis points. The telemetry pipeline that feeds real per-task CPU and
// memory figures lives outside this process and plugs in here; the shipped
// ReplicaHealthSource derives a stand-in figure from the fraction of a
// task-group's allocations currently reporting healthy.
type MetricSource interface {
	Utilization(jobID, taskGroup string) (int64, error)
}

// ReplicaHealthSource derives a basis-point utilization figure from how
// saturated a task-group's allocations are: unhealthy or still-starting
// replicas count as 0% utilized, every healthy replica counts as 100%,
// averaged across the group's Run-desired allocations.
type ReplicaHealthSource struct {
	jobs *registry.JobRegistry
}

// NewReplicaHealthSource builds the default MetricSource.
func NewReplicaHealthSource(jobs *registry.JobRegistry) *ReplicaHealthSource {
	return &ReplicaHealthSource{jobs: jobs}
}

func (s *ReplicaHealthSource) Utilization(jobID, taskGroup string) (int64, error) {
	allocs, err := s.jobs.AllocationsByJob(jobID)
	if err != nil {
		return 0, err
	}

	var total, healthy int
	for _, a := range allocs {
		if a.TaskGroup != taskGroup || a.DesiredState != types.AllocDesiredRun {
			continue
		}
		total++
		if a.ObservedState == types.AllocHealthy {
			healthy++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return int64(healthy) * types.ScoringScale / int64(total), nil
}

// Autoscaler runs every task-group with a non-nil AutoscalePolicySpec
// through its Policy on a fixed tick, applying the resulting decision via
// JobRegistry.UpdateReplicaCount. A version conflict — the reconciler's
// status writes share the job record — is absorbed by re-reading the job,
// re-evaluating against its fresh replica count, and retrying the CAS
// once; a second conflict waits for the next tick.
type Autoscaler struct {
	jobs   *registry.JobRegistry
	source MetricSource
	cfg    config.TickConfig
	logger zerolog.Logger

	mu         sync.Mutex
	lastAction map[string]time.Time

	stopCh chan struct{}
	once   sync.Once
}

// New constructs an Autoscaler.
func New(jobs *registry.JobRegistry, source MetricSource, cfg config.TickConfig) *Autoscaler {
	return &Autoscaler{
		jobs:       jobs,
		source:     source,
		cfg:        cfg,
		logger:     log.WithComponent("autoscaler"),
		lastAction: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the tick loop.
func (a *Autoscaler) Start(ctx context.Context) {
	go a.run(ctx)
}

// Stop halts the tick loop.
func (a *Autoscaler) Stop() {
	a.once.Do(func() { close(a.stopCh) })
}

func (a *Autoscaler) run(ctx context.Context) {
	interval := a.cfg.AutoscalerInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", interval).Msg("autoscaler started")

	for {
		select {
		case <-ticker.C:
			a.Tick()
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

// Tick evaluates every autoscaled task-group once. Exported for direct
// invocation from tests and an operator-triggered "evaluate now" command.
func (a *Autoscaler) Tick() {
	jobs, err := a.jobs.List(func(j *types.Job) bool { return j.Status == types.JobRunning || j.Status == types.JobDegraded })
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list jobs")
		return
	}

	for _, job := range jobs {
		for _, tg := range job.TaskGroups {
			if tg.Autoscale == nil {
				continue
			}
			a.evaluateGroup(job, tg)
		}
	}
}

func (a *Autoscaler) evaluateGroup(job *types.Job, tg *types.TaskGroup) {
	key := job.ID + "/" + tg.Name

	hysteresis := time.Duration(tg.Autoscale.HysteresisSeconds) * time.Second
	a.mu.Lock()
	last, seen := a.lastAction[key]
	inHysteresis := seen && hysteresis > 0 && time.Since(last) < hysteresis
	a.mu.Unlock()
	if inHysteresis {
		return
	}

	utilization, err := a.source.Utilization(job.ID, tg.Name)
	if err != nil {
		a.logger.Error().Err(err).Str("job_id", job.ID).Str("task_group", tg.Name).Msg("failed to read utilization")
		return
	}

	decision := NewPolicy(*tg.Autoscale).Evaluate(PolicyState{
		CurrentReplicas: tg.DesiredCount,
		UtilizationBps:  utilization,
		Now:             time.Now(),
	})
	if decision.TargetReplicas == tg.DesiredCount {
		return
	}
	from := tg.DesiredCount

	_, err = a.jobs.UpdateReplicaCount(job.ID, tg.Name, decision.TargetReplicas, job.Version)
	if errors.Is(err, registry.ErrVersionConflict) {
		// A concurrent writer bumped the job (reconciler status write,
		// operator update). Re-read, re-evaluate against the fresh replica
		// count, and retry the CAS once.
		fresh, gerr := a.jobs.Get(job.ID)
		if gerr != nil {
			a.logger.Error().Err(gerr).Str("job_id", job.ID).Msg("failed to re-read job after version conflict")
			return
		}
		freshTG := findGroup(fresh, tg.Name)
		if freshTG == nil || freshTG.Autoscale == nil {
			return
		}
		decision = NewPolicy(*freshTG.Autoscale).Evaluate(PolicyState{
			CurrentReplicas: freshTG.DesiredCount,
			UtilizationBps:  utilization,
			Now:             time.Now(),
		})
		if decision.TargetReplicas == freshTG.DesiredCount {
			return
		}
		from = freshTG.DesiredCount
		_, err = a.jobs.UpdateReplicaCount(fresh.ID, tg.Name, decision.TargetReplicas, fresh.Version)
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("job_id", job.ID).Str("task_group", tg.Name).Msg("failed to apply autoscale decision")
		return
	}

	a.mu.Lock()
	a.lastAction[key] = time.Now()
	a.mu.Unlock()

	direction := "up"
	if decision.TargetReplicas < from {
		direction = "down"
	}
	metrics.AutoscaleActionsTotal.WithLabelValues(direction).Inc()
	a.logger.Info().
		Str("job_id", job.ID).
		Str("task_group", tg.Name).
		Int("from", from).
		Int("to", decision.TargetReplicas).
		Str("reason", decision.Reason).
		Msg("autoscale decision applied")
}

func findGroup(job *types.Job, name string) *types.TaskGroup {
	for _, tg := range job.TaskGroups {
		if tg.Name == name {
			return tg
		}
	}
	return nil
}
