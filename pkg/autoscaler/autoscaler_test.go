package autoscaler

import (
	"testing"
	"time"

	"github.com/fleetd-io/fleetd/pkg/cluster"
	"github.com/fleetd-io/fleetd/pkg/config"
	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdPolicyScalesUpByHalf(t *testing.T) {
	p := NewPolicy(types.AutoscalePolicySpec{
		Kind:               types.AutoscaleThreshold,
		Min:                1,
		Max:                20,
		ScaleUpThreshold:   8000,
		ScaleDownThreshold: 3000,
	})

	d := p.Evaluate(PolicyState{CurrentReplicas: 4, UtilizationBps: 9000})
	assert.Equal(t, 6, d.TargetReplicas)
}

func TestThresholdPolicyScalesDownByQuarter(t *testing.T) {
	p := NewPolicy(types.AutoscalePolicySpec{
		Kind:               types.AutoscaleThreshold,
		Min:                1,
		Max:                20,
		ScaleUpThreshold:   8000,
		ScaleDownThreshold: 3000,
	})

	d := p.Evaluate(PolicyState{CurrentReplicas: 8, UtilizationBps: 1000})
	assert.Equal(t, 6, d.TargetReplicas)

	// Small groups still move by at least one replica.
	d = p.Evaluate(PolicyState{CurrentReplicas: 2, UtilizationBps: 1000})
	assert.Equal(t, 1, d.TargetReplicas)
}

func TestThresholdPolicyHoldsBetweenThresholds(t *testing.T) {
	p := NewPolicy(types.AutoscalePolicySpec{
		Kind:               types.AutoscaleThreshold,
		Min:                1,
		Max:                20,
		ScaleUpThreshold:   8000,
		ScaleDownThreshold: 3000,
	})

	// Sitting exactly on a threshold is not a crossing.
	d := p.Evaluate(PolicyState{CurrentReplicas: 4, UtilizationBps: 8000})
	assert.Equal(t, 4, d.TargetReplicas)
	d = p.Evaluate(PolicyState{CurrentReplicas: 4, UtilizationBps: 3000})
	assert.Equal(t, 4, d.TargetReplicas)
}

func TestThresholdPolicyClampsToBounds(t *testing.T) {
	p := NewPolicy(types.AutoscalePolicySpec{
		Kind:               types.AutoscaleThreshold,
		Min:                2,
		Max:                5,
		ScaleUpThreshold:   8000,
		ScaleDownThreshold: 3000,
	})

	d := p.Evaluate(PolicyState{CurrentReplicas: 4, UtilizationBps: 9500})
	assert.Equal(t, 5, d.TargetReplicas)

	d = p.Evaluate(PolicyState{CurrentReplicas: 2, UtilizationBps: 100})
	assert.Equal(t, 2, d.TargetReplicas)
}

func TestTargetUtilizationPolicySolvesForTarget(t *testing.T) {
	p := NewPolicy(types.AutoscalePolicySpec{
		Kind:              types.AutoscaleTargetUtilization,
		Min:               1,
		Max:               50,
		TargetUtilization: 5000,
	})

	// 4 replicas at 90% with a 50% target: ceil(4 * 9000 / 5000) = 8.
	d := p.Evaluate(PolicyState{CurrentReplicas: 4, UtilizationBps: 9000})
	assert.Equal(t, 8, d.TargetReplicas)

	// Already at target: no movement.
	d = p.Evaluate(PolicyState{CurrentReplicas: 8, UtilizationBps: 5000})
	assert.Equal(t, 8, d.TargetReplicas)
}

func TestScheduledPolicyMatchesWindow(t *testing.T) {
	p := NewPolicy(types.AutoscalePolicySpec{
		Kind: types.AutoscaleScheduled,
		Min:  2,
		Max:  30,
		Schedule: []types.ScheduledWindow{
			{StartHourUTC: 9, EndHourUTC: 17, Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, Replicas: 20},
			{StartHourUTC: 22, EndHourUTC: 6, Replicas: 4},
		},
	})

	// A weekday at noon UTC hits the business-hours window.
	monday := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	d := p.Evaluate(PolicyState{CurrentReplicas: 5, Now: monday})
	assert.Equal(t, 20, d.TargetReplicas)

	// 23:00 falls into the wrapped overnight window.
	night := time.Date(2025, time.March, 3, 23, 0, 0, 0, time.UTC)
	d = p.Evaluate(PolicyState{CurrentReplicas: 20, Now: night})
	assert.Equal(t, 4, d.TargetReplicas)

	// Saturday noon matches nothing and falls back to Min.
	saturday := time.Date(2025, time.March, 8, 12, 0, 0, 0, time.UTC)
	d = p.Evaluate(PolicyState{CurrentReplicas: 20, Now: saturday})
	assert.Equal(t, 2, d.TargetReplicas)
}

type fixedSource struct {
	bps int64
}

func (s fixedSource) Utilization(jobID, taskGroup string) (int64, error) {
	return s.bps, nil
}

func newTestCluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	c, err := cluster.NewCluster(cluster.Config{
		NodeID:   "test-leader",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap())
	t.Cleanup(func() { _ = c.Shutdown() })
	require.Eventually(t, c.IsLeader, 5*time.Second, 50*time.Millisecond, "cluster never became leader")
	return c
}

func TestAutoscalerAppliesDecisionThenHysteresisHolds(t *testing.T) {
	c := newTestCluster(t)
	jobs := registry.NewJobRegistry(c, config.Default().Admission)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-auto",
		Submitter: "alice",
		TaskGroups: []*types.TaskGroup{
			{
				Name:         "web",
				DesiredCount: 4,
				Resources:    types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100},
				Driver:       types.DriverProcess,
				Autoscale: &types.AutoscalePolicySpec{
					Kind:               types.AutoscaleThreshold,
					Min:                1,
					Max:                20,
					ScaleUpThreshold:   8000,
					ScaleDownThreshold: 3000,
					HysteresisSeconds:  60,
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateStatus(job.ID, types.JobRunning))

	a := New(jobs, fixedSource{bps: 9000}, config.Default().Tick)

	a.Tick()
	scaled, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, scaled.TaskGroups[0].DesiredCount)

	// A second high-utilization reading inside the hysteresis window must
	// not scale again.
	a.Tick()
	held, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, held.TaskGroups[0].DesiredCount)
}

func TestAutoscalerRetriesOnceOnVersionConflict(t *testing.T) {
	c := newTestCluster(t)
	jobs := registry.NewJobRegistry(c, config.Default().Admission)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-race",
		Submitter: "carol",
		TaskGroups: []*types.TaskGroup{
			{
				Name:         "web",
				DesiredCount: 4,
				Resources:    types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100},
				Driver:       types.DriverProcess,
				Autoscale: &types.AutoscalePolicySpec{
					Kind:               types.AutoscaleThreshold,
					Min:                1,
					Max:                20,
					ScaleUpThreshold:   8000,
					ScaleDownThreshold: 3000,
				},
			},
		},
	})
	require.NoError(t, err)

	// A concurrent status write bumps the stored version past the copy the
	// autoscaler evaluated; the stale CAS must be retried against the fresh
	// record, not dropped.
	stale := *job
	require.NoError(t, jobs.UpdateStatus(job.ID, types.JobRunning))

	a := New(jobs, fixedSource{bps: 9000}, config.Default().Tick)
	a.evaluateGroup(&stale, stale.TaskGroups[0])

	scaled, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, scaled.TaskGroups[0].DesiredCount)
}

func TestAutoscalerSkipsGroupsWithoutPolicy(t *testing.T) {
	c := newTestCluster(t)
	jobs := registry.NewJobRegistry(c, config.Default().Admission)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-static",
		Submitter: "bob",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 3, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateStatus(job.ID, types.JobRunning))

	a := New(jobs, fixedSource{bps: 9900}, config.Default().Tick)
	a.Tick()

	unchanged, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, unchanged.TaskGroups[0].DesiredCount)
}
