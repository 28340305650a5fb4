package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fleetd-io/fleetd/pkg/cluster"
	"github.com/fleetd-io/fleetd/pkg/config"
	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/scheduler"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []*types.Allocation
}

func (f *fakeDispatcher) Enqueue(a *types.Allocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, a)
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
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

func newTestReconciler(t *testing.T, c *cluster.Cluster) (*Reconciler, *registry.JobRegistry, *registry.NodeRegistry, *fakeDispatcher) {
	jobs := registry.NewJobRegistry(c, config.Default().Admission)
	nodes, err := registry.NewNodeRegistry(c, jobs, time.Hour, time.Hour)
	require.NoError(t, err)
	disp := &fakeDispatcher{}
	r := New(jobs, nodes, scheduler.New(), disp, config.Default().Tick)
	return r, jobs, nodes, disp
}

func registerReadyNode(t *testing.T, nodes *registry.NodeRegistry, id string, cpu, mem int64) {
	t.Helper()
	_, err := nodes.Register(types.Node{ID: id, Capacity: types.Resources{CPUMillicores: cpu, MemoryMiB: mem}})
	require.NoError(t, err)
	_, err = nodes.Heartbeat(id, nil, time.Now())
	require.NoError(t, err)
}

// reportHealthy heartbeats every Run-desired allocation of the job as
// healthy, the way a converged agent fleet would.
func reportHealthy(t *testing.T, jobs *registry.JobRegistry, nodes *registry.NodeRegistry, jobID string) {
	t.Helper()
	allocs, err := jobs.AllocationsByJob(jobID)
	require.NoError(t, err)

	byNode := make(map[string]map[string]types.AllocObservedState)
	for _, a := range allocs {
		if a.DesiredState != types.AllocDesiredRun {
			continue
		}
		if byNode[a.NodeID] == nil {
			byNode[a.NodeID] = make(map[string]types.AllocObservedState)
		}
		byNode[a.NodeID][a.ID] = types.AllocHealthy
	}
	for nodeID, observed := range byNode {
		_, err := nodes.Heartbeat(nodeID, observed, time.Now())
		require.NoError(t, err)
	}
	nodes.Flush()
}

func TestTickCreatesAllocationsAndHealthyHeartbeatRunsJob(t *testing.T) {
	c := newTestCluster(t)
	r, jobs, nodes, disp := newTestReconciler(t, c)
	registerReadyNode(t, nodes, "node-1", 4000, 8192)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-1",
		Submitter: "alice",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 2, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)

	r.Tick(context.Background())

	allocs, err := jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 2)
	assert.Equal(t, 2, disp.count())

	// No agent has reported yet, so the job is still converging.
	pending, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, pending.Status)

	reportHealthy(t, jobs, nodes, job.ID)
	r.Tick(context.Background())

	updated, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, updated.Status)
}

func TestTickScalesDownSurplusAllocations(t *testing.T) {
	c := newTestCluster(t)
	r, jobs, nodes, _ := newTestReconciler(t, c)
	registerReadyNode(t, nodes, "node-1", 4000, 8192)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-2",
		Submitter: "bob",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 3, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	r.Tick(context.Background())

	allocs, err := jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 3)

	_, err = jobs.UpdateReplicaCount(job.ID, "web", 1, job.Version)
	require.NoError(t, err)

	r.Tick(context.Background())

	allocs, err = jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	running := 0
	highest := -1
	for _, a := range allocs {
		if a.DesiredState == types.AllocDesiredRun {
			running++
			if a.ReplicaIndex > highest {
				highest = a.ReplicaIndex
			}
		}
	}
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, highest, "scale-down stops the highest indices first")
}

func TestTickEvictsAllocationsOnDrainedNode(t *testing.T) {
	c := newTestCluster(t)
	r, jobs, nodes, _ := newTestReconciler(t, c)
	registerReadyNode(t, nodes, "node-1", 4000, 8192)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-3",
		Submitter: "carol",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 1, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	r.Tick(context.Background())

	require.NoError(t, nodes.Drain("node-1"))
	r.Tick(context.Background())

	allocs, err := jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	for _, a := range allocs {
		if a.NodeID == "node-1" {
			assert.Equal(t, types.AllocDesiredStop, a.DesiredState)
			assert.Equal(t, types.TerminationOperatorStop, a.Reason)
		}
	}
}

func TestTickReplacesAllocationOnLostNode(t *testing.T) {
	c := newTestCluster(t)
	jobs := registry.NewJobRegistry(c, config.Default().Admission)
	nodes, err := registry.NewNodeRegistry(c, jobs, 20*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	r := New(jobs, nodes, scheduler.New(), nil, config.Default().Tick)

	registerReadyNode(t, nodes, "node-1", 1000, 1000)
	registerReadyNode(t, nodes, "node-2", 1000, 1000)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-lost",
		Submitter: "erin",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 1, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	r.Tick(context.Background())

	allocs, err := jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	lostNode := allocs[0].NodeID

	// The placed node goes silent past the failure threshold; the detector
	// marks it not-ready and the next tick replaces its allocation.
	_, err = nodes.Heartbeat(lostNode, nil, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	nodes.Start()
	defer nodes.Stop()
	require.Eventually(t, func() bool {
		n, err := nodes.Get(lostNode)
		return err == nil && !n.Ready
	}, time.Second, 10*time.Millisecond)

	// The surviving node kept heart-beating all along; refresh it so the
	// short test threshold doesn't expire it too.
	otherNode := "node-1"
	if lostNode == "node-1" {
		otherNode = "node-2"
	}
	_, err = nodes.Heartbeat(otherNode, nil, time.Now())
	require.NoError(t, err)

	r.Tick(context.Background())

	allocs, err = jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	var replaced *types.Allocation
	for _, a := range allocs {
		switch a.DesiredState {
		case types.AllocDesiredStop:
			assert.Equal(t, types.TerminationNodeLost, a.Reason)
		case types.AllocDesiredRun:
			replaced = a
		}
	}
	require.NotNil(t, replaced, "a replacement allocation should exist")
	assert.NotEqual(t, lostNode, replaced.NodeID)
}

func TestTickReplacesAgentReportedDeadAllocation(t *testing.T) {
	c := newTestCluster(t)
	r, jobs, nodes, _ := newTestReconciler(t, c)
	registerReadyNode(t, nodes, "node-1", 4000, 8192)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-crash",
		Submitter: "frank",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 1, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	r.Tick(context.Background())

	allocs, err := jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)

	_, err = nodes.Heartbeat("node-1", map[string]types.AllocObservedState{allocs[0].ID: types.AllocTerminated}, time.Now())
	require.NoError(t, err)
	nodes.Flush()

	r.Tick(context.Background())

	allocs, err = jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	running := 0
	for _, a := range allocs {
		if a.DesiredState == types.AllocDesiredRun {
			running++
			assert.Equal(t, types.AllocPending, a.ObservedState, "the replacement starts fresh")
		}
	}
	assert.Equal(t, 1, running)
}

func TestTickRollsOutdatedAllocationsForward(t *testing.T) {
	c := newTestCluster(t)
	r, jobs, nodes, _ := newTestReconciler(t, c)
	registerReadyNode(t, nodes, "node-1", 4000, 8192)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-roll",
		Submitter: "heidi",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 2, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	r.Tick(context.Background())

	spec := &types.Job{
		ID: job.ID,
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 2, Resources: types.ResourceRequest{CPUMillicores: 200, MemoryMiB: 200}, Driver: types.DriverProcess},
		},
	}
	updated, err := jobs.Update(spec, job.Version)
	require.NoError(t, err)
	require.Equal(t, job.SpecVersion+1, updated.SpecVersion)

	// Default rolling budget replaces one replica per tick.
	r.Tick(context.Background())
	allocs, err := jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	preempted := 0
	for _, a := range allocs {
		if a.Reason == types.TerminationPreempted {
			preempted++
		}
	}
	assert.Equal(t, 1, preempted)

	r.Tick(context.Background())
	allocs, err = jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	current := 0
	for _, a := range allocs {
		if a.DesiredState == types.AllocDesiredRun {
			assert.Equal(t, updated.SpecVersion, a.JobVersion)
			current++
		}
	}
	assert.Equal(t, 2, current)
}

func TestTickDrainsStoppedJobToDead(t *testing.T) {
	c := newTestCluster(t)
	r, jobs, nodes, _ := newTestReconciler(t, c)
	registerReadyNode(t, nodes, "node-1", 4000, 8192)

	job, err := jobs.Submit(&types.Job{
		ID:        "job-4",
		Submitter: "dave",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 1, Resources: types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	r.Tick(context.Background())

	_, err = jobs.Stop(job.ID, false)
	require.NoError(t, err)

	r.Tick(context.Background())
	r.Tick(context.Background())

	updated, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDead, updated.Status)
}

func TestTickDefersWhenClusterFull(t *testing.T) {
	c := newTestCluster(t)
	r, jobs, nodes, _ := newTestReconciler(t, c)
	registerReadyNode(t, nodes, "node-1", 1000, 1000)
	registerReadyNode(t, nodes, "node-2", 1000, 1000)

	// Three replicas of 600m CPU onto two 1000m nodes: two place, the third
	// defers until capacity frees up, and the job reports Degraded once its
	// placed replicas come up healthy.
	job, err := jobs.Submit(&types.Job{
		ID:        "job-full",
		Submitter: "grace",
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 3, Resources: types.ResourceRequest{CPUMillicores: 600, MemoryMiB: 600}, Driver: types.DriverProcess},
		},
	})
	require.NoError(t, err)
	r.Tick(context.Background())

	allocs, err := jobs.AllocationsByJob(job.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 2)

	reportHealthy(t, jobs, nodes, job.ID)
	r.Tick(context.Background())

	updated, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDegraded, updated.Status)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	r := &Reconciler{cfg: config.TickConfig{
		RetryBaseBackoff: time.Second,
		RetryMaxBackoff:  8 * time.Second,
	}}

	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))
	assert.Equal(t, 4*time.Second, r.backoff(3))
	assert.Equal(t, 8*time.Second, r.backoff(4))
	assert.Equal(t, 8*time.Second, r.backoff(10))
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	r := &Reconciler{cfg: config.TickConfig{
		RetryBaseBackoff:    time.Second,
		RetryMaxBackoff:     time.Minute,
		RetryJitterFraction: 0.2,
	}}

	for i := 0; i < 50; i++ {
		d := r.backoff(3) // 4s nominal
		assert.GreaterOrEqual(t, d, 3200*time.Millisecond)
		assert.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}
