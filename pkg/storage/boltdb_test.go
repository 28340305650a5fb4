package storage

import (
	"testing"
	"time"

	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)

	job := &types.Job{
		ID:        "job-1",
		Version:   1,
		Namespace: "default",
		Status:    types.JobPending,
		CreatedAt: time.Now(),
		TaskGroups: []*types.TaskGroup{
			{Name: "web", DesiredCount: 2, Resources: types.ResourceRequest{CPUMillicores: 500, MemoryMiB: 512}},
		},
	}
	require.NoError(t, s.CreateJob(job))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 2, got.TaskGroups[0].DesiredCount)

	got.Status = types.JobRunning
	require.NoError(t, s.UpdateJob(got))
	updated, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, updated.Status)

	require.NoError(t, s.DeleteJob("job-1"))
	_, err = s.GetJob("job-1")
	assert.Error(t, err)
}

func TestGetMissingRecordsError(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob("nope")
	assert.ErrorContains(t, err, "not found")
	_, err = s.GetAllocation("nope")
	assert.ErrorContains(t, err, "not found")
	_, err = s.GetNode("nope")
	assert.ErrorContains(t, err, "not found")
}

func TestAllocationIndexes(t *testing.T) {
	s := newTestStore(t)

	allocs := []*types.Allocation{
		{ID: "a1", JobID: "job-1", NodeID: "node-1", TaskGroup: "web", ReplicaIndex: 0},
		{ID: "a2", JobID: "job-1", NodeID: "node-2", TaskGroup: "web", ReplicaIndex: 1},
		{ID: "a3", JobID: "job-2", NodeID: "node-1", TaskGroup: "api", ReplicaIndex: 0},
	}
	for _, a := range allocs {
		require.NoError(t, s.CreateAllocation(a))
	}

	byJob, err := s.ListAllocationsByJob("job-1")
	require.NoError(t, err)
	assert.Len(t, byJob, 2)

	byNode, err := s.ListAllocationsByNode("node-1")
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	all, err := s.ListAllocations()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNodeRoundTrip(t *testing.T) {
	s := newTestStore(t)

	node := &types.Node{
		ID:         "node-1",
		Datacenter: "dc1",
		Capacity:   types.Resources{CPUMillicores: 4000, MemoryMiB: 8192, GPU: 1},
		Ready:      true,
	}
	require.NoError(t, s.CreateNode(node))

	got, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), got.Capacity.CPUMillicores)
	assert.True(t, got.Ready)

	nodes, err := s.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}
