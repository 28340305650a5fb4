package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fleetd-io/fleetd/pkg/storage"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine applying Job/Allocation/Node
// commands to the durable store.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command represents a state change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateJob        = "create_job"
	opUpdateJob        = "update_job"
	opDeleteJob        = "delete_job"
	opCreateAllocation = "create_allocation"
	opUpdateAllocation = "update_allocation"
	opDeleteAllocation = "delete_allocation"
	opCreateNode       = "create_node"
	opUpdateNode       = "update_node"
	opDeleteNode       = "delete_node"
)

// Apply applies a Raft log entry to the FSM. Called by raft when a log entry
// is committed.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateJob:
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		return f.store.CreateJob(&job)

	case opUpdateJob:
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		return f.store.UpdateJob(&job)

	case opDeleteJob:
		var jobID string
		if err := json.Unmarshal(cmd.Data, &jobID); err != nil {
			return err
		}
		return f.store.DeleteJob(jobID)

	case opCreateAllocation:
		var alloc types.Allocation
		if err := json.Unmarshal(cmd.Data, &alloc); err != nil {
			return err
		}
		return f.store.CreateAllocation(&alloc)

	case opUpdateAllocation:
		var alloc types.Allocation
		if err := json.Unmarshal(cmd.Data, &alloc); err != nil {
			return err
		}
		return f.store.UpdateAllocation(&alloc)

	case opDeleteAllocation:
		var allocID string
		if err := json.Unmarshal(cmd.Data, &allocID); err != nil {
			return err
		}
		return f.store.DeleteAllocation(allocID)

	case opCreateNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.CreateNode(&node)

	case opUpdateNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.UpdateNode(&node)

	case opDeleteNode:
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return err
		}
		return f.store.DeleteNode(nodeID)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM. Called periodically
// by raft to compact the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	allocations, err := f.store.ListAllocations()
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	return &Snapshot{Jobs: jobs, Allocations: allocations, Nodes: nodes}, nil
}

// Restore restores the FSM from a snapshot. Called when a node restarts or
// joins the cluster.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, job := range snapshot.Jobs {
		if err := f.store.CreateJob(job); err != nil {
			return fmt.Errorf("failed to restore job: %w", err)
		}
	}
	for _, alloc := range snapshot.Allocations {
		if err := f.store.CreateAllocation(alloc); err != nil {
			return fmt.Errorf("failed to restore allocation: %w", err)
		}
	}
	for _, node := range snapshot.Nodes {
		if err := f.store.CreateNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %w", err)
		}
	}

	return nil
}

// Snapshot represents a point-in-time snapshot of cluster state.
type Snapshot struct {
	Jobs        []*types.Job
	Allocations []*types.Allocation
	Nodes       []*types.Node
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources.
func (s *Snapshot) Release() {}
