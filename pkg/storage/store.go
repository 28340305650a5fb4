package storage

import (
	"github.com/fleetd-io/fleetd/pkg/types"
)

// Store defines the interface for the leader's durable record log: Job,
// Allocation, and Node records, each keyed by its own id and each carrying
// a monotonically increasing version. It is implemented by BoltDB-backed
// storage.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Allocations
	CreateAllocation(alloc *types.Allocation) error
	GetAllocation(id string) (*types.Allocation, error)
	ListAllocations() ([]*types.Allocation, error)
	ListAllocationsByJob(jobID string) ([]*types.Allocation, error)
	ListAllocationsByNode(nodeID string) ([]*types.Allocation, error)
	UpdateAllocation(alloc *types.Allocation) error
	DeleteAllocation(id string) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Close releases underlying resources.
	Close() error
}
