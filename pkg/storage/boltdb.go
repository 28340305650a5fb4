package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fleetd-io/fleetd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs        = []byte("jobs")
	bucketAllocations = []byte("allocations")
	bucketNodes       = []byte("nodes")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleetd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketAllocations, bucketNodes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // upsert
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(id))
	})
}

// Allocation operations

func (s *BoltStore) CreateAllocation(alloc *types.Allocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		data, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		return b.Put([]byte(alloc.ID), data)
	})
}

func (s *BoltStore) GetAllocation(id string) (*types.Allocation, error) {
	var alloc types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("allocation not found: %s", id)
		}
		return json.Unmarshal(data, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListAllocations() ([]*types.Allocation, error) {
	var allocs []*types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		return b.ForEach(func(k, v []byte) error {
			var alloc types.Allocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocs = append(allocs, &alloc)
			return nil
		})
	})
	return allocs, err
}

func (s *BoltStore) ListAllocationsByJob(jobID string) ([]*types.Allocation, error) {
	all, err := s.ListAllocations()
	if err != nil {
		return nil, err
	}
	var out []*types.Allocation
	for _, a := range all {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *BoltStore) ListAllocationsByNode(nodeID string) ([]*types.Allocation, error) {
	all, err := s.ListAllocations()
	if err != nil {
		return nil, err
	}
	var out []*types.Allocation
	for _, a := range all {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateAllocation(alloc *types.Allocation) error {
	return s.CreateAllocation(alloc) // upsert
}

func (s *BoltStore) DeleteAllocation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAllocations)
		return b.Delete([]byte(id))
	})
}

// Node operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("node not found: %s", id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node) // upsert
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}
