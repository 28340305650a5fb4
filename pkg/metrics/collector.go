package metrics

import (
	"time"

	"github.com/fleetd-io/fleetd/pkg/storage"
	"github.com/fleetd-io/fleetd/pkg/types"
)

// ClusterView is the subset of *cluster.Cluster the collector needs. Kept as
// a local interface (rather than importing pkg/cluster) since pkg/cluster
// imports pkg/metrics to time raft.Apply.
type ClusterView interface {
	Store() storage.Store
	IsLeader() bool
	GetRaftStats() map[string]interface{}
}

// Collector periodically samples the durable store and raft stats and
// updates the package-level gauges. It is only meaningful on the leader;
// followers run it too since reads go straight to their own store copy.
type Collector struct {
	cluster ClusterView
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(c ClusterView) *Collector {
	return &Collector{
		cluster: c,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectJobMetrics()
	c.collectAllocationMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectNodeMetrics() {
	store := c.cluster.Store()
	nodes, err := store.ListNodes()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, node := range nodes {
		ready := "false"
		if node.Ready {
			ready = "true"
		}
		drain := "false"
		if node.Drain {
			drain = "true"
		}
		if counts[ready] == nil {
			counts[ready] = make(map[string]int)
		}
		counts[ready][drain]++
	}

	for ready, drains := range counts {
		for drain, count := range drains {
			NodesTotal.WithLabelValues(ready, drain).Set(float64(count))
		}
	}
}

func (c *Collector) collectJobMetrics() {
	store := c.cluster.Store()
	jobs, err := store.ListJobs()
	if err != nil {
		return
	}

	counts := make(map[types.JobStatus]int)
	for _, job := range jobs {
		counts[job.Status]++
	}
	for status, count := range counts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectAllocationMetrics() {
	store := c.cluster.Store()
	allocs, err := store.ListAllocations()
	if err != nil {
		return
	}

	counts := make(map[types.AllocObservedState]int)
	for _, alloc := range allocs {
		counts[alloc.ObservedState]++
	}
	for state, count := range counts {
		AllocationsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.cluster.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		RaftPeers.Set(float64(peers))
	}
}
