package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetd-io/fleetd/pkg/events"
	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/metrics"
	"github.com/fleetd-io/fleetd/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Cluster wraps a raft.Raft instance plus the FSM and durable store it
// drives, and surfaces leadership transitions so the caller can start and
// stop the leader-only loops. The election mechanism itself (raft) is used
// off the shelf, never reimplemented.
type Cluster struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *FSM
	store       storage.Store
	eventBroker *events.Broker

	leadershipCh chan bool
	stopCh       chan struct{}
}

// Config holds configuration for creating a Cluster.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewCluster creates a new Cluster instance backed by a fresh BoltDB store.
func NewCluster(cfg Config) (*Cluster, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewFSM(store)

	eventBroker := events.NewBroker(100)
	eventBroker.Start()

	c := &Cluster{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		fsm:          fsm,
		store:        store,
		eventBroker:  eventBroker,
		leadershipCh: make(chan bool, 1),
		stopCh:       make(chan struct{}),
	}

	return c, nil
}

func (c *Cluster) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)

	// Tuned for <10s failover on a LAN/edge deployment; hashicorp/raft's
	// defaults (HeartbeatTimeout=1s, ElectionTimeout=1s,
	// LeaderLeaseTimeout=500ms) target WAN deployments.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

func (c *Cluster) newRaft() (*raft.Raft, error) {
	config := c.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	return r, nil
}

// Bootstrap initializes a new single-node raft cluster.
func (c *Cluster) Bootstrap() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(c.nodeID), Address: raft.ServerAddress(c.bindAddr)},
		},
	}
	future := c.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	go c.watchLeadership()
	return nil
}

// Join starts raft on this node without bootstrapping a configuration. It
// expects an operator (via the thin CLI adapter, or whatever external
// control surface the deployment uses) to have called AddVoter on the
// existing leader with this node's id and bind address — join-token
// exchange and the RPC dial that would drive it are part of the HTTP/gRPC
// API surface this spec places out of core scope.
func (c *Cluster) Join() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	go c.watchLeadership()
	return nil
}

// AddVoter adds a new node to the raft cluster. Must be called on the
// leader.
func (c *Cluster) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", c.LeaderAddr())
	}

	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a server from the raft cluster.
func (c *Cluster) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !c.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns information about all servers in the raft
// cluster.
func (c *Cluster) GetClusterServers() ([]raft.Server, error) {
	if c.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader returns true if this node is the raft leader.
func (c *Cluster) IsLeader() bool {
	if c.raft == nil {
		return false
	}
	return c.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current raft leader.
func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// GetRaftStats returns raft statistics for metrics collection.
func (c *Cluster) GetRaftStats() map[string]interface{} {
	if c.raft == nil {
		return nil
	}

	stats := map[string]interface{}{
		"state":         c.raft.State().String(),
		"last_log_index": c.raft.LastIndex(),
		"applied_index":  c.raft.AppliedIndex(),
		"leader":         string(c.raft.Leader()),
	}

	if configFuture := c.raft.GetConfiguration(); configFuture.Error() == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}

	return stats
}

// Store returns the underlying durable store, for packages (pkg/registry)
// that need direct read access without going through raft.
func (c *Cluster) Store() storage.Store {
	return c.store
}

// EventBroker returns the cluster-wide event broker.
func (c *Cluster) EventBroker() *events.Broker {
	return c.eventBroker
}

// Apply submits a command to the raft log and waits for it to commit.
func (c *Cluster) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := c.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

// watchLeadership translates raft's own leadership-change observations into
// the become-leader/lose-leadership signal on leadershipCh. Callers
// observe transitions via LeadershipChanges rather than registering
// callbacks, so cmd/fleetd controls exactly when registries/tick loops
// start and stop.
func (c *Cluster) watchLeadership() {
	observationCh := make(chan raft.Observation, 1)
	observer := raft.NewObserver(observationCh, true, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	c.raft.RegisterObserver(observer)
	defer c.raft.DeregisterObserver(observer)

	for {
		select {
		case <-observationCh:
			c.leadershipCh <- c.IsLeader()
		case <-c.stopCh:
			return
		}
	}
}

// LeadershipChanges returns a channel that receives true when this node
// becomes leader and false when it loses leadership. cmd/fleetd wires
// on_become_leader (start registries + reconciler + autoscaler ticks) and
// on_lose_leadership (stop ticks, release in-memory state) off this signal.
func (c *Cluster) LeadershipChanges() <-chan bool {
	return c.leadershipCh
}

// Shutdown releases raft and store resources.
func (c *Cluster) Shutdown() error {
	close(c.stopCh)
	c.eventBroker.Stop()

	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			log.Logger.Error().Err(err).Msg("Error shutting down raft")
		}
	}

	return c.store.Close()
}
