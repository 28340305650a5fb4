/*
Package cluster wires a raft.Raft instance to the FSM and durable store that
make up the control plane's single-writer core, and exposes the leadership
signal pkg/registry, pkg/scheduler, pkg/reconciler, and pkg/autoscaler gate
their tick loops on.

# Architecture

	┌─────────────────────── CONTROL PLANE NODE ──────────────────────┐
	│                                                                   │
	│   Cluster                                                        │
	│     - Bootstrap / Join raft membership                          │
	│     - Apply(cmd) -> raft.Apply -> FSM                           │
	│     - LeadershipChanges() chan bool                             │
	│         │                                                        │
	│         ▼                                                        │
	│   raft.Raft (hashicorp/raft)                                    │
	│     - leader election, log replication                         │
	│         │                                                        │
	│         ▼                                                        │
	│   FSM                                                           │
	│     - Apply: job/allocation/node commands -> storage.Store      │
	│     - Snapshot/Restore for log compaction                      │
	│         │                                                        │
	│         ▼                                                        │
	│   storage.Store (BoltDB)                                        │
	└───────────────────────────────────────────────────────────────┘

# Leadership

Only the raft leader runs the scheduler, reconciler, and autoscaler; followers
replicate the log and serve no traffic of their own. Cluster
does not invoke callbacks directly — it emits leadership transitions on the
channel returned by LeadershipChanges, and the process entrypoint (cmd/fleetd)
starts and stops the tick loops in response. This keeps Cluster ignorant of
what "on_become_leader" actually does, matching the rest of this module's
layering: cluster only knows raft and the store.

# Joining a cluster

Bootstrap forms a new single-node cluster. Join starts raft on a node without
a configuration and expects the existing leader to call AddVoter for it —
the token exchange and RPC dial that would drive that handshake belong to
whatever thin CLI or API adapter an operator puts in front of this core; this
package never dials another node over gRPC.

# Raft tuning

HeartbeatTimeout and ElectionTimeout are both set to 500ms and CommitTimeout
to 50ms, short enough for sub-10-second failover on a LAN-grade deployment;
hashicorp/raft's own defaults target WAN latencies an order of magnitude
higher than this system needs to tolerate.
*/
package cluster
