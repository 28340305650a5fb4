/*
Package storage defines the Store interface for the leader's durable record
log and a BoltDB-backed implementation.

# Architecture

Three buckets, one per entity, each keyed by the entity's id and holding a
JSON-encoded record:

	jobs         job_id        -> types.Job
	allocations  allocation_id -> types.Allocation
	nodes        node_id       -> types.Node

Every write goes through the raft FSM (pkg/cluster) before reaching the
store, so the store itself does no consensus; it only needs to be fast and
crash-consistent, which is what BoltDB's single-writer mmap'd B+tree gives
for free. Reads — including the scheduler's node snapshot and the
reconciler's per-tick diff — go straight to the store without involving
raft, since only the leader ever reads it.

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil { ... }
	defer store.Close()

	if err := store.CreateJob(job); err != nil { ... }
	jobs, err := store.ListJobs()

# Thread Safety

BoltDB serializes writers internally; concurrent readers see a consistent
snapshot via MVCC. Callers still need their own locking to serialize the
read-modify-write sequences this package's CRUD methods expose as separate
calls (e.g. Get then Update) — that locking lives in pkg/registry, not here.
*/
package storage
