/*
Package types defines the core data structures shared by every package in
this repository.

# Core Types

Desired state:
  - Job: submitted workload spec, versioned, changed only via the job registry
  - TaskGroup: one scaling unit of a job (replica count, constraints, resources)

Materialized state:
  - Allocation: one task-group replica placed on one node
  - Node: a worker's capacity, labels, and readiness

Scheduling:
  - PlacementRequest: an order to place one replica
  - Assignment / Deferral: the scheduler's two possible outputs per request
  - ScoreWeights / ScoreDimension: the weighted composite scoring model

Autoscaling:
  - AutoscalePolicySpec: the declarative form attached to a TaskGroup;
    pkg/autoscaler turns this into a live Policy evaluator.

# Integer-only scoring

Utilization and score weights are basis points (0..10_000), never floats.
ScoringScale is the K constant used by the BinPack formula. See
pkg/scheduler for where these are consumed.

# Thread safety

Types here are plain data; they carry no synchronization themselves.
Callers (pkg/registry, pkg/storage) own locking around mutation.
*/
package types
