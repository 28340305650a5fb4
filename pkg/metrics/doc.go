/*
Package metrics defines and registers the Prometheus metrics this control
plane exposes: scheduling latency and deferral reasons, reconciliation
cycles, rollout and autoscale actions, dispatch retries, and the underlying
raft health. Metrics are exposed via HTTP for scraping by a Prometheus
server; this package does not run that server itself.

# Metric categories

Cluster: fleetd_nodes_total, fleetd_jobs_total, fleetd_allocations_total —
point-in-time gauges refreshed by Collector every 15s.

Raft: fleetd_raft_is_leader, fleetd_raft_peers_total, fleetd_raft_log_index,
fleetd_raft_applied_index, fleetd_raft_apply_duration_seconds,
fleetd_raft_commit_duration_seconds.

Scheduler: fleetd_scheduling_latency_seconds, fleetd_placements_total,
fleetd_placements_deferred_total{reason}, fleetd_scoring_duration_seconds.

Reconciler: fleetd_reconciliation_duration_seconds,
fleetd_reconciliation_cycles_total, fleetd_allocations_terminated_total{reason}.

Rollout: fleetd_rollouts_total{strategy,outcome}, fleetd_rollout_duration_seconds{strategy}.

Autoscaler: fleetd_autoscale_actions_total{direction}.

Dispatch: fleetd_dispatch_send_duration_seconds, fleetd_dispatch_retries_total,
fleetd_heartbeats_total, fleetd_heartbeats_dropped_total.

# Usage

	timer := metrics.NewTimer()
	// ... run a scheduling batch ...
	timer.ObserveDuration(metrics.SchedulingLatency)

	metrics.PlacementsDeferredTotal.WithLabelValues("insufficient_resource").Inc()

	http.Handle("/metrics", metrics.Handler())

# Collector

Collector samples a ClusterView (store + raft stats) on a 15s ticker and
keeps the gauges current; it takes an interface rather than importing
pkg/cluster directly, since pkg/cluster imports this package to time
raft.Apply calls.

# Health

Probe backs the /health, /ready, and /live HTTP handlers by grading the
same ClusterView: /live answers whenever the process is up, /health checks
that raft and the BoltDB store still answer, and /ready additionally
requires an elected leader — on the leader itself, that the
scheduler/reconciler/autoscaler term has actually started (SetLeading,
called by the process entrypoint on leadership transitions).
*/
package metrics
