package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_nodes_total",
			Help: "Total number of nodes by readiness and drain status",
		},
		[]string{"ready", "drain"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	AllocationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_allocations_total",
			Help: "Total number of allocations by observed state",
		},
		[]string{"state"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_scheduling_latency_seconds",
			Help:    "Time taken to run a scheduling batch (Filter+Score+Pick+Commit) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_placements_total",
			Help: "Total number of allocations successfully placed",
		},
	)

	PlacementsDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_placements_deferred_total",
			Help: "Total number of placement requests deferred, by reason",
		},
		[]string{"reason"},
	)

	ScoringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_scoring_duration_seconds",
			Help:    "Time taken to score feasible nodes for one placement request",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Raft operation metrics
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	AllocationsTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_allocations_terminated_total",
			Help: "Total number of allocations terminated, by reason",
		},
		[]string{"reason"},
	)

	// Rollout metrics
	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_rollouts_total",
			Help: "Total number of job version rollouts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	RolloutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_rollout_duration_seconds",
			Help:    "Rollout duration in seconds by strategy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	// Autoscaler metrics
	AutoscaleActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_autoscale_actions_total",
			Help: "Total number of autoscale decisions applied, by direction",
		},
		[]string{"direction"},
	)

	// Dispatch metrics
	DispatchSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_dispatch_send_duration_seconds",
			Help:    "Time taken to deliver an assignment to a node's agent",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_dispatch_retries_total",
			Help: "Total number of dispatch send retries",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_heartbeats_total",
			Help: "Total number of node heartbeats received",
		},
	)

	HeartbeatsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_heartbeats_dropped_total",
			Help: "Total number of heartbeat reports replaced by a newer report from the same node before ingestion",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(PlacementsDeferredTotal)
	prometheus.MustRegister(ScoringDuration)

	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(AllocationsTerminatedTotal)

	prometheus.MustRegister(RolloutsTotal)
	prometheus.MustRegister(RolloutDuration)

	prometheus.MustRegister(AutoscaleActionsTotal)

	prometheus.MustRegister(DispatchSendDuration)
	prometheus.MustRegister(DispatchRetriesTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HeartbeatsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
