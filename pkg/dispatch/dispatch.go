// Package dispatch delivers committed allocations to worker-node agents.
// It is the one write path that talks to the outside world (everything
// upstream only touches the durable store), idempotent keyed on allocation
// id and bounded so a send storm can't take the leader process down with
// it.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/fleetd-io/fleetd/pkg/config"
	"github.com/fleetd-io/fleetd/pkg/log"
	"github.com/fleetd-io/fleetd/pkg/metrics"
	"github.com/fleetd-io/fleetd/pkg/registry"
	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/rs/zerolog"
)

// Sender delivers one allocation to the node it was placed on. Send must be
// safe to call more than once for the same allocation id: the worker agent
// is expected to treat a duplicate start command as a no-op.
type Sender interface {
	Send(ctx context.Context, alloc *types.Allocation) error
}

// Queue is a bounded, worker-pool dispatch path: Enqueue never blocks the
// caller (the reconciler's tick), and a full queue drops the newest order
// rather than applying back-pressure to the tick loop itself. A dropped
// order is not lost work — the allocation record stays Pending and the
// reconciler redrives it after the grace window.
type Queue struct {
	sender Sender
	jobs   *registry.JobRegistry
	cfg    config.SchedulerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool

	workCh chan *types.Allocation
	stopCh chan struct{}
}

// NewQueue constructs a Queue. Start must be called before any Enqueue is
// guaranteed to be drained.
func NewQueue(sender Sender, jobs *registry.JobRegistry, cfg config.SchedulerConfig) *Queue {
	depth := cfg.DispatchQueueDepth
	if depth <= 0 {
		depth = 1024
	}
	return &Queue{
		sender:   sender,
		jobs:     jobs,
		cfg:      cfg,
		logger:   log.WithComponent("dispatch"),
		inflight: make(map[string]bool),
		workCh:   make(chan *types.Allocation, depth),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount goroutines draining the queue. Dispatch sends
// are I/O-bound network calls rather than CPU-bound work, so a fixed small
// pool independent of GOMAXPROCS is the better fit than sizing to machine
// parallelism.
func (q *Queue) Start(workerCount int) {
	if workerCount <= 0 {
		workerCount = 8
	}
	for i := 0; i < workerCount; i++ {
		go q.worker()
	}
}

// Stop signals every worker to exit after draining in-flight sends.
func (q *Queue) Stop() {
	close(q.stopCh)
}

// Enqueue hands off a freshly committed allocation for delivery. It
// implements reconciler.Dispatcher. Duplicate orders for an allocation
// already queued or being sent are absorbed; once its send finishes, the
// same allocation id may be enqueued again (the reconciler's redrive path).
func (q *Queue) Enqueue(alloc *types.Allocation) {
	q.mu.Lock()
	if q.inflight[alloc.ID] {
		q.mu.Unlock()
		return
	}
	q.inflight[alloc.ID] = true
	q.mu.Unlock()

	select {
	case q.workCh <- alloc:
	default:
		q.clearInflight(alloc.ID)
		q.logger.Warn().Str("allocation_id", alloc.ID).Msg("dispatch queue full, dropping order")
	}
}

func (q *Queue) clearInflight(allocID string) {
	q.mu.Lock()
	delete(q.inflight, allocID)
	q.mu.Unlock()
}

func (q *Queue) worker() {
	for {
		select {
		case alloc := <-q.workCh:
			q.deliver(alloc)
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) deliver(alloc *types.Allocation) {
	defer q.clearInflight(alloc.ID)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchSendDuration)

	timeout := q.cfg.DispatchSendTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRetries := q.cfg.DispatchMaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := retry.Do(
		func() error { return q.sender.Send(ctx, alloc) },
		retry.Attempts(uint(maxRetries)),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, sendErr error) {
			metrics.DispatchRetriesTotal.Inc()
			q.logger.Warn().
				Err(sendErr).
				Str("allocation_id", alloc.ID).
				Str("node_id", alloc.NodeID).
				Uint("attempt", n+1).
				Msg("retrying dispatch send")
		}),
	)
	if err == nil {
		return
	}

	q.logger.Error().
		Err(err).
		Str("allocation_id", alloc.ID).
		Str("node_id", alloc.NodeID).
		Msg("dispatch send exhausted retries, reverting allocation to pending")

	// Mark the allocation Pending so the next reconciler tick retries the
	// send. DesiredState stays untouched: the reconciler's node-lost and
	// unhealthy eviction logic, not dispatch, decides whether this
	// allocation should ultimately be replaced.
	alloc.ObservedState = types.AllocPending
	if updateErr := q.jobs.UpdateAllocation(alloc); updateErr != nil {
		q.logger.Error().Err(updateErr).Str("allocation_id", alloc.ID).Msg("failed to persist pending reversion")
	}
}
