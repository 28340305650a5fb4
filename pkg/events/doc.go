/*
Package events provides an in-memory event broker for the control plane's
pub/sub messaging, plus a bounded per-job history so late subscribers can
replay recent events instead of only observing the live stream.

# Architecture

Broker distribution is non-blocking: Publish enqueues onto a buffered
channel and returns; a single goroutine drains that channel and fans each
event out to every current subscriber's own buffered channel. A slow or
absent subscriber never blocks publication — its buffer just drops events
once full.

	Publish(event) ──▶ eventCh (buffered 100) ──▶ run() ──▶ broadcast
	                         │                                  │
	                         ▼                                  ▼
	                   History.Append                  subscriber channels
	                   (per job_id, bounded)             (buffered 50 each)

# Event types

Job lifecycle: EventJobSubmitted, EventJobStatusChanged, EventJobStopped.
Allocation lifecycle: EventAllocationCreated, EventAllocationHealthy,
EventAllocationUnhealthy, EventAllocationTerminated.
Scheduling: EventPlacementDeferred.
Node lifecycle: EventNodeRegistered, EventNodeNotReady, EventNodeDrained.
Autoscaler: EventAutoscaleAction.

# Usage

	broker := events.NewBroker(100) // retain up to 100 events per job
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case types.EventAllocationUnhealthy:
				handleUnhealthy(event)
			case types.EventPlacementDeferred:
				handleDeferred(event)
			}
		}
	}()

	broker.Publish(&types.Event{
		Type:    types.EventJobSubmitted,
		JobID:   job.ID,
		Message: "job accepted by admission",
	})

	// Replay recent history for a job without waiting on the live stream:
	recent := broker.History(job.ID)

# Thread Safety

Broker and History are both safe for concurrent use. Subscribe/Unsubscribe
take a write lock briefly; broadcast, called by Publish, takes a read lock
over the subscriber set, so concurrent publications do not serialize.
*/
package events
