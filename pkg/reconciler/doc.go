/*
Package reconciler drives the cluster toward each job's desired state.

On a fixed tick interval (config.TickConfig.ReconcilerInterval, default 2s)
the Reconciler:

 1. Lists every non-Dead job and, per task-group, evicts allocations on
    lost or drained nodes, evicts allocations that failed health checks
    past their grace period, replaces outdated-version allocations under
    the update strategy's rolling budget (rollout.go), and trims surplus
    replicas down to the desired count. All of this is applied immediately
    as allocation state transitions.
 2. Collects the resulting gaps as PlacementRequests from every job and
    runs them through a single scheduler.Scheduler.Schedule call, so
    bin-packing decisions see the whole cluster's free capacity at once
    rather than whatever a job-by-job pass would have left over.
 3. Persists the resulting allocations and hands them to a Dispatcher;
    deferred requests are requeued with exponential backoff and jitter
    rather than retried every tick.
 4. Recomputes and persists each job's status (Running, Degraded, Dead)
    from its post-commit allocation set.

A stopped job (Job.Status == JobStopped) skips steps 1-2's normal diffing
and instead tears down its allocations: all at once if StopDrain is false,
or paced by the task-group's rolling budget if true, transitioning to Dead
once nothing remains to drain.

A Reconciler holds no state across a leadership change; cmd/fleetd builds a
fresh one, over a fresh JobRegistry/NodeRegistry/Scheduler, every time this
process becomes leader.
*/
package reconciler
