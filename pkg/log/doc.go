/*
Package log wraps zerolog behind a package-level Logger plus the child-
logger helpers the rest of this repository keys its output on.

Init configures the global Logger once, from cmd/fleetd's --log-level and
--log-json flags (JSON for machines, zerolog's console writer for humans).
Every long-lived component takes a child logger at construction:

	logger := log.WithComponent("scheduler")
	logger.Info().Int("batch", len(batch)).Msg("scheduling pass")

WithJobID, WithNodeID, WithAllocID, and WithTaskGroup attach the entity
fields operators grep for (job_id, node_id, allocation_id, task_group), so
one allocation's life — placement, dispatch, heartbeat transitions,
termination — can be followed across the scheduler, reconciler, and
dispatch logs with a single field filter.

Levels follow zerolog: per-job reconcile errors log at error and never stop
the loop; deferred placements and dispatch retries log at warn; per-pass
detail stays at debug so a busy leader's info stream is readable.
*/
package log
