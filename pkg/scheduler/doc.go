/*
Package scheduler assigns PlacementRequests to nodes.

A scheduling pass runs four phases over a batch of requests and a single
point-in-time NodeSnapshot supplied by the caller (normally the reconciler,
once per tick):

  - Filter: drop nodes that are not ready, draining, short of capacity, or
    that fail a hard Constraint or a required AntiAffinity.
  - Score: compute a weighted integer composite over the surviving nodes —
    BinPack, Spread, GPULocality, VersionAffinity, and a SoftAntiAffinity
    penalty — using only int64 arithmetic scaled by ScoringScale.
  - Pick: take the highest-scoring node, tie-breaking on fewest current
    allocations and then lexicographically smallest node id, so repeated
    runs over identical input always produce identical output.
  - Commit: fold the placement into the pass's working resource/count
    deltas so the next request in the same batch sees an accurate picture,
    without touching the registry or persisting anything.

A Scheduler owns a ScoreCache mapping node id to a pre-summarized view of
that node's allocation set (total used resources, per-task-group counts).
The cache survives across passes and is invalidated by the owner whenever a
node's real allocation set changes outside of a Commit the scheduler itself
performed.

Requests that cannot be placed are returned as Deferrals with a structured
reason; the caller is responsible for requeuing them with backoff.
*/
package scheduler
