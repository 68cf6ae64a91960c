// Package dispatch matches queued work items to registered workers.
//
// A single loop goroutine drains the priority queue. For each item, in dispatch
// order, it picks an idle worker whose capability set contains the item's type
// and hands the item off to that worker's Runner on a new goroutine, so items
// assigned to different workers run concurrently while one worker never has more
// than one item in flight. A worker whose item timed out stays reserved until its
// Execute returns.
//
// Ordering:
//   - Lower Priority values dispatch first
//   - Equal priorities dispatch in submission order (queue sequence number)
//   - When every capable worker is busy the item keeps its place and the loop
//     moves on to items other workers can take
//
// Failure handling (the worker is never invoked):
//   - No registered worker declares the type → no_worker, at Submit time
//   - Deadline passed before hand-off → timeout
//   - Unknown or failed dependency → dependency
//
// Items with unresolved dependencies are parked and enqueued once every
// dependency has succeeded. Results are kept in a bounded store and evicted in
// insertion order. Workers exchange ephemeral Messages through per-worker
// mailboxes; delivery is FIFO per sender and at most once.
//
// Limitations:
//   - No retries; resubmit to try again
//   - Nothing survives a restart
package dispatch
