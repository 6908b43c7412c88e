// Package turnqueue hands completed turns from the foreground path to the background
// supervisor without ever blocking the caller.
//
// Invariants:
// - TryEnqueue never blocks; when the queue is at capacity the new turn is dropped and
//   ErrQueueFull is returned.
// - Turns of the same user are handled in FIFO order, one at a time.
// - Turns of different users are handled in parallel, up to the configured worker count.
// - A panicking handler is recovered and counted as a failure; the worker keeps running.
//
// Usage:
//
//	q := turnqueue.New(turnqueue.Config{Capacity: 1024, Workers: 8}, sup.OnTurn)
//	q.Start(ctx)
//	defer q.Close()
//	if err := q.TryEnqueue(turn); err != nil {
//		// dropped; already logged and counted
//	}
package turnqueue
