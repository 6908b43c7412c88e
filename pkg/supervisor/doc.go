// Package supervisor analyzes completed turns in the background and leaves
// advisory state for the next turn.
//
// Invariants:
// - A turn is analyzed at most once per dedup TTL, keyed by turn ID.
// - Hints are only ever written, never cleared, here; an unconsumed hint is left as is.
// - Failures are logged and counted; the turn is dropped without retry.
//
// Usage:
//
//	sup, _ := supervisor.New(supervisor.Config{Store: store, Similarity: sim, Constraints: cc})
//	defer sup.Close()
//	q := turnqueue.New(turnqueue.Config{Capacity: 1024, Workers: 8}, sup.OnTurn)
package supervisor
