// Package queue implements task-scoped event queues on top of an EventLog.
//
// The package provides:
//   - EventQueue: a read/write handle on one task's stream with a private cursor
//   - EventConsumer: pull helpers that drain a queue until its tombstone
//   - Manager: the process-local registry of canonical queues per task
//
// Closure is discovered per handle. A handle learns its stream is closed only
// when its own cursor reaches the tombstone, so taps never share state.
package queue
