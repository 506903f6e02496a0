// Package workers implements the worker pool that runs task producers.
//
// The worker pool manages a fixed number of goroutines that:
//   - Take producer jobs submitted by the supervisor
//   - Run each job with the pool's cancellation context
//   - Survive panicking jobs and report per-worker status
package workers
