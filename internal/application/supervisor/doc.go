// Package supervisor runs task producers and guarantees their streams close.
//
// The supervisor:
//   - Registers the task's canonical queue and reports submitted/working status
//   - Runs the producer on the worker pool under an execution timeout
//   - Publishes a final status once the producer returns
//   - Closes the task's queue exactly once, whatever the outcome
package supervisor
