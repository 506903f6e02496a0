// Package injector writes task events directly to the event log.
//
// It is the producer-side entry point for processes that know a task's id
// but do not hold its canonical queue, such as an agent running elsewhere
// or an HTTP client pushing updates. Everything it writes is readable by
// the queues of internal/application/queue.
package injector
