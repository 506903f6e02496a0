// Package health monitors the event log backend and the producer pool.
package health
