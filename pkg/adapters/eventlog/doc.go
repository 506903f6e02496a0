// Package eventlog provides EventLog implementations.
//
// Implementations:
//   - redis: Redis Streams, Lua-guarded appends and tombstones (default)
//   - pebble: embedded on-disk log for single-node deployments
//   - memory: In-memory for testing
package eventlog
