// Package domain defines the task events carried by event streams.
//
// Events form a closed set keyed by a wire tag (Message, Task,
// TaskStatusUpdateEvent, TaskArtifactUpdateEvent). Decode resolves tags
// through a lookup table; tags without a decoder yield *Unknown so a reader
// never fails on a kind it does not understand.
package domain
