package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueEmpty is returned when no entry is ready within the read window
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrQueueClosed is returned once a handle has reached the tombstone.
	// It wraps ErrQueueEmpty so callers treating both alike can check one sentinel.
	ErrQueueClosed = fmt.Errorf("%w: queue closed", ErrQueueEmpty)

	// ErrQueueAlreadyExists is returned when registering a task id twice
	ErrQueueAlreadyExists = errors.New("queue already exists")

	// ErrNoQueue is returned when a task id has no registered queue
	ErrNoQueue = errors.New("no queue for task")

	// ErrInvalidCursor is returned for a reading position that is not an entry id
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidQueue is returned when registering a nil queue or one for another task
	ErrInvalidQueue = errors.New("invalid queue")
)
