package queue

import (
	"context"
	"errors"
	"iter"

	"github.com/aescanero/taskstream/pkg/domain"
)

// EventConsumer pulls events from a queue until it is closed
type EventConsumer struct {
	queue *EventQueue
}

// NewConsumer wraps a queue handle
func NewConsumer(q *EventQueue) *EventConsumer {
	return &EventConsumer{queue: q}
}

// ConsumeOne returns the next ready event without waiting
func (c *EventConsumer) ConsumeOne(ctx context.Context) (domain.Event, error) {
	return c.queue.DequeueEvent(ctx, true)
}

// ConsumeAll yields events in stream order until the tombstone is reached.
//
// Empty reads are retried. A storage error or context cancellation is yielded
// once and ends the sequence. Stopping the iteration early leaves the stream
// untouched; only this handle's cursor is abandoned.
func (c *EventConsumer) ConsumeAll(ctx context.Context) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			event, err := c.queue.DequeueEvent(ctx, false)
			if err != nil {
				switch {
				case errors.Is(err, ErrQueueClosed):
					return
				case errors.Is(err, ErrQueueEmpty):
					continue
				}
				yield(nil, err)
				return
			}

			if !yield(event, nil) {
				return
			}
			if c.queue.IsClosed() {
				return
			}
		}
	}
}

// Drain calls fn for every event until the queue closes or fn returns an error
func (c *EventConsumer) Drain(ctx context.Context, fn func(domain.Event) error) error {
	for event, err := range c.ConsumeAll(ctx) {
		if err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return nil
}
