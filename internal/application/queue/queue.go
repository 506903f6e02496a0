package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/aescanero/taskstream/pkg/ports"
	"go.uber.org/zap"
)

const (
	// DefaultPrefix is the stream key prefix used when none is configured
	DefaultPrefix = "a2a:task"

	// DefaultBlockTimeout bounds a single blocking dequeue
	DefaultBlockTimeout = 500 * time.Millisecond
)

// Options configures the queues built by New and Manager
type Options struct {
	// Prefix is prepended to the task id to form the stream key
	Prefix string

	// MaxLen bounds each stream's length. Zero keeps every entry.
	MaxLen int64

	// BlockTimeout is how long a blocking dequeue waits before reporting empty
	BlockTimeout time.Duration

	Logger  *zap.Logger
	Metrics ports.MetricsCollector
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = DefaultBlockTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = ports.NoopMetrics{}
	}
	return o
}

// StreamKey returns the stream key of a task
func StreamKey(prefix, taskID string) string {
	return prefix + ":" + taskID
}

// EventQueue is a handle on one task's stream. Handles on the same stream
// share storage but each keeps its own cursor and closed flag.
type EventQueue struct {
	log    ports.EventLog
	taskID string
	key    string
	opts   Options

	// readMu serializes dequeues on this handle and guards cursor
	readMu sync.Mutex
	cursor string
	closed atomic.Bool
}

// New creates a handle reading task's stream from the beginning
func New(log ports.EventLog, taskID string, opts Options) *EventQueue {
	return newHandle(log, taskID, opts.withDefaults(), ports.StartID)
}

func newHandle(log ports.EventLog, taskID string, opts Options, cursor string) *EventQueue {
	return &EventQueue{
		log:    log,
		taskID: taskID,
		key:    StreamKey(opts.Prefix, taskID),
		opts:   opts,
		cursor: cursor,
	}
}

// TaskID returns the task this queue belongs to
func (q *EventQueue) TaskID() string {
	return q.taskID
}

// StreamKey returns the key of the underlying stream
func (q *EventQueue) StreamKey() string {
	return q.key
}

// Cursor returns the id of the last entry this handle consumed
func (q *EventQueue) Cursor() string {
	q.readMu.Lock()
	defer q.readMu.Unlock()
	return q.cursor
}

// IsClosed reports whether this handle has reached the stream's tombstone
func (q *EventQueue) IsClosed() bool {
	return q.closed.Load()
}

// EnqueueEvent appends an event to the stream
func (q *EventQueue) EnqueueEvent(ctx context.Context, event domain.Event) error {
	if q.closed.Load() {
		q.opts.Logger.Warn("queue is closed, event not enqueued",
			zap.String("task_id", q.taskID))
		return nil
	}

	kind, payload, err := domain.Encode(event)
	if err != nil {
		return err
	}

	id, err := q.log.Append(ctx, q.key, string(kind), payload, ports.AppendOptions{MaxLen: q.opts.MaxLen})
	if err != nil {
		q.opts.Metrics.IncAppendErrors(string(kind))
		if errors.Is(err, ports.ErrStreamClosed) {
			q.opts.Logger.Warn("stream is sealed, event rejected",
				zap.String("task_id", q.taskID),
				zap.String("type", string(kind)))
			return err
		}
		q.opts.Logger.Error("failed to enqueue event",
			zap.String("task_id", q.taskID),
			zap.String("type", string(kind)),
			zap.Error(err))
		return err
	}

	q.opts.Metrics.IncEventsAppended(string(kind))
	q.opts.Logger.Debug("event enqueued",
		zap.String("task_id", q.taskID),
		zap.String("entry_id", id),
		zap.String("type", string(kind)))

	return nil
}

// DequeueEvent returns the next event after this handle's cursor.
//
// With noWait it never blocks and returns ErrQueueEmpty when nothing is ready.
// Otherwise it waits up to the configured block timeout, and a timeout is also
// reported as ErrQueueEmpty. Reaching the tombstone closes the handle and
// returns ErrQueueClosed. Entries that cannot be decoded are skipped.
func (q *EventQueue) DequeueEvent(ctx context.Context, noWait bool) (domain.Event, error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()

	block := q.opts.BlockTimeout
	if noWait {
		block = 0
	}

	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}

		started := time.Now()
		entries, err := q.log.ReadAfter(ctx, q.key, q.cursor, 1, block)
		if block > 0 {
			q.opts.Metrics.ObserveReadWait(time.Since(started))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.opts.Logger.Error("failed to read from stream",
				zap.String("task_id", q.taskID),
				zap.String("cursor", q.cursor),
				zap.Error(err))
			return nil, err
		}
		if len(entries) == 0 {
			return nil, ErrQueueEmpty
		}

		entry := entries[0]
		q.cursor = entry.ID

		if entry.IsTombstone() {
			q.closed.Store(true)
			q.opts.Logger.Debug("tombstone reached",
				zap.String("task_id", q.taskID),
				zap.String("entry_id", entry.ID))
			return nil, ErrQueueClosed
		}

		if entry.Type == "" {
			q.skip(entry, "missing_type", nil)
			continue
		}

		event, err := domain.Decode(entry.Type, entry.Payload)
		if err != nil {
			reason := "malformed_payload"
			if errors.Is(err, domain.ErrEmptyPayload) {
				reason = "missing_payload"
			}
			q.skip(entry, reason, err)
			continue
		}

		q.opts.Metrics.IncEntriesRead(entry.Type)
		return event, nil
	}
}

func (q *EventQueue) skip(entry ports.LogEntry, reason string, err error) {
	q.opts.Metrics.IncEntriesSkipped(reason)
	q.opts.Logger.Warn("skipping stream entry",
		zap.String("task_id", q.taskID),
		zap.String("entry_id", entry.ID),
		zap.String("type", entry.Type),
		zap.String("reason", reason),
		zap.Error(err))
}

// Tap returns a new handle that only observes entries appended after this call.
// Tapping a stream that is already sealed yields a closed handle.
func (q *EventQueue) Tap(ctx context.Context) (*EventQueue, error) {
	last, ok, err := q.log.Last(ctx, q.key)
	if err != nil {
		q.opts.Logger.Error("failed to resolve stream tail",
			zap.String("task_id", q.taskID),
			zap.Error(err))
		return nil, err
	}

	cursor := ports.StartID
	if ok {
		cursor = last.ID
	}

	tap := newHandle(q.log, q.taskID, q.opts, cursor)
	if ok && last.IsTombstone() {
		tap.closed.Store(true)
	}

	q.opts.Metrics.IncTapsCreated()
	q.opts.Logger.Debug("queue tapped",
		zap.String("task_id", q.taskID),
		zap.String("cursor", cursor))

	return tap, nil
}

// Close seals the stream. Every handle discovers the closure when its cursor
// reaches the tombstone, this one included.
func (q *EventQueue) Close(ctx context.Context) error {
	if err := q.log.Seal(ctx, q.key); err != nil {
		q.opts.Logger.Error("failed to close queue",
			zap.String("task_id", q.taskID),
			zap.Error(err))
		return err
	}

	q.opts.Metrics.IncTombstones()
	q.opts.Logger.Info("queue closed", zap.String("task_id", q.taskID))
	return nil
}

// ClearEvents deletes the underlying stream
func (q *EventQueue) ClearEvents(ctx context.Context) error {
	if err := q.log.Delete(ctx, q.key); err != nil {
		q.opts.Logger.Warn("failed to clear events",
			zap.String("task_id", q.taskID),
			zap.Error(err))
		return err
	}
	return nil
}
