package injector

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrValidation wraps every rejected identifier or event
var ErrValidation = errors.New("validation failed")

// historyBatch is the page size used when collecting a stream's history
const historyBatch = 100

// Options configures an Injector
type Options struct {
	// Prefix is the stream key prefix shared with the queues
	Prefix string

	// MaxLen bounds each stream's length. Zero keeps every entry.
	MaxLen int64

	Logger  *zap.Logger
	Metrics ports.MetricsCollector
}

// Injector appends task events to the log without going through a queue
type Injector struct {
	log       ports.EventLog
	validator *Validator
	prefix    string
	maxLen    int64
	logger    *zap.Logger
	metrics   ports.MetricsCollector
}

// New creates a new stream injector
func New(log ports.EventLog, opts Options) *Injector {
	if opts.Prefix == "" {
		opts.Prefix = queue.DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = ports.NoopMetrics{}
	}

	return &Injector{
		log:       log,
		validator: NewValidator(),
		prefix:    opts.Prefix,
		maxLen:    opts.MaxLen,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// StreamMessage appends an agent message to the task's stream
func (i *Injector) StreamMessage(ctx context.Context, contextID, taskID string, msg *domain.Message) (string, error) {
	if err := i.validator.ValidateTask(contextID, taskID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := i.validator.ValidateMessage(msg); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.ContextID == "" {
		msg.ContextID = contextID
	}
	if msg.TaskID == "" {
		msg.TaskID = taskID
	}

	return i.Publish(ctx, taskID, msg)
}

// UpdateStatus appends a status update. An empty state means working.
func (i *Injector) UpdateStatus(ctx context.Context, contextID, taskID string, state domain.TaskState, msg *domain.Message, final bool) (string, error) {
	if err := i.validator.ValidateTask(contextID, taskID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if state == "" {
		state = domain.TaskStateWorking
	}
	if err := i.validator.ValidateState(state); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if msg != nil {
		if err := i.validator.ValidateMessage(msg); err != nil {
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if msg.MessageID == "" {
			msg.MessageID = uuid.New().String()
		}
	}

	event := &domain.TaskStatusUpdateEvent{
		TaskID:    taskID,
		ContextID: contextID,
		Status:    domain.NewTaskStatus(state, msg),
		Final:     final,
	}

	return i.Publish(ctx, taskID, event)
}

// FinalMessage appends msg followed by a final completed status and returns
// the message's entry id
func (i *Injector) FinalMessage(ctx context.Context, contextID, taskID string, msg *domain.Message) (string, error) {
	id, err := i.StreamMessage(ctx, contextID, taskID, msg)
	if err != nil {
		return "", err
	}

	if _, err := i.UpdateStatus(ctx, contextID, taskID, domain.TaskStateCompleted, nil, true); err != nil {
		return "", err
	}

	return id, nil
}

// Publish appends any typed event to the task's stream
func (i *Injector) Publish(ctx context.Context, taskID string, event domain.Event) (string, error) {
	if taskID == "" {
		return "", fmt.Errorf("%w: task ID is required", ErrValidation)
	}

	kind, payload, err := domain.Encode(event)
	if err != nil {
		return "", err
	}

	return i.append(ctx, taskID, string(kind), payload)
}

// AppendRaw appends an entry with an arbitrary type and payload
func (i *Injector) AppendRaw(ctx context.Context, taskID, kind string, payload []byte) (string, error) {
	if taskID == "" {
		return "", fmt.Errorf("%w: task ID is required", ErrValidation)
	}
	if err := i.validator.ValidateKind(kind); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	return i.append(ctx, taskID, kind, payload)
}

// LatestEvent returns the newest entry of the task's stream
func (i *Injector) LatestEvent(ctx context.Context, taskID string) (ports.LogEntry, bool, error) {
	if taskID == "" {
		return ports.LogEntry{}, false, fmt.Errorf("%w: task ID is required", ErrValidation)
	}

	entry, ok, err := i.log.Last(ctx, i.key(taskID))
	if err != nil {
		i.logger.Warn("failed to get latest event",
			zap.String("task_id", taskID),
			zap.Error(err))
		return ports.LogEntry{}, false, err
	}
	return entry, ok, nil
}

// EventsSince returns every entry after since, tombstone included.
// An empty since reads from the beginning of the stream.
func (i *Injector) EventsSince(ctx context.Context, taskID, since string) ([]ports.LogEntry, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task ID is required", ErrValidation)
	}
	if since == "" {
		since = ports.StartID
	}

	key := i.key(taskID)
	var out []ports.LogEntry
	for {
		entries, err := i.log.ReadAfter(ctx, key, since, historyBatch, 0)
		if err != nil {
			i.logger.Warn("failed to get events",
				zap.String("task_id", taskID),
				zap.Error(err))
			return nil, err
		}
		out = append(out, entries...)
		if len(entries) < historyBatch {
			return out, nil
		}
		since = entries[len(entries)-1].ID
	}
}

// Close seals the task's stream
func (i *Injector) Close(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task ID is required", ErrValidation)
	}

	if err := i.log.Seal(ctx, i.key(taskID)); err != nil {
		i.logger.Error("failed to close stream",
			zap.String("task_id", taskID),
			zap.Error(err))
		return err
	}

	i.metrics.IncTombstones()
	i.logger.Info("stream closed", zap.String("task_id", taskID))
	return nil
}

func (i *Injector) append(ctx context.Context, taskID, kind string, payload []byte) (string, error) {
	id, err := i.log.Append(ctx, i.key(taskID), kind, payload, ports.AppendOptions{MaxLen: i.maxLen})
	if err != nil {
		i.metrics.IncAppendErrors(kind)
		i.logger.Error("failed to inject event",
			zap.String("task_id", taskID),
			zap.String("type", kind),
			zap.Error(err))
		return "", err
	}

	i.metrics.IncEventsAppended(kind)
	i.logger.Debug("event injected",
		zap.String("task_id", taskID),
		zap.String("entry_id", id),
		zap.String("type", kind))

	return id, nil
}

func (i *Injector) key(taskID string) string {
	return queue.StreamKey(i.prefix, taskID)
}
