package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/internal/application/workers"
	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/aescanero/taskstream/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// finishTimeout bounds the terminal status write and the close
const finishTimeout = 5 * time.Second

var (
	// ErrAlreadyRunning is returned when a task already has a live execution
	ErrAlreadyRunning = errors.New("task is already running")

	// ErrExecutionNotFound is returned when a task has no live execution
	ErrExecutionNotFound = errors.New("execution not found")
)

// Producer writes a task's events to its canonical queue. Returning an error
// marks the task failed. The supervisor closes the queue afterwards.
type Producer func(ctx context.Context, q *queue.EventQueue) error

// Execution tracks one producer run
type Execution struct {
	TaskID    string
	ContextID string
	StartedAt time.Time

	cancelFunc context.CancelFunc
	done       chan struct{}

	mu       sync.RWMutex
	state    domain.TaskState
	err      error
	canceled bool
}

// Done is closed once the execution has finished and its queue is closed
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// State returns the last status reported for the execution
func (e *Execution) State() domain.TaskState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err returns the producer's failure, if any
func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

func (e *Execution) setState(state domain.TaskState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// Supervisor runs producers on a worker pool and closes their queues
type Supervisor struct {
	manager *queue.Manager
	pool    *workers.Pool
	metrics ports.MetricsCollector
	logger  *zap.Logger

	// Track active executions
	executions sync.Map // map[string]*Execution

	timeout time.Duration
}

// New creates a new supervisor. A zero timeout lets producers run until canceled.
func New(
	manager *queue.Manager,
	pool *workers.Pool,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	timeout time.Duration,
) *Supervisor {
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Supervisor{
		manager: manager,
		pool:    pool,
		metrics: metrics,
		logger:  logger,
		timeout: timeout,
	}
}

// Submit registers the task's queue, reports it submitted and schedules the
// producer. Empty ids are generated.
func (s *Supervisor) Submit(ctx context.Context, contextID, taskID string, producer Producer) (*Execution, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is nil")
	}
	if taskID == "" {
		taskID = uuid.New().String()
	}
	if contextID == "" {
		contextID = uuid.New().String()
	}

	var execCtx context.Context
	var cancel context.CancelFunc
	if s.timeout > 0 {
		execCtx, cancel = context.WithTimeout(context.Background(), s.timeout)
	} else {
		execCtx, cancel = context.WithCancel(context.Background())
	}

	exec := &Execution{
		TaskID:     taskID,
		ContextID:  contextID,
		StartedAt:  time.Now(),
		cancelFunc: cancel,
		done:       make(chan struct{}),
		state:      domain.TaskStateSubmitted,
	}
	if _, loaded := s.executions.LoadOrStore(taskID, exec); loaded {
		cancel()
		return nil, ErrAlreadyRunning
	}

	q := s.manager.GetOrCreate(taskID)

	if err := s.publishStatus(ctx, q, exec, domain.TaskStateSubmitted, "", false); err != nil {
		s.logger.Error("failed to publish submitted status",
			zap.String("task_id", taskID),
			zap.Error(err))
		s.finish(exec, q, domain.TaskStateFailed, err)
		return nil, fmt.Errorf("failed to publish submitted status: %w", err)
	}

	err := s.pool.Submit(ctx, workers.Job{
		TaskID: taskID,
		Run: func(workerCtx context.Context) {
			s.run(workerCtx, execCtx, exec, q, producer)
		},
	})
	if err != nil {
		s.logger.Error("failed to schedule producer",
			zap.String("task_id", taskID),
			zap.Error(err))
		s.finish(exec, q, domain.TaskStateFailed, err)
		return nil, fmt.Errorf("failed to schedule producer: %w", err)
	}

	s.logger.Info("task submitted",
		zap.String("task_id", taskID),
		zap.String("context_id", contextID))

	return exec, nil
}

// run executes a producer on a worker goroutine
func (s *Supervisor) run(workerCtx, execCtx context.Context, exec *Execution, q *queue.EventQueue, producer Producer) {
	ctx, stop := context.WithCancel(execCtx)
	defer stop()
	stopOnShutdown := context.AfterFunc(workerCtx, stop)
	defer stopOnShutdown()

	if err := s.publishStatus(ctx, q, exec, domain.TaskStateWorking, "", false); err != nil {
		s.logger.Warn("failed to publish working status",
			zap.String("task_id", exec.TaskID),
			zap.Error(err))
	}

	err := producer(ctx, q)

	exec.mu.RLock()
	canceled := exec.canceled
	exec.mu.RUnlock()

	switch {
	case canceled:
		s.finish(exec, q, domain.TaskStateCanceled, nil)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		s.logger.Warn("task execution timed out", zap.String("task_id", exec.TaskID))
		s.finish(exec, q, domain.TaskStateFailed, fmt.Errorf("execution timeout"))
	case err != nil:
		s.finish(exec, q, domain.TaskStateFailed, err)
	case workerCtx.Err() != nil:
		s.finish(exec, q, domain.TaskStateCanceled, nil)
	default:
		s.finish(exec, q, domain.TaskStateCompleted, nil)
	}
}

// finish publishes the terminal status and closes the task's queue
func (s *Supervisor) finish(exec *Execution, q *queue.EventQueue, state domain.TaskState, cause error) {
	defer func() {
		exec.cancelFunc()
		s.executions.Delete(exec.TaskID)
		close(exec.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	var text string
	if cause != nil {
		text = cause.Error()
	}

	exec.mu.Lock()
	exec.err = cause
	exec.mu.Unlock()

	if err := s.publishStatus(ctx, q, exec, state, text, true); err != nil {
		s.logger.Warn("failed to publish final status",
			zap.String("task_id", exec.TaskID),
			zap.String("state", string(state)),
			zap.Error(err))
	}

	if err := s.manager.Close(ctx, exec.TaskID); err != nil {
		if !errors.Is(err, queue.ErrNoQueue) {
			s.logger.Error("failed to close task queue",
				zap.String("task_id", exec.TaskID),
				zap.Error(err))
		} else if err := q.Close(ctx); err != nil {
			s.logger.Error("failed to close task queue",
				zap.String("task_id", exec.TaskID),
				zap.Error(err))
		}
	}

	duration := time.Since(exec.StartedAt)
	s.metrics.RecordExecution(string(state), duration)

	fields := []zap.Field{
		zap.String("task_id", exec.TaskID),
		zap.String("state", string(state)),
		zap.Duration("duration", duration),
	}
	if cause != nil {
		s.logger.Warn("task finished with error", append(fields, zap.Error(cause))...)
		return
	}
	s.logger.Info("task finished", fields...)
}

// publishStatus records state on the execution and appends a status update
func (s *Supervisor) publishStatus(ctx context.Context, q *queue.EventQueue, exec *Execution, state domain.TaskState, text string, final bool) error {
	exec.setState(state)

	var msg *domain.Message
	if text != "" {
		msg = &domain.Message{
			MessageID: uuid.New().String(),
			ContextID: exec.ContextID,
			TaskID:    exec.TaskID,
			Role:      domain.RoleAgent,
			Parts:     []domain.Part{domain.TextPart(text)},
		}
	}

	return q.EnqueueEvent(ctx, &domain.TaskStatusUpdateEvent{
		TaskID:    exec.TaskID,
		ContextID: exec.ContextID,
		Status:    domain.NewTaskStatus(state, msg),
		Final:     final,
	})
}

// Cancel stops a running producer. Its queue is closed once it returns.
func (s *Supervisor) Cancel(taskID string) error {
	val, ok := s.executions.Load(taskID)
	if !ok {
		return ErrExecutionNotFound
	}

	exec := val.(*Execution)
	exec.mu.Lock()
	if exec.state.Terminal() {
		exec.mu.Unlock()
		return fmt.Errorf("execution already in terminal state: %s", exec.state)
	}
	exec.canceled = true
	exec.mu.Unlock()

	exec.cancelFunc()

	s.logger.Info("task execution cancelled", zap.String("task_id", taskID))
	return nil
}

// Get returns the live execution of a task
func (s *Supervisor) Get(taskID string) (*Execution, bool) {
	val, ok := s.executions.Load(taskID)
	if !ok {
		return nil, false
	}
	return val.(*Execution), true
}

// Active returns the ids of tasks with a live execution
func (s *Supervisor) Active() []string {
	var ids []string
	s.executions.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every execution and waits for their queues to close
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down supervisor")

	var pending []*Execution
	s.executions.Range(func(_, value interface{}) bool {
		exec := value.(*Execution)
		exec.mu.Lock()
		exec.canceled = true
		exec.mu.Unlock()
		exec.cancelFunc()
		pending = append(pending, exec)
		return true
	})

	for _, exec := range pending {
		select {
		case <-exec.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout")
		}
	}

	s.logger.Info("supervisor shut down complete")
	return nil
}
