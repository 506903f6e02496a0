package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aescanero/taskstream/internal/application/queue"
	"github.com/aescanero/taskstream/internal/application/workers"
	"github.com/aescanero/taskstream/pkg/adapters/eventlog/memory"
	"github.com/aescanero/taskstream/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, timeout time.Duration) (*Supervisor, *queue.Manager) {
	t.Helper()

	manager := queue.NewManager(memory.NewInMemoryEventLog(), queue.Options{BlockTimeout: 10 * time.Millisecond})
	pool := workers.NewPool(2, nil)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	return New(manager, pool, nil, nil, timeout), manager
}

func waitDone(t *testing.T, exec *Execution) {
	t.Helper()
	select {
	case <-exec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish")
	}
}

// collect reads the task's whole stream from the beginning
func collect(t *testing.T, manager *queue.Manager, taskID string) []domain.Event {
	t.Helper()

	reader := queue.New(manager.Log(), taskID, manager.Options())
	var events []domain.Event
	err := queue.NewConsumer(reader).Drain(context.Background(), func(event domain.Event) error {
		events = append(events, event)
		return nil
	})
	require.NoError(t, err)
	return events
}

func statuses(events []domain.Event) []domain.TaskState {
	var out []domain.TaskState
	for _, event := range events {
		if update, ok := event.(*domain.TaskStatusUpdateEvent); ok {
			out = append(out, update.Status.State)
		}
	}
	return out
}

func TestSubmitCompletesAndCloses(t *testing.T) {
	s, manager := newTestSupervisor(t, time.Second)

	exec, err := s.Submit(context.Background(), "ctx", "task-ok", func(ctx context.Context, q *queue.EventQueue) error {
		return q.EnqueueEvent(ctx, &domain.Message{
			MessageID: "m1",
			Role:      domain.RoleAgent,
			Parts:     []domain.Part{domain.TextPart("result")},
		})
	})
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Equal(t, domain.TaskStateCompleted, exec.State())
	assert.NoError(t, exec.Err())
	assert.Empty(t, s.Active())
	_, registered := manager.Get("task-ok")
	assert.False(t, registered)

	events := collect(t, manager, "task-ok")
	assert.Equal(t, []domain.TaskState{
		domain.TaskStateSubmitted,
		domain.TaskStateWorking,
		domain.TaskStateCompleted,
	}, statuses(events))
	require.Len(t, events, 4)
	assert.Equal(t, domain.KindMessage, events[2].Kind())

	final := events[3].(*domain.TaskStatusUpdateEvent)
	assert.True(t, final.Final)
}

func TestSubmitFailureStillCloses(t *testing.T) {
	s, manager := newTestSupervisor(t, time.Second)

	exec, err := s.Submit(context.Background(), "ctx", "task-fail", func(context.Context, *queue.EventQueue) error {
		return errors.New("model unavailable")
	})
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Equal(t, domain.TaskStateFailed, exec.State())
	assert.EqualError(t, exec.Err(), "model unavailable")

	events := collect(t, manager, "task-fail")
	require.NotEmpty(t, events)
	final := events[len(events)-1].(*domain.TaskStatusUpdateEvent)
	assert.Equal(t, domain.TaskStateFailed, final.Status.State)
	require.NotNil(t, final.Status.Message)
	assert.Equal(t, "model unavailable", final.Status.Message.Parts[0].Text)
}

func TestSubmitTimeout(t *testing.T) {
	s, manager := newTestSupervisor(t, 30*time.Millisecond)

	exec, err := s.Submit(context.Background(), "ctx", "task-slow", func(ctx context.Context, _ *queue.EventQueue) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Equal(t, domain.TaskStateFailed, exec.State())
	assert.EqualError(t, exec.Err(), "execution timeout")
	assert.Equal(t, domain.TaskStateFailed, statuses(collect(t, manager, "task-slow"))[2])
}

func TestCancel(t *testing.T) {
	s, manager := newTestSupervisor(t, 0)

	started := make(chan struct{})
	exec, err := s.Submit(context.Background(), "ctx", "task-cancel", func(ctx context.Context, _ *queue.EventQueue) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	assert.Equal(t, []string{"task-cancel"}, s.Active())
	require.NoError(t, s.Cancel("task-cancel"))
	waitDone(t, exec)

	assert.Equal(t, domain.TaskStateCanceled, exec.State())
	assert.ErrorIs(t, s.Cancel("task-cancel"), ErrExecutionNotFound)

	states := statuses(collect(t, manager, "task-cancel"))
	assert.Equal(t, domain.TaskStateCanceled, states[len(states)-1])
}

func TestSubmitRejectsDuplicateTask(t *testing.T) {
	s, _ := newTestSupervisor(t, 0)

	release := make(chan struct{})
	exec, err := s.Submit(context.Background(), "ctx", "dup", func(context.Context, *queue.EventQueue) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "ctx", "dup", func(context.Context, *queue.EventQueue) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	got, ok := s.Get("dup")
	require.True(t, ok)
	assert.Same(t, exec, got)

	close(release)
	waitDone(t, exec)
}

func TestSubmitGeneratesIDs(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	exec, err := s.Submit(context.Background(), "", "", func(context.Context, *queue.EventQueue) error { return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, exec.TaskID)
	assert.NotEmpty(t, exec.ContextID)
	waitDone(t, exec)
}

func TestSubmitOnSealedStreamFails(t *testing.T) {
	s, manager := newTestSupervisor(t, time.Second)
	ctx := context.Background()

	require.NoError(t, manager.GetOrCreate("sealed").Close(ctx))
	require.NoError(t, manager.Close(ctx, "sealed"))

	_, err := s.Submit(ctx, "ctx", "sealed", func(context.Context, *queue.EventQueue) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Active())
}

func TestShutdownCancelsRunning(t *testing.T) {
	s, _ := newTestSupervisor(t, 0)

	started := make(chan struct{})
	exec, err := s.Submit(context.Background(), "ctx", "task-shutdown", func(ctx context.Context, _ *queue.EventQueue) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, domain.TaskStateCanceled, exec.State())
}
