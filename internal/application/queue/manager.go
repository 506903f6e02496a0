package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aescanero/taskstream/pkg/ports"
	"go.uber.org/zap"
)

// Reading positions accepted by Follow
const (
	FromTail  = "tail"
	FromStart = "start"
)

// Manager keeps the canonical queue of every task served by this process.
// The registry lock only guards the map; taps and seals run after it is released.
type Manager struct {
	log  ports.EventLog
	opts Options

	mu     sync.Mutex
	queues map[string]*EventQueue
}

// NewManager creates a queue manager over log
func NewManager(log ports.EventLog, opts Options) *Manager {
	return &Manager{
		log:    log,
		opts:   opts.withDefaults(),
		queues: make(map[string]*EventQueue),
	}
}

// NewQueue builds an unregistered queue for taskID with the manager's options
func (m *Manager) NewQueue(taskID string) *EventQueue {
	return newHandle(m.log, taskID, m.opts, ports.StartID)
}

// Reader builds an unregistered handle whose cursor starts at cursor.
// ports.StartID replays the whole stream.
func (m *Manager) Reader(taskID, cursor string) *EventQueue {
	if cursor == "" {
		cursor = ports.StartID
	}
	return newHandle(m.log, taskID, m.opts, cursor)
}

// Follow resolves a reading position into a handle. FromTail (or "") starts
// after the current last entry, FromStart replays the stream, and any other
// value is taken as an entry id to resume after. Unregistered tasks are
// followed straight from the log.
func (m *Manager) Follow(ctx context.Context, taskID, from string) (*EventQueue, error) {
	if err := ValidateCursor(from); err != nil {
		return nil, err
	}

	switch from {
	case FromStart:
		return m.Reader(taskID, ports.StartID), nil
	case FromTail, "":
		q, ok, err := m.Tap(ctx, taskID)
		if err != nil || ok {
			return q, err
		}
		return m.Reader(taskID, ports.StartID).Tap(ctx)
	default:
		return m.Reader(taskID, from), nil
	}
}

// ValidateCursor checks that from is FromTail, FromStart, empty, or an
// entry id of the form "<ms>-<seq>" (a bare "<ms>" is accepted too).
func ValidateCursor(from string) error {
	switch from {
	case FromTail, FromStart, "":
		return nil
	}

	head, tail, hasTail := strings.Cut(from, "-")
	if _, err := strconv.ParseUint(head, 10, 64); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCursor, from)
	}
	if hasTail {
		if _, err := strconv.ParseUint(tail, 10, 64); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidCursor, from)
		}
	}
	return nil
}

// Add registers q as the canonical queue of taskID
func (m *Manager) Add(taskID string, q *EventQueue) error {
	if q == nil {
		return fmt.Errorf("%w: nil queue for task %s", ErrInvalidQueue, taskID)
	}
	if q.TaskID() != taskID {
		return fmt.Errorf("%w: queue belongs to task %s, not %s", ErrInvalidQueue, q.TaskID(), taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[taskID]; ok {
		return ErrQueueAlreadyExists
	}
	m.queues[taskID] = q
	m.opts.Metrics.SetActiveQueues(len(m.queues))
	return nil
}

// Get returns the canonical queue of taskID
func (m *Manager) Get(taskID string) (*EventQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[taskID]
	return q, ok
}

// Tap returns a new tap of taskID's canonical queue. The boolean is false
// when the task is not registered.
func (m *Manager) Tap(ctx context.Context, taskID string) (*EventQueue, bool, error) {
	q, ok := m.Get(taskID)
	if !ok {
		return nil, false, nil
	}

	tap, err := q.Tap(ctx)
	if err != nil {
		return nil, true, err
	}
	return tap, true, nil
}

// Close unregisters taskID and seals its stream
func (m *Manager) Close(ctx context.Context, taskID string) error {
	m.mu.Lock()
	q, ok := m.queues[taskID]
	if ok {
		delete(m.queues, taskID)
		m.opts.Metrics.SetActiveQueues(len(m.queues))
	}
	m.mu.Unlock()

	if !ok {
		return ErrNoQueue
	}

	return q.Close(ctx)
}

// CreateOrTap registers a new canonical queue for taskID, or taps the existing one
func (m *Manager) CreateOrTap(ctx context.Context, taskID string) (*EventQueue, error) {
	m.mu.Lock()
	q, ok := m.queues[taskID]
	if !ok {
		q = m.NewQueue(taskID)
		m.queues[taskID] = q
		m.opts.Metrics.SetActiveQueues(len(m.queues))
	}
	m.mu.Unlock()

	if !ok {
		m.opts.Logger.Debug("queue created", zap.String("task_id", taskID))
		return q, nil
	}

	return q.Tap(ctx)
}

// GetOrCreate returns the canonical queue of taskID, registering one if absent
func (m *Manager) GetOrCreate(taskID string) *EventQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[taskID]; ok {
		return q
	}

	q := m.NewQueue(taskID)
	m.queues[taskID] = q
	m.opts.Metrics.SetActiveQueues(len(m.queues))
	m.opts.Logger.Debug("queue created", zap.String("task_id", taskID))
	return q
}

// Len returns the number of registered queues
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// TaskIDs returns the registered task ids in sorted order
func (m *Manager) TaskIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Log returns the event log backing the manager's queues
func (m *Manager) Log() ports.EventLog {
	return m.log
}

// Options returns the options applied to queues created by the manager
func (m *Manager) Options() Options {
	return m.opts
}
