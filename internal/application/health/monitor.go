package health

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/taskstream/internal/application/workers"
	"github.com/aescanero/taskstream/pkg/ports"
	"go.uber.org/zap"
)

const pingTimeout = 2 * time.Second

// PoolStatusProvider exposes per-worker status
type PoolStatusProvider interface {
	GetStatus() map[string]workers.WorkerStatus
}

// QueueCounter exposes the number of registered queues
type QueueCounter interface {
	Len() int
}

// Monitor periodically checks the event log and the worker pool
type Monitor struct {
	log      ports.EventLog
	queues   QueueCounter
	pool     PoolStatusProvider
	metrics  ports.MetricsCollector
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	last      *Status
	listeners []func(*Status)
}

// Status represents the health of the service
type Status struct {
	BackendHealthy bool      `json:"backend_healthy"`
	BackendError   string    `json:"backend_error,omitempty"`
	ActiveQueues   int       `json:"active_queues"`
	TotalWorkers   int       `json:"total_workers"`
	IdleWorkers    int       `json:"idle_workers"`
	BusyWorkers    int       `json:"busy_workers"`
	StoppedWorkers int       `json:"stopped_workers"`
	Healthy        bool      `json:"healthy"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewMonitor creates a new health monitor. queues and pool may be nil.
func NewMonitor(
	log ports.EventLog,
	queues QueueCounter,
	pool PoolStatusProvider,
	metrics ports.MetricsCollector,
	interval time.Duration,
	logger *zap.Logger,
) *Monitor {
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Monitor{
		log:      log,
		queues:   queues,
		pool:     pool,
		metrics:  metrics,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// OnCheck registers fn to be called with the result of every check
func (m *Monitor) OnCheck(fn func(*Status)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start runs a first check and then checks on every interval
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.Check(context.Background())
	go m.run()
}

// Stop stops the health monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
}

// run is the main health monitoring loop
func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(context.Background())
		}
	}
}

// Check probes the backend and the pool, records metrics and notifies listeners
func (m *Monitor) Check(ctx context.Context) *Status {
	status := &Status{Timestamp: time.Now()}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := m.log.Ping(pingCtx)
	cancel()
	status.BackendHealthy = err == nil
	if err != nil {
		status.BackendError = err.Error()
	}

	if m.queues != nil {
		status.ActiveQueues = m.queues.Len()
	}

	if m.pool != nil {
		for _, s := range m.pool.GetStatus() {
			status.TotalWorkers++
			switch s {
			case workers.WorkerStatusIdle:
				status.IdleWorkers++
			case workers.WorkerStatusBusy:
				status.BusyWorkers++
			case workers.WorkerStatusStopped:
				status.StoppedWorkers++
			}
		}
	}

	status.Healthy = status.BackendHealthy && status.StoppedWorkers == 0

	m.metrics.SetBackendHealthy(status.BackendHealthy)
	m.metrics.SetActiveQueues(status.ActiveQueues)
	if m.pool != nil {
		m.metrics.SetWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
	}

	fields := []zap.Field{
		zap.Bool("backend_healthy", status.BackendHealthy),
		zap.Int("active_queues", status.ActiveQueues),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Bool("healthy", status.Healthy),
	}
	if !status.Healthy {
		m.logger.Warn("service is unhealthy", append(fields, zap.String("backend_error", status.BackendError))...)
	} else {
		m.logger.Debug("health check", fields...)
	}

	if status.TotalWorkers > 0 && status.BusyWorkers == status.TotalWorkers {
		m.logger.Warn("all workers are busy - consider scaling up",
			zap.Int("total", status.TotalWorkers))
	}

	m.mu.Lock()
	m.last = status
	listeners := append([]func(*Status){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}

	return status
}

// GetStatus returns the latest status, running a check if none exists yet
func (m *Monitor) GetStatus(ctx context.Context) *Status {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()

	if last != nil {
		return last
	}
	return m.Check(ctx)
}

// IsHealthy returns true if the latest check was healthy
func (m *Monitor) IsHealthy(ctx context.Context) bool {
	return m.GetStatus(ctx).Healthy
}
