package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned when submitting to a pool that is not running
var ErrPoolStopped = errors.New("worker pool is stopped")

// Job is a unit of work executed by one worker
type Job struct {
	// TaskID identifies the task the job produces events for
	TaskID string
	Run    func(ctx context.Context)
}

// Pool manages a pool of worker goroutines running producer jobs
type Pool struct {
	size   int
	logger *zap.Logger

	jobs    chan Job
	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	started bool
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	taskID  string
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool
func NewPool(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		size:    size,
		logger:  logger,
		jobs:    make(chan Job),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}
	p.started = true

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit hands a job to the next idle worker, waiting until one is free
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs, cancels running ones and waits for workers
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// Size returns the configured number of workers
func (p *Pool) Size() int {
	return p.size
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.status = WorkerStatusStopped
			w.mu.Unlock()
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case job := <-w.pool.jobs:
			w.execute(ctx, job)
		}
	}
}

// execute runs one job, recovering from panics so the worker survives
func (w *worker) execute(ctx context.Context, job Job) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.taskID = job.TaskID
	w.lastJob = time.Now()
	w.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("job panicked",
				zap.String("worker_id", w.id),
				zap.String("task_id", job.TaskID),
				zap.Any("panic", r))
		}

		w.mu.Lock()
		w.status = WorkerStatusIdle
		w.taskID = ""
		w.mu.Unlock()
	}()

	w.pool.logger.Debug("executing job",
		zap.String("worker_id", w.id),
		zap.String("task_id", job.TaskID))

	job.Run(ctx)
}
