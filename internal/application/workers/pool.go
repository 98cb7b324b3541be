package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolStopped is returned by Submit and TrySubmit after Shutdown.
	ErrPoolStopped = errors.New("workers: pool stopped")

	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("workers: queue full")
)

// Metrics receives worker pool activity
type Metrics interface {
	RecordJob(job, status string, duration time.Duration)
	RecordWorkerPoolStatus(idle, busy, stopped int)
	RecordQueueDepth(depth int)
}

// Job is a unit of work run by a worker
type Job struct {
	// Name labels the job in logs and metrics, usually the event name.
	Name string
	Run  func(ctx context.Context) error
}

// Pool manages a pool of worker goroutines fed from a bounded queue
type Pool struct {
	size    int
	metrics Metrics
	logger  *zap.Logger
	health  *HealthMonitor

	queue   chan Job
	dropped atomic.Int64
	mu      sync.RWMutex
	started bool
	closed  bool

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
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
func NewPool(
	size int,
	queueSize int,
	metrics Metrics,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		metrics: metrics,
		logger:  logger,
		queue:   make(chan Job, queueSize),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < size; i++ {
		pool.workers[i] = &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    pool,
			status:  WorkerStatusStopped,
			lastJob: time.Now(),
		}
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolStopped
	}
	if p.started {
		return nil
	}
	p.started = true

	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for _, w := range p.workers {
		w.setStatus(WorkerStatusIdle)
		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Submit queues job, waiting for room until ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("workers: job %q has no run function", job.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}

	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues job only if a slot is free right now. A rejected job is
// counted as dropped and recorded with the "dropped" status.
func (p *Pool) TrySubmit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("workers: job %q has no run function", job.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}

	select {
	case p.queue <- job:
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.RecordJob(job.Name, "dropped", 0)
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs, lets workers drain the queue and waits for
// them until ctx is done, then cancels the jobs still running.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// QueueDepth returns the number of jobs waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// QueueCapacity returns the size of the job queue
func (p *Pool) QueueCapacity() int {
	return cap(p.queue)
}

// Dropped returns the number of jobs rejected by TrySubmit
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Health returns the pool health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()
	defer w.setStatus(WorkerStatusStopped)

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for job := range w.pool.queue {
		w.execute(ctx, job)
	}

	w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
}

// execute runs one job and records its outcome
func (w *worker) execute(ctx context.Context, job Job) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.lastJob = time.Now()
	w.mu.Unlock()
	defer w.setStatus(WorkerStatusIdle)

	start := time.Now()
	err := w.safeRun(ctx, job)
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		w.pool.logger.Error("job failed",
			zap.String("worker_id", w.id),
			zap.String("job", job.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
	}
	w.pool.metrics.RecordJob(job.Name, status, duration)
}

func (w *worker) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

type nopMetrics struct{}

func (nopMetrics) RecordJob(string, string, time.Duration) {}
func (nopMetrics) RecordWorkerPoolStatus(int, int, int)    {}
func (nopMetrics) RecordQueueDepth(int)                    {}
