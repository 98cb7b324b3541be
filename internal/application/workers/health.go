package workers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerCounts groups workers by status
type WorkerCounts struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Stopped int `json:"stopped"`
}

// HealthStatus is a snapshot of the dispatch pool.
type HealthStatus struct {
	Workers       WorkerCounts `json:"workers"`
	QueueDepth    int          `json:"queue_depth"`
	QueueCapacity int          `json:"queue_capacity"`

	// Dropped counts dispatches rejected since start, DroppedRecent those
	// rejected since the previous periodic check.
	Dropped       int64 `json:"dropped"`
	DroppedRecent int64 `json:"dropped_recent"`

	// Saturated is set when the next dispatch would be dropped.
	Saturated bool `json:"saturated"`

	Healthy   bool      `json:"healthy"`
	Problems  []string  `json:"problems,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMonitor periodically publishes pool gauges and reports whether the
// pool can still take dispatches.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	lastDropped int64
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewHealthMonitor creates a monitor for pool. A non-positive interval
// defaults to 30s.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the periodic check until Stop. Calling it twice is a no-op.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
}

// Stop ends the periodic check and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *HealthMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth publishes the pool gauges, logs problems and starts a new
// window for DroppedRecent.
func (h *HealthMonitor) checkHealth() {
	status := h.GetStatus()

	h.pool.metrics.RecordWorkerPoolStatus(status.Workers.Idle, status.Workers.Busy, status.Workers.Stopped)
	h.pool.metrics.RecordQueueDepth(status.QueueDepth)

	h.mu.Lock()
	h.lastDropped = status.Dropped
	h.mu.Unlock()

	if status.Healthy {
		h.logger.Debug("worker pool healthy",
			zap.Int("busy", status.Workers.Busy),
			zap.Int("queue_depth", status.QueueDepth))
		return
	}
	h.logger.Warn("worker pool unhealthy",
		zap.Strings("problems", status.Problems),
		zap.Int("busy", status.Workers.Busy),
		zap.Int("total", status.Workers.Total),
		zap.Int("queue_depth", status.QueueDepth),
		zap.Int("queue_capacity", status.QueueCapacity),
		zap.Int64("dropped_recent", status.DroppedRecent))
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	var counts WorkerCounts
	for _, status := range h.pool.GetStatus() {
		counts.Total++
		switch status {
		case WorkerStatusIdle:
			counts.Idle++
		case WorkerStatusBusy:
			counts.Busy++
		case WorkerStatusStopped:
			counts.Stopped++
		}
	}

	dropped := h.pool.Dropped()
	h.mu.Lock()
	recent := dropped - h.lastDropped
	h.mu.Unlock()

	depth, capacity := h.pool.QueueDepth(), h.pool.QueueCapacity()
	saturated := depth >= capacity && counts.Busy == counts.Total

	status := &HealthStatus{
		Workers:       counts,
		QueueDepth:    depth,
		QueueCapacity: capacity,
		Dropped:       dropped,
		DroppedRecent: recent,
		Saturated:     saturated,
		Timestamp:     time.Now(),
	}

	if counts.Total == 0 || counts.Stopped > 0 {
		status.Problems = append(status.Problems, "workers stopped")
	}
	if saturated {
		status.Problems = append(status.Problems, "queue saturated")
	}
	if recent > 0 {
		status.Problems = append(status.Problems, "dispatches dropped")
	}
	status.Healthy = len(status.Problems) == 0

	return status
}

// Check returns an error naming the problems when the pool is unhealthy.
// Its signature fits the HTTP and gRPC health checks.
func (h *HealthMonitor) Check(context.Context) error {
	status := h.GetStatus()
	if status.Healthy {
		return nil
	}
	return errors.New("worker pool: " + strings.Join(status.Problems, ", "))
}
