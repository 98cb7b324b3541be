package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements broker.Metrics and workers.Metrics using Prometheus
type Collector struct {
	entriesPublished *prometheus.CounterVec
	entriesDelivered *prometheus.CounterVec
	entriesAcked     *prometheus.CounterVec
	entriesSkipped   *prometheus.CounterVec
	readErrors       prometheus.Counter

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pendingCalls prometheus.Gauge

	jobsProcessed     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	workerQueueDepth  prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector registered with reg.
// A nil reg registers with the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		entriesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambroker_entries_published_total",
				Help: "Total number of stream entries published",
			},
			[]string{"topic"},
		),
		entriesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambroker_entries_delivered_total",
				Help: "Total number of stream entries delivered to handlers",
			},
			[]string{"topic", "group"},
		),
		entriesAcked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambroker_entries_acked_total",
				Help: "Total number of stream entries acknowledged",
			},
			[]string{"topic", "group"},
		),
		entriesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambroker_entries_skipped_total",
				Help: "Total number of stream entries skipped without dispatch",
			},
			[]string{"topic", "reason"},
		),
		readErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "streambroker_read_errors_total",
				Help: "Total number of read loop transport errors",
			},
		),
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambroker_calls_total",
				Help: "Total number of RPC calls by outcome",
			},
			[]string{"topic", "status"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streambroker_call_duration_seconds",
				Help:    "RPC call duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"topic"},
		),
		pendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streambroker_pending_calls",
				Help: "Number of RPC calls waiting for a reply",
			},
		),
		jobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streambroker_jobs_processed_total",
				Help: "Total number of dispatch jobs processed by the worker pool",
			},
			[]string{"job", "status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streambroker_job_duration_seconds",
				Help:    "Dispatch job duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"job"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streambroker_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streambroker_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streambroker_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		workerQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streambroker_worker_queue_depth",
				Help: "Number of dispatch jobs waiting for a worker",
			},
		),
	}
}

// RecordPublished counts an entry written to topic
func (c *Collector) RecordPublished(topic string) {
	c.entriesPublished.WithLabelValues(topic).Inc()
}

// RecordDelivered counts an entry handed to handlers
func (c *Collector) RecordDelivered(topic, group string) {
	c.entriesDelivered.WithLabelValues(topic, group).Inc()
}

// RecordAcked counts an acknowledged entry
func (c *Collector) RecordAcked(topic, group string) {
	c.entriesAcked.WithLabelValues(topic, group).Inc()
}

// RecordSkipped counts an entry dropped before dispatch
func (c *Collector) RecordSkipped(topic, reason string) {
	c.entriesSkipped.WithLabelValues(topic, reason).Inc()
}

// RecordReadError counts a read loop failure
func (c *Collector) RecordReadError() {
	c.readErrors.Inc()
}

// RecordCall records the outcome and latency of an RPC call
func (c *Collector) RecordCall(topic, status string, duration time.Duration) {
	c.calls.WithLabelValues(topic, status).Inc()
	c.callDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// SetPendingCalls sets the number of outstanding RPC calls
func (c *Collector) SetPendingCalls(n int) {
	c.pendingCalls.Set(float64(n))
}

// RecordJob records a dispatch job run or dropped by the worker pool.
// Dropped jobs never ran, so they have no duration.
func (c *Collector) RecordJob(job, status string, duration time.Duration) {
	c.jobsProcessed.WithLabelValues(job, status).Inc()
	if status != "dropped" {
		c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// RecordQueueDepth records the number of queued dispatch jobs
func (c *Collector) RecordQueueDepth(depth int) {
	c.workerQueueDepth.Set(float64(depth))
}
