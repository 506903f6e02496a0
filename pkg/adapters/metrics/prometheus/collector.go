package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	eventsAppended    *prometheus.CounterVec
	appendErrors      *prometheus.CounterVec
	entriesRead       *prometheus.CounterVec
	entriesSkipped    *prometheus.CounterVec
	tombstones        prometheus.Counter
	tapsCreated       prometheus.Counter
	activeQueues      prometheus.Gauge
	readWait          prometheus.Histogram
	backendHealthy    prometheus.Gauge
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
}

// NewCollector creates a Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		eventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_events_appended_total",
				Help: "Total number of events appended to task streams",
			},
			[]string{"type"},
		),
		appendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_append_errors_total",
				Help: "Total number of failed appends",
			},
			[]string{"type"},
		),
		entriesRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_entries_read_total",
				Help: "Total number of events delivered to readers",
			},
			[]string{"type"},
		),
		entriesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_entries_skipped_total",
				Help: "Total number of stream entries skipped by readers",
			},
			[]string{"reason"},
		),
		tombstones: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_tombstones_total",
				Help: "Total number of streams closed",
			},
		),
		tapsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_taps_created_total",
				Help: "Total number of taps created",
			},
		),
		activeQueues: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_active_queues",
				Help: "Number of canonical queues registered in this process",
			},
		),
		readWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskstream_read_wait_seconds",
				Help:    "Time spent in blocking stream reads",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		backendHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_backend_healthy",
				Help: "Whether the event log backend answered its last ping (1) or not (0)",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_executions_total",
				Help: "Total number of producer executions by final state",
			},
			[]string{"state"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskstream_execution_duration_seconds",
				Help:    "Producer execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		),
	}
}

// IncEventsAppended increments the count of appended events
func (c *Collector) IncEventsAppended(kind string) {
	c.eventsAppended.WithLabelValues(kind).Inc()
}

// IncAppendErrors increments the count of failed appends
func (c *Collector) IncAppendErrors(kind string) {
	c.appendErrors.WithLabelValues(kind).Inc()
}

// IncEntriesRead increments the count of delivered events
func (c *Collector) IncEntriesRead(kind string) {
	c.entriesRead.WithLabelValues(kind).Inc()
}

// IncEntriesSkipped increments the count of skipped entries
func (c *Collector) IncEntriesSkipped(reason string) {
	c.entriesSkipped.WithLabelValues(reason).Inc()
}

// IncTombstones increments the count of closed streams
func (c *Collector) IncTombstones() {
	c.tombstones.Inc()
}

// IncTapsCreated increments the count of taps
func (c *Collector) IncTapsCreated() {
	c.tapsCreated.Inc()
}

// SetActiveQueues sets the number of registered queues
func (c *Collector) SetActiveQueues(count int) {
	c.activeQueues.Set(float64(count))
}

// ObserveReadWait records the duration of a blocking read
func (c *Collector) ObserveReadWait(duration time.Duration) {
	c.readWait.Observe(duration.Seconds())
}

// SetBackendHealthy records the result of the last backend ping
func (c *Collector) SetBackendHealthy(healthy bool) {
	if healthy {
		c.backendHealthy.Set(1)
		return
	}
	c.backendHealthy.Set(0)
}

// SetWorkerPoolStatus records worker pool status
func (c *Collector) SetWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// RecordExecution records a finished producer execution
func (c *Collector) RecordExecution(state string, duration time.Duration) {
	c.executions.WithLabelValues(state).Inc()
	c.executionDuration.WithLabelValues(state).Observe(duration.Seconds())
}
