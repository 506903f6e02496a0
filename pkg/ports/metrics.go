package ports

import "time"

// MetricsCollector records event stream activity
type MetricsCollector interface {
	IncEventsAppended(kind string)
	IncAppendErrors(kind string)
	IncEntriesRead(kind string)
	IncEntriesSkipped(reason string)
	IncTombstones()
	IncTapsCreated()
	SetActiveQueues(count int)
	ObserveReadWait(duration time.Duration)
	SetBackendHealthy(healthy bool)
	SetWorkerPoolStatus(idle, busy, stopped int)
	RecordExecution(status string, duration time.Duration)
}

// NoopMetrics discards everything
type NoopMetrics struct{}

func (NoopMetrics) IncEventsAppended(string)              {}
func (NoopMetrics) IncAppendErrors(string)                {}
func (NoopMetrics) IncEntriesRead(string)                 {}
func (NoopMetrics) IncEntriesSkipped(string)              {}
func (NoopMetrics) IncTombstones()                        {}
func (NoopMetrics) IncTapsCreated()                       {}
func (NoopMetrics) SetActiveQueues(int)                   {}
func (NoopMetrics) ObserveReadWait(time.Duration)         {}
func (NoopMetrics) SetBackendHealthy(bool)                {}
func (NoopMetrics) SetWorkerPoolStatus(int, int, int)     {}
func (NoopMetrics) RecordExecution(string, time.Duration) {}
