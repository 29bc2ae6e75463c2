package outbox

import "time"

// Metrics captures engine telemetry. Every call is tagged with the event type it concerns.
type Metrics interface {
	// ObserveProcessing records the time from per-event lock acquisition to handler completion.
	ObserveProcessing(eventType string, duration time.Duration)
	// AddErrors increments the count of per-event processing errors.
	AddErrors(eventType string, count int)
	// ObserveCycle records the duration and outcome of a drain cycle.
	ObserveCycle(eventType string, outcome CycleOutcome, duration time.Duration)
	// AddDeleted increments the count of events removed from the queue.
	AddDeleted(eventType string, count int)
	// AddUpdated increments the count of events rescheduled or disabled.
	AddUpdated(eventType string, count int)
	// SetQueueSize updates the last exported number of stored events of a type.
	SetQueueSize(eventType string, size int64)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveProcessing implements Metrics.
func (NopMetrics) ObserveProcessing(string, time.Duration) {}

// AddErrors implements Metrics.
func (NopMetrics) AddErrors(string, int) {}

// ObserveCycle implements Metrics.
func (NopMetrics) ObserveCycle(string, CycleOutcome, time.Duration) {}

// AddDeleted implements Metrics.
func (NopMetrics) AddDeleted(string, int) {}

// AddUpdated implements Metrics.
func (NopMetrics) AddUpdated(string, int) {}

// SetQueueSize implements Metrics.
func (NopMetrics) SetQueueSize(string, int64) {}
