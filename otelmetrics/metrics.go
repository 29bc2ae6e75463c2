// Package otelmetrics adapts outbox.Metrics to OpenTelemetry instruments.
package otelmetrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velmie/outbox/v2"
)

// Instrument names.
const (
	ProcessedName      = "outbox.event.processed"
	ProcessedErrorName = "outbox.event.processed.error"
	SizeName           = "outbox.event.size"
	CycleName          = "outbox.cycle.duration"
	DeletedName        = "outbox.event.deleted"
	UpdatedName        = "outbox.event.updated"

	typeKey    = "type"
	outcomeKey = "outcome"
)

// QueueSizes holds the last exported queue size per event type. It starts empty.
type QueueSizes struct {
	mu    sync.RWMutex
	sizes map[string]int64
}

// NewQueueSizes returns an empty registry.
func NewQueueSizes() *QueueSizes {
	return &QueueSizes{sizes: make(map[string]int64)}
}

// Set records size for eventType.
func (q *QueueSizes) Set(eventType string, size int64) {
	q.mu.Lock()
	q.sizes[eventType] = size
	q.mu.Unlock()
}

// Get returns the last size recorded for eventType.
func (q *QueueSizes) Get(eventType string) (int64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	size, ok := q.sizes[eventType]

	return size, ok
}

// Types returns the event types with a recorded size, sorted.
func (q *QueueSizes) Types() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	types := make([]string, 0, len(q.sizes))
	for t := range q.sizes {
		types = append(types, t)
	}
	sort.Strings(types)

	return types
}

// Metrics implements outbox.Metrics.
type Metrics struct {
	processing   metric.Float64Histogram
	errors       metric.Int64Counter
	cycles       metric.Float64Histogram
	deleted      metric.Int64Counter
	updated      metric.Int64Counter
	sizes        *QueueSizes
	registration metric.Registration
}

var _ outbox.Metrics = (*Metrics)(nil)

// New creates the instruments on meter and registers the queue size gauge callback.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{sizes: NewQueueSizes()}

	var err error
	m.processing, err = meter.Float64Histogram(ProcessedName,
		metric.WithDescription("Time from event lock acquisition to handler completion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 120.0),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox otel: %s: %w", ProcessedName, err)
	}

	m.errors, err = meter.Int64Counter(ProcessedErrorName,
		metric.WithDescription("Number of events whose processing failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox otel: %s: %w", ProcessedErrorName, err)
	}

	m.cycles, err = meter.Float64Histogram(CycleName,
		metric.WithDescription("Drain cycle duration by outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox otel: %s: %w", CycleName, err)
	}

	m.deleted, err = meter.Int64Counter(DeletedName,
		metric.WithDescription("Number of events removed from the queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox otel: %s: %w", DeletedName, err)
	}

	m.updated, err = meter.Int64Counter(UpdatedName,
		metric.WithDescription("Number of events rescheduled or disabled"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox otel: %s: %w", UpdatedName, err)
	}

	size, err := meter.Int64ObservableGauge(SizeName,
		metric.WithDescription("Number of stored events per type at the last export"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox otel: %s: %w", SizeName, err)
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, eventType := range m.sizes.Types() {
			value, _ := m.sizes.Get(eventType)
			o.ObserveInt64(size, value, typeAttr(eventType))
		}

		return nil
	}, size)
	if err != nil {
		return nil, fmt.Errorf("outbox otel: register %s callback: %w", SizeName, err)
	}

	return m, nil
}

// Sizes exposes the queue size registry backing the gauge.
func (m *Metrics) Sizes() *QueueSizes {
	return m.sizes
}

// Close unregisters the gauge callback.
func (m *Metrics) Close() error {
	return m.registration.Unregister()
}

// ObserveProcessing implements outbox.Metrics.
func (m *Metrics) ObserveProcessing(eventType string, duration time.Duration) {
	m.processing.Record(context.Background(), duration.Seconds(), typeAttr(eventType))
}

// AddErrors implements outbox.Metrics.
func (m *Metrics) AddErrors(eventType string, count int) {
	m.errors.Add(context.Background(), int64(count), typeAttr(eventType))
}

// ObserveCycle implements outbox.Metrics.
func (m *Metrics) ObserveCycle(eventType string, outcome outbox.CycleOutcome, duration time.Duration) {
	m.cycles.Record(context.Background(), duration.Seconds(), metric.WithAttributes(
		attribute.String(typeKey, eventType),
		attribute.String(outcomeKey, outcome.String()),
	))
}

// AddDeleted implements outbox.Metrics.
func (m *Metrics) AddDeleted(eventType string, count int) {
	m.deleted.Add(context.Background(), int64(count), typeAttr(eventType))
}

// AddUpdated implements outbox.Metrics.
func (m *Metrics) AddUpdated(eventType string, count int) {
	m.updated.Add(context.Background(), int64(count), typeAttr(eventType))
}

// SetQueueSize implements outbox.Metrics.
func (m *Metrics) SetQueueSize(eventType string, size int64) {
	m.sizes.Set(eventType, size)
}

func typeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(typeKey, eventType))
}
