package outbox

import (
	"context"
	"fmt"
	"time"
)

const (
	// ExportLockKey guards the queue size export so one instance reports at a time.
	ExportLockKey = "exportOutboxMetrics"
	// ExportLockTTL is held for slightly less than the default export interval.
	ExportLockTTL = 55 * time.Second
)

// SizeExporter publishes the number of stored events per registered event type.
type SizeExporter struct {
	store   Store
	locker  Locker
	metrics Metrics
	types   []string
	logger  Logger
}

// NewSizeExporter builds an exporter for eventTypes.
func NewSizeExporter(store Store, locker Locker, metrics Metrics, eventTypes []string, logger Logger) *SizeExporter {
	if metrics == nil {
		metrics = NopMetrics{}
	}

	return &SizeExporter{
		store:   store,
		locker:  locker,
		metrics: metrics,
		types:   append([]string(nil), eventTypes...),
		logger:  loggerOrNop(logger),
	}
}

// Export counts events by type and sets the queue size of every registered type, zero when the
// type has no stored events. It reports false without touching metrics when another instance
// holds the export lock.
func (e *SizeExporter) Export(ctx context.Context) (bool, error) {
	lease, locked := e.locker.TryLock(ctx, ExportLockKey, ExportLockTTL)
	if !locked {
		return false, nil
	}
	defer e.locker.Unlock(ctx, lease)

	counts, err := e.store.CountByType(ctx)
	if err != nil {
		return false, fmt.Errorf("outbox count events: %w", err)
	}

	byType := make(map[string]int64, len(counts))
	for _, c := range counts {
		byType[c.EventType] = c.Count
	}
	for _, eventType := range e.types {
		e.metrics.SetQueueSize(eventType, byType[eventType])
	}
	e.logger.Debug("outbox queue sizes exported", "types", len(e.types))

	return true, nil
}
