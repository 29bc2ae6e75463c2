package outbox

import (
	"context"
	"fmt"
	"time"
)

// Coordinator applies a single event through its handler under the event's own lock.
type Coordinator struct {
	locker  Locker
	metrics Metrics
	logger  Logger
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(locker Locker, metrics Metrics, logger Logger) *Coordinator {
	if locker == nil {
		panic("outbox: nil Locker")
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}

	return &Coordinator{
		locker:  locker,
		metrics: metrics,
		logger:  loggerOrNop(logger),
	}
}

// Apply decodes the payload, locks event.LockKey for settings.Timeout and runs the handler.
//
// A busy lock yields LockBusyResult. Decode errors, handler errors and handler panics are returned
// as errors. The event lock is always released. The processing time metric spans lock
// acquisition through handler completion and is not recorded when decoding fails.
func (c *Coordinator) Apply(ctx context.Context, handler Handler, event Event, settings Settings) (result Result, err error) {
	var (
		start time.Time
		lease Lease
	)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
		if err != nil {
			c.metrics.AddErrors(event.EventType, 1)
			c.logger.Error("outbox event apply failed", "event_type", event.EventType, "event_id", event.ID, "err", err)
		}
		if !start.IsZero() {
			c.metrics.ObserveProcessing(event.EventType, time.Since(start))
		}
		c.locker.Unlock(ctx, lease)
	}()

	payload, err := handler.Decode(event.Payload)
	if err != nil {
		return Result{}, err
	}

	start = time.Now()
	lease, locked := c.locker.TryLock(ctx, event.LockKey, settings.Timeout)
	if !locked {
		return LockBusyResult(event.LockKey), nil
	}

	handleCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	return handler.Handle(handleCtx, payload)
}
