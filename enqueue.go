package outbox

import (
	"context"
	"fmt"
)

// Enqueuer creates events from application payloads and stores them.
//
// Types with saving disabled are skipped silently. The first run time is delayed by the type's
// FirstDelay.
type Enqueuer struct {
	store    Store
	registry *Registry
	clock    Clock
	logger   Logger
}

// NewEnqueuer builds an Enqueuer.
func NewEnqueuer(store Store, registry *Registry, clock Clock, logger Logger) *Enqueuer {
	if store == nil {
		panic("outbox: nil Store")
	}
	if registry == nil {
		panic("outbox: nil Registry")
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &Enqueuer{
		store:    store,
		registry: registry,
		clock:    clock,
		logger:   loggerOrNop(logger),
	}
}

// Enqueue stores payload as an event of eventType. lockKey may be empty when payload implements
// LockKeyProvider. It reports whether the event was stored.
func (q *Enqueuer) Enqueue(ctx context.Context, eventType string, payload any, lockKey string) (Event, bool, error) {
	event, ok, err := q.build(eventType, payload, lockKey)
	if err != nil || !ok {
		return Event{}, false, err
	}

	if err := q.store.Insert(ctx, event); err != nil {
		return Event{}, false, fmt.Errorf("outbox insert %s: %w", eventType, err)
	}

	return event, true, nil
}

// EnqueueBatch stores one event per payload, all of eventType. Payloads must carry their lock key
// through LockKeyProvider.
func (q *Enqueuer) EnqueueBatch(ctx context.Context, eventType string, payloads []any) ([]Event, error) {
	events := make([]Event, 0, len(payloads))
	for _, payload := range payloads {
		event, ok, err := q.build(eventType, payload, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		events = append(events, event)
	}
	if len(events) == 0 {
		return nil, nil
	}

	if err := q.store.InsertBatch(ctx, events); err != nil {
		return nil, fmt.Errorf("outbox insert %d %s events: %w", len(events), eventType, err)
	}

	return events, nil
}

func (q *Enqueuer) build(eventType string, payload any, lockKey string) (Event, bool, error) {
	settings, err := q.registry.Settings(eventType)
	if err != nil {
		return Event{}, false, err
	}
	if !settings.SaveEnabled {
		q.logger.Debug("outbox save disabled", "event_type", eventType)

		return Event{}, false, nil
	}

	now := q.clock.Now()
	event, err := NewEvent(eventType, payload, lockKey, now, now.Add(settings.FirstDelay))
	if err != nil {
		return Event{}, false, err
	}

	return event, true, nil
}
