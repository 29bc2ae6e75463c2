package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an outbox event.
type Status string

const (
	// StatusEnabled marks an event that is eligible for processing once its run time has passed.
	StatusEnabled Status = "ENABLED"
	// StatusDisabled marks an event that failed unrecoverably. It stays in the store for inspection.
	StatusDisabled Status = "DISABLED"
)

// Event is a stored outbox event.
type Event struct {
	ID        uuid.UUID
	EventType string
	CreatedAt time.Time
	// RunTime is the earliest time the event may be fetched.
	RunTime time.Time
	// Payload is the JSON-encoded handler payload.
	Payload  []byte
	Attempts int
	// FailReason describes the last failure; empty means none.
	FailReason string
	// LockKey is the business lock key supplied by the payload owner.
	LockKey string
	Status  Status
}

// TypeCount reports the number of stored events of one type.
type TypeCount struct {
	EventType string
	Count     int64
}

// LockKeyProvider is implemented by payloads that carry their own business lock key.
type LockKeyProvider interface {
	// OutboxLockKey returns the key used to serialize processing of conflicting events.
	OutboxLockKey() string
}

// NewEvent JSON-encodes payload and builds an enabled event with a UUID v7 identifier.
//
// When lockKey is empty and payload implements LockKeyProvider, the provided key is used.
// An event without any lock key is never processed: the per-event lock cannot be acquired for it.
func NewEvent(eventType string, payload any, lockKey string, now, runTime time.Time) (Event, error) {
	if eventType == "" {
		return Event{}, ErrEventTypeRequired
	}
	if payload == nil {
		return Event{}, ErrPayloadRequired
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: encode %s payload: %w", eventType, err)
	}

	if lockKey == "" {
		if provider, ok := payload.(LockKeyProvider); ok {
			lockKey = provider.OutboxLockKey()
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("outbox: generate id: %w", err)
	}

	return Event{
		ID:        id,
		EventType: eventType,
		CreatedAt: now,
		RunTime:   runTime,
		Payload:   body,
		LockKey:   lockKey,
		Status:    StatusEnabled,
	}, nil
}

// eventIDs returns the identifiers of events in order.
func eventIDs(events []Event) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(events))
	for i := range events {
		ids = append(ids, events[i].ID)
	}

	return ids
}
