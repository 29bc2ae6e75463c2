package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Result is a handler verdict for a single event.
type Result struct {
	// Processed reports that the event was handled and can be deleted.
	Processed bool
	// LockBusy reports that the event was skipped because its lock key was held elsewhere.
	// It does not count as an attempt.
	LockBusy bool
	// Reason describes why the event was not processed.
	Reason string
}

// Processed returns a successful result.
func Processed() Result {
	return Result{Processed: true}
}

// Retry returns a failed result. The event is retried with backoff and its attempts are incremented.
func Retry(reason string) Result {
	return Result{Reason: reason}
}

// LockBusyResult returns the result used when the event lock key is held by another worker.
func LockBusyResult(lockKey string) Result {
	return Result{LockBusy: true, Reason: lockKey + " was locked"}
}

// Handler processes events of one type.
//
// Decode turns the stored payload into the value passed to Handle. A Decode error or a Handle error
// disables the event with the error text as failure reason. Handlers should be idempotent: an event may
// be handled again if the process stops before the cycle persists its outcome.
type Handler interface {
	// EventType returns the event type this handler serves.
	EventType() string
	// Decode converts a stored payload into the handler input.
	Decode(payload []byte) (any, error)
	// Handle processes a decoded payload.
	Handle(ctx context.Context, payload any) (Result, error)
}

// HandleFunc processes a typed payload.
type HandleFunc[T any] func(ctx context.Context, payload T) (Result, error)

type typedHandler[T any] struct {
	eventType string
	fn        HandleFunc[T]
}

// NewHandler adapts a typed function to Handler. Payloads are decoded from JSON into T.
func NewHandler[T any](eventType string, fn HandleFunc[T]) Handler {
	if fn == nil {
		panic("outbox: nil HandleFunc")
	}

	return &typedHandler[T]{eventType: eventType, fn: fn}
}

// EventType implements Handler.
func (h *typedHandler[T]) EventType() string {
	return h.eventType
}

// Decode implements Handler.
func (h *typedHandler[T]) Decode(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrPayloadRequired, h.eventType)
	}

	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("outbox: decode %s payload: %w", h.eventType, err)
	}

	return value, nil
}

// Handle implements Handler.
func (h *typedHandler[T]) Handle(ctx context.Context, payload any) (Result, error) {
	value, ok := payload.(T)
	if !ok {
		return Result{}, fmt.Errorf("outbox: %s handler got %T", h.eventType, payload)
	}

	return h.fn(ctx, value)
}

// HandlerSet is the explicit registry of handlers, keyed by event type.
type HandlerSet struct {
	byType map[string]Handler
	order  []string
}

// NewHandlerSet registers handlers. Event types must be non-empty and unique.
func NewHandlerSet(handlers ...Handler) (*HandlerSet, error) {
	set := &HandlerSet{byType: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			return nil, ErrNilHandler
		}
		eventType := h.EventType()
		if eventType == "" {
			return nil, ErrEventTypeRequired
		}
		if _, exists := set.byType[eventType]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHandler, eventType)
		}
		set.byType[eventType] = h
		set.order = append(set.order, eventType)
	}
	sort.Strings(set.order)

	return set, nil
}

// Get returns the handler registered for eventType.
func (s *HandlerSet) Get(eventType string) (Handler, bool) {
	h, ok := s.byType[eventType]

	return h, ok
}

// Types returns the registered event types in sorted order.
func (s *HandlerSet) Types() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)

	return out
}

// Handlers returns the registered handlers ordered by event type.
func (s *HandlerSet) Handlers() []Handler {
	out := make([]Handler, 0, len(s.order))
	for _, eventType := range s.order {
		out = append(out, s.byType[eventType])
	}

	return out
}
