package outbox

import "errors"

var (
	// ErrInvalidBatchSize indicates that the configured batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")
	// ErrInvalidSetting is returned when a configuration value cannot be parsed or is out of range.
	ErrInvalidSetting = errors.New("outbox setting is invalid")
	// ErrUnsupportedExecutionMode is returned for execution modes other than EXCLUSIVE or PARALLEL.
	ErrUnsupportedExecutionMode = errors.New("outbox execution mode is not supported")
	// ErrEventTypeRequired is returned when an event or handler has an empty event type.
	ErrEventTypeRequired = errors.New("outbox event type is required")
	// ErrPayloadRequired is returned when an event payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrDuplicateHandler is returned when two handlers serve the same event type.
	ErrDuplicateHandler = errors.New("outbox handler already registered for event type")
	// ErrNilHandler is returned when a nil handler is registered.
	ErrNilHandler = errors.New("outbox handler is nil")
	// ErrHandlerPanic indicates a handler panicked while processing an event.
	ErrHandlerPanic = errors.New("outbox handler panic")
	// ErrWorkerPanic indicates a relay scheduling loop panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
	// ErrPoolClosed is returned when work is submitted to a closed pool.
	ErrPoolClosed = errors.New("outbox worker pool is closed")
	// ErrPoolSaturated is returned when a pool queue stays full for longer than the submit timeout.
	ErrPoolSaturated = errors.New("outbox worker pool is saturated")
	// ErrLeaseMapClosed is returned by LeaseMap operations after Close.
	ErrLeaseMapClosed = errors.New("outbox lease map is closed")
	// ErrRegistryClosed is returned by Registry lookups after Shutdown.
	ErrRegistryClosed = errors.New("outbox settings registry is shut down")
)
