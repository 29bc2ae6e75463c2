package outbox

import (
	"time"

	"github.com/google/uuid"
)

const defaultExportInterval = time.Minute

// RelayConfig defines the collaborators and scheduling knobs of a Relay.
type RelayConfig struct {
	Clock   Clock
	Logger  Logger
	Metrics Metrics
	// SessionIDs generates the identifier of each cycle session. Defaults to random UUIDs.
	SessionIDs func() string
	// ExportInterval is the period of the queue size export run by Relay.Run.
	// Zero selects the default of one minute; a negative value disables the export.
	ExportInterval time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.SessionIDs == nil {
		c.SessionIDs = uuid.NewString
	}
	if c.ExportInterval == 0 {
		c.ExportInterval = defaultExportInterval
	}

	return c
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithClock sets the Relay clock.
func WithClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithSessionIDs overrides cycle session id generation.
func WithSessionIDs(next func() string) RelayOption {
	return func(c *RelayConfig) {
		c.SessionIDs = next
	}
}

// WithExportInterval sets the queue size export period.
// Use a negative value to disable the export.
func WithExportInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.ExportInterval = interval
	}
}
