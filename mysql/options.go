package mysql

import "github.com/velmie/outbox/v2"

// DefaultTable is the table used when none is configured.
const DefaultTable = "outbox"

// Config defines MySQL store behavior.
type Config struct {
	Table string
	// Clock supplies "now" for the run time predicate of eligible selection.
	Clock outbox.Clock
	// ChunkSize bounds the rows touched by a single mutation statement.
	ChunkSize int
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.Clock == nil {
		c.Clock = outbox.SystemClock{}
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = outbox.MutationChunkSize
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the outbox table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock outbox.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithChunkSize overrides the number of rows per mutation statement.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		c.ChunkSize = size
	}
}
