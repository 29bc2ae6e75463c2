package postgres

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("outbox postgres: db is required")
	// ErrExecutorRequired is returned when an insert is called with a nil executor.
	ErrExecutorRequired = errors.New("outbox postgres: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("outbox postgres: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox postgres: invalid table name")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("outbox postgres: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("outbox postgres: cleanup limit must be non-negative")
)
