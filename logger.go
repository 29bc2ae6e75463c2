package outbox

import "log/slog"

// Logger provides structured logging hooks. Arguments are alternating key/value pairs.
//
// *slog.Logger satisfies Logger directly.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

var _ Logger = (*slog.Logger)(nil)

// NopLogger is a no-op logger.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

func loggerOrNop(logger Logger) Logger {
	if logger == nil {
		return NopLogger{}
	}

	return logger
}
