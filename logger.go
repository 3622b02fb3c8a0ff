package diskq

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with diskq-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithFileID adds a data file ID field to the logger.
func (l *Logger) WithFileID(id uint16) *Logger {
	return &Logger{
		Logger: l.Logger.With("file_id", id),
	}
}

// WithRecordID adds a record ID field to the logger.
func (l *Logger) WithRecordID(id uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("record_id", id),
	}
}

// LogFileRoll logs a writer or reader moving to the next data file.
func (l *Logger) LogFileRoll(ctx context.Context, role string, fileID uint16) {
	l.DebugContext(ctx, "rolled to next data file",
		"role", role,
		"file_id", fileID,
	)
}

// LogFileDelete logs deletion of a fully consumed data file.
func (l *Logger) LogFileDelete(ctx context.Context, fileID uint16, reclaimed uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "data file delete failed",
			"file_id", fileID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "data file deleted",
			"file_id", fileID,
			"reclaimed_bytes", reclaimed,
		)
	}
}

// LogCorruption logs a detected record corruption.
func (l *Logger) LogCorruption(ctx context.Context, fileID uint16, offset uint64, err error) {
	l.ErrorContext(ctx, "record corruption detected",
		"file_id", fileID,
		"offset", offset,
		"error", err,
	)
}

// LogLostRecords logs a gap in the record ID sequence.
func (l *Logger) LogLostRecords(ctx context.Context, expected, actual, lost uint64) {
	l.WarnContext(ctx, "record ID gap detected, records likely lost",
		"expected_record_id", expected,
		"actual_record_id", actual,
		"lost", lost,
	)
}

// LogArchive logs the outcome of archiving a consumed data file.
func (l *Logger) LogArchive(ctx context.Context, name string, size uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "data file archive failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "data file archived",
			"name", name,
			"size", size,
		)
	}
}

// LogLedgerFlush logs a ledger persistence failure.
func (l *Logger) LogLedgerFlush(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ledger flush failed",
			"error", err,
		)
	}
}
