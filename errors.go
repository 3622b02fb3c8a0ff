package diskq

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordTooLarge is returned when a payload exceeds Options.MaxRecordSize.
	ErrRecordTooLarge = errors.New("record too large")

	// ErrInvalidChecksum is returned when a record fails checksum validation.
	ErrInvalidChecksum = errors.New("invalid record checksum")

	// ErrInvalidFrame is returned when a frame header is structurally invalid.
	ErrInvalidFrame = errors.New("invalid record frame")

	// ErrBufferLocked is returned when the buffer directory is already locked
	// by another process.
	ErrBufferLocked = errors.New("buffer directory locked by another process")

	// ErrClosed is returned when an operation is attempted on a closed
	// writer or reader.
	ErrClosed = errors.New("buffer closed")

	// ErrWriterDone is returned by Reader.Next once the writer has been
	// closed and all remaining records have been consumed.
	ErrWriterDone = errors.New("writer closed, no more records")
)

// CorruptionError indicates that a record in a data file could not be
// decoded. When the corruption policy allows it, the reader skips the rest
// of the affected file before surfacing this error.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type CorruptionError struct {
	FileID uint16
	Offset uint64
	cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted record in data file %d at offset %d: %v", e.FileID, e.Offset, e.cause)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

// ConfigError indicates an invalid buffer configuration.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Param, e.Reason)
}
