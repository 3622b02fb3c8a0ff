package diskq

import (
	"math"
	"time"

	"github.com/pipevault/diskq/blobstore"
	"github.com/pipevault/diskq/internal/fs"
)

// Compression selects the payload compression codec.
type Compression uint8

const (
	// CompressionNone disables payload compression.
	CompressionNone Compression = iota

	// CompressionZstd compresses payloads with zstd.
	// Best compression ratio, recommended for text-heavy payloads.
	CompressionZstd

	// CompressionLZ4 compresses payloads with lz4 block compression.
	// Lower ratio than zstd but very low CPU overhead.
	CompressionLZ4
)

// CorruptionPolicy controls how the reader reacts to a corrupted record.
type CorruptionPolicy int

const (
	// CorruptionSkipFile skips the remainder of the affected data file and
	// continues from the next one. The corruption is still surfaced once as
	// a CorruptionError so callers can account for the loss.
	CorruptionSkipFile CorruptionPolicy = iota

	// CorruptionHalt stops the reader at the corrupted record. Every
	// subsequent Next call returns the same CorruptionError.
	CorruptionHalt
)

// Options contains configuration for a buffer.
type Options struct {
	// TargetFileSize is the size at which the writer rolls to a new data
	// file. A single record larger than this still fits: it gets a data
	// file of its own.
	TargetFileSize uint64

	// MaxBufferSize caps the total on-disk size of unread records. Once
	// reached, WriteRecord blocks until the reader frees space. Rounded
	// down to a multiple of TargetFileSize.
	MaxBufferSize uint64

	// MaxRecordSize caps the size of a single payload. Larger payloads are
	// rejected with ErrRecordTooLarge.
	MaxRecordSize uint64

	// MaxDataFiles is the number of file IDs on the ring. File IDs wrap
	// around after this many files, so a data file can only be recreated
	// once the reader has deleted its predecessor with the same ID.
	// Must be at least 2.
	MaxDataFiles uint16

	// FlushInterval is the maximum time between fsync and ledger
	// persistence. Shorter intervals tighten the re-delivery window after
	// a crash at the cost of more fsync calls.
	FlushInterval time.Duration

	// Compression selects the payload compression codec for new records.
	// Reads always decode whatever codec each record was written with.
	Compression Compression

	// CorruptionPolicy controls reader behavior on corrupted records.
	CorruptionPolicy CorruptionPolicy

	// ArchiveStore, when set, receives every fully consumed data file
	// before it is removed from disk. Uploads happen in the background.
	ArchiveStore blobstore.Store

	// ArchiveConcurrency bounds the number of concurrent archive uploads.
	// Default: 2.
	ArchiveConcurrency int

	// ArchiveBytesPerSec throttles archive upload bandwidth.
	// 0 means unlimited.
	ArchiveBytesPerSec int

	// Logger configures structured logging. Nil disables logging.
	Logger *Logger

	// Usage configures a metrics collector. Nil disables collection.
	Usage UsageCollector

	// fsys abstracts file system access so tests can inject faults.
	fsys fs.FileSystem
}

// DefaultOptions returns default buffer options.
var DefaultOptions = Options{
	TargetFileSize:     128 * 1024 * 1024,      // 128 MiB per data file
	MaxBufferSize:      1024 * 1024 * 1024,     // 1 GiB on disk before backpressure
	MaxRecordSize:      8 * 1024 * 1024,        // 8 MiB per record
	MaxDataFiles:       8192,                   // File ID ring size
	FlushInterval:      500 * time.Millisecond, // fsync + ledger cadence
	Compression:        CompressionNone,
	CorruptionPolicy:   CorruptionSkipFile,
	ArchiveConcurrency: 2,
}

func (o *Options) validate() error {
	if o.TargetFileSize == 0 {
		return &ConfigError{Param: "TargetFileSize", Reason: "must be greater than zero"}
	}
	if o.MaxRecordSize == 0 {
		return &ConfigError{Param: "MaxRecordSize", Reason: "must be greater than zero"}
	}
	// The frame length prefix is 32 bits and covers the record header too.
	if o.MaxRecordSize > math.MaxUint32-recordFrameOverhead {
		return &ConfigError{Param: "MaxRecordSize", Reason: "must fit a 32-bit frame length"}
	}
	if o.MaxBufferSize < o.TargetFileSize {
		return &ConfigError{Param: "MaxBufferSize", Reason: "must be at least TargetFileSize"}
	}
	if o.MaxRecordSize > o.MaxBufferSize {
		return &ConfigError{Param: "MaxRecordSize", Reason: "must not exceed MaxBufferSize"}
	}
	if o.MaxDataFiles < 2 {
		return &ConfigError{Param: "MaxDataFiles", Reason: "must be at least 2"}
	}
	if o.FlushInterval <= 0 {
		return &ConfigError{Param: "FlushInterval", Reason: "must be greater than zero"}
	}
	switch o.Compression {
	case CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return &ConfigError{Param: "Compression", Reason: "unknown codec"}
	}
	if o.ArchiveConcurrency < 0 {
		return &ConfigError{Param: "ArchiveConcurrency", Reason: "must not be negative"}
	}
	if o.ArchiveBytesPerSec < 0 {
		return &ConfigError{Param: "ArchiveBytesPerSec", Reason: "must not be negative"}
	}
	return nil
}

func (o *Options) normalize() {
	// Keep the buffer limit aligned with whole data files.
	if rem := o.MaxBufferSize % o.TargetFileSize; rem != 0 && o.MaxBufferSize > o.TargetFileSize {
		o.MaxBufferSize -= rem
	}
	if o.ArchiveConcurrency == 0 {
		o.ArchiveConcurrency = DefaultOptions.ArchiveConcurrency
	}
	if o.Logger == nil {
		o.Logger = NoopLogger()
	}
	if o.Usage == nil {
		o.Usage = NoopUsageCollector{}
	}
	if o.fsys == nil {
		o.fsys = fs.Default
	}
}
