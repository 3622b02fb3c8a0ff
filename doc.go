// Package diskq provides a durable, disk-backed FIFO buffer for Go.
//
// Diskq decouples a producer from a consumer with an on-disk queue that
// survives process restarts. Records are framed, checksummed, and appended
// to a bounded ring of data files; a small ledger file tracks writer and
// reader progress so both sides resume where they left off after a crash.
//
// # Quick Start
//
//	ctx := context.Background()
//	w, r, _ := diskq.Open(ctx, "./buffer")
//
//	id, _ := w.WriteRecord(ctx, []byte("hello"))
//	payload, _ := r.Next(ctx)
//
//	w.Close()
//	r.Close()
//
// # Model
//
// A buffer has exactly one writer and one reader. The writer appends
// records to the current data file, rolling to a new file once the current
// one reaches its target size. The reader consumes records in order and
// deletes (or archives) each data file once it has been fully read. File
// IDs live on a bounded ring, so a stalled reader eventually blocks the
// writer instead of filling the disk.
//
// When the buffer reaches its configured maximum size, WriteRecord blocks
// until the reader frees space. When no records are available, Next blocks
// until the writer makes progress. Both calls honor context cancellation.
//
// # Durability Model
//
// Record writes become visible to the reader immediately, but are only
// durable after an fsync. The flush policy amortizes fsync and ledger
// persistence over a configurable interval; Writer.Flush forces both.
// After an unclean shutdown the reader may re-deliver records it consumed
// after the last ledger flush, but records acknowledged by Writer.Flush
// are never lost.
//
// # Key Features
//
//   - Crash-safe resume for both writer and reader
//   - CRC32-checksummed records with corruption detection and skip-ahead
//   - Bounded on-disk footprint with writer backpressure
//   - Optional zstd or lz4 payload compression
//   - Optional archival of consumed files to S3/MinIO/local blob storage
package diskq
