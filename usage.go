package diskq

import (
	"sync/atomic"
)

// UsageCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    writtenBytes prometheus.Counter
//	}
//
//	func (p *PrometheusCollector) RecordWrite(bytes uint64) {
//	    p.writtenBytes.Add(float64(bytes))
//	}
type UsageCollector interface {
	// RecordOpen is called once per Open with the unread record count and
	// on-disk byte size recovered from the ledger.
	RecordOpen(records, bytes uint64)

	// RecordWrite is called after each record write.
	// bytes is the on-disk size of the record including framing.
	RecordWrite(bytes uint64)

	// RecordRead is called after each record read.
	RecordRead(bytes uint64)

	// RecordFileRoll is called when the writer moves to a new data file.
	// fileID is the new current writer file ID.
	RecordFileRoll(fileID uint16)

	// RecordFileDelete is called when the reader deletes or archives a
	// fully consumed data file. reclaimed is the file size in bytes.
	RecordFileDelete(fileID uint16, reclaimed uint64)

	// RecordCorruption is called when a corrupted record is detected.
	RecordCorruption(fileID uint16)

	// RecordLostRecords is called when the reader observes a gap in the
	// record ID sequence.
	RecordLostRecords(count uint64)

	// RecordArchive is called after a consumed data file has been uploaded
	// to the archive store.
	RecordArchive(bytes uint64, err error)
}

// NoopUsageCollector is a no-op implementation of UsageCollector.
// Use this when metrics collection is not needed.
type NoopUsageCollector struct{}

func (NoopUsageCollector) RecordOpen(uint64, uint64)       {}
func (NoopUsageCollector) RecordWrite(uint64)              {}
func (NoopUsageCollector) RecordRead(uint64)               {}
func (NoopUsageCollector) RecordFileRoll(uint16)           {}
func (NoopUsageCollector) RecordFileDelete(uint16, uint64) {}
func (NoopUsageCollector) RecordCorruption(uint16)         {}
func (NoopUsageCollector) RecordLostRecords(uint64)        {}
func (NoopUsageCollector) RecordArchive(uint64, error)     {}

// BasicUsageCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicUsageCollector struct {
	OpenRecords   atomic.Uint64
	OpenBytes     atomic.Uint64
	WriteCount    atomic.Uint64
	WriteBytes    atomic.Uint64
	ReadCount     atomic.Uint64
	ReadBytes     atomic.Uint64
	FileRolls     atomic.Uint64
	FileDeletes   atomic.Uint64
	BytesFreed    atomic.Uint64
	Corruptions   atomic.Uint64
	LostRecords   atomic.Uint64
	Archives      atomic.Uint64
	ArchiveBytes  atomic.Uint64
	ArchiveErrors atomic.Uint64
}

// RecordOpen implements UsageCollector.
func (b *BasicUsageCollector) RecordOpen(records, bytes uint64) {
	b.OpenRecords.Store(records)
	b.OpenBytes.Store(bytes)
}

// RecordWrite implements UsageCollector.
func (b *BasicUsageCollector) RecordWrite(bytes uint64) {
	b.WriteCount.Add(1)
	b.WriteBytes.Add(bytes)
}

// RecordRead implements UsageCollector.
func (b *BasicUsageCollector) RecordRead(bytes uint64) {
	b.ReadCount.Add(1)
	b.ReadBytes.Add(bytes)
}

// RecordFileRoll implements UsageCollector.
func (b *BasicUsageCollector) RecordFileRoll(uint16) {
	b.FileRolls.Add(1)
}

// RecordFileDelete implements UsageCollector.
func (b *BasicUsageCollector) RecordFileDelete(_ uint16, reclaimed uint64) {
	b.FileDeletes.Add(1)
	b.BytesFreed.Add(reclaimed)
}

// RecordCorruption implements UsageCollector.
func (b *BasicUsageCollector) RecordCorruption(uint16) {
	b.Corruptions.Add(1)
}

// RecordLostRecords implements UsageCollector.
func (b *BasicUsageCollector) RecordLostRecords(count uint64) {
	b.LostRecords.Add(count)
}

// RecordArchive implements UsageCollector.
func (b *BasicUsageCollector) RecordArchive(bytes uint64, err error) {
	if err != nil {
		b.ArchiveErrors.Add(1)
		return
	}
	b.Archives.Add(1)
	b.ArchiveBytes.Add(bytes)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicUsageCollector) GetStats() BasicUsageStats {
	return BasicUsageStats{
		OpenRecords:   b.OpenRecords.Load(),
		OpenBytes:     b.OpenBytes.Load(),
		WriteCount:    b.WriteCount.Load(),
		WriteBytes:    b.WriteBytes.Load(),
		ReadCount:     b.ReadCount.Load(),
		ReadBytes:     b.ReadBytes.Load(),
		FileRolls:     b.FileRolls.Load(),
		FileDeletes:   b.FileDeletes.Load(),
		BytesFreed:    b.BytesFreed.Load(),
		Corruptions:   b.Corruptions.Load(),
		LostRecords:   b.LostRecords.Load(),
		Archives:      b.Archives.Load(),
		ArchiveBytes:  b.ArchiveBytes.Load(),
		ArchiveErrors: b.ArchiveErrors.Load(),
	}
}

// BasicUsageStats is a snapshot of BasicUsageCollector state.
type BasicUsageStats struct {
	OpenRecords   uint64
	OpenBytes     uint64
	WriteCount    uint64
	WriteBytes    uint64
	ReadCount     uint64
	ReadBytes     uint64
	FileRolls     uint64
	FileDeletes   uint64
	BytesFreed    uint64
	Corruptions   uint64
	LostRecords   uint64
	Archives      uint64
	ArchiveBytes  uint64
	ArchiveErrors uint64
}
