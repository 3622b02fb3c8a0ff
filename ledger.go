package diskq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipevault/diskq/internal/fs"
)

const (
	ledgerFileName    = "ledger.json"
	ledgerTmpFileName = "ledger.json.tmp"
	lockFileName      = "buffer.lock"
	dataFilePattern   = "buffer-data-%05d.dat"

	ledgerVersion = 1
)

// ledgerState is the authoritative in-process state of the buffer, shared
// between the writer and the reader. All fields are atomics so both sides
// can read each other's progress without locking.
type ledgerState struct {
	totalRecords       atomic.Uint64
	totalBufferSize    atomic.Uint64
	writerNextRecordID atomic.Uint64
	writerFileID       atomic.Uint32
	readerFileID       atomic.Uint32
	readerLastRecordID atomic.Uint64
}

// ledgerSnapshot is the persisted form of ledgerState.
type ledgerSnapshot struct {
	Version            int    `json:"version"`
	TotalRecords       uint64 `json:"total_records"`
	TotalBufferSize    uint64 `json:"total_buffer_size"`
	WriterNextRecordID uint64 `json:"writer_next_record_id"`
	WriterFileID       uint16 `json:"writer_file_id"`
	ReaderFileID       uint16 `json:"reader_file_id"`
	ReaderLastRecordID uint64 `json:"reader_last_record_id"`
}

// ledger coordinates the writer and reader of a buffer. It owns the
// advisory lock on the buffer directory, the persisted progress snapshot,
// and the wakeup channels both sides block on.
type ledger struct {
	dir           string
	fsys          fs.FileSystem
	maxDataFiles  uint16
	flushInterval time.Duration
	logger        *Logger

	state    ledgerState
	lockFile fs.File

	lastFlush  atomic.Int64
	flushMu    sync.Mutex
	writerDone atomic.Bool

	// Single-permit wakeup channels. A send stores at most one permit, so
	// a notification arriving before the other side blocks is not lost.
	readerWake chan struct{} // writer progress wakes blocked readers
	writerWake chan struct{} // reader progress wakes blocked writers

	handles atomic.Int32
}

// openLedger locks dir and loads (or initializes) the persisted buffer state.
func openLedger(dir string, fsys fs.FileSystem, maxDataFiles uint16, flushInterval time.Duration, logger *Logger) (*ledger, error) {
	if err := fsys.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	lockFile, err := fsys.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := fs.Flock(lockFile); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, fs.ErrLocked) {
			return nil, ErrBufferLocked
		}
		return nil, fmt.Errorf("failed to lock buffer directory: %w", err)
	}

	l := &ledger{
		dir:           dir,
		fsys:          fsys,
		maxDataFiles:  maxDataFiles,
		flushInterval: flushInterval,
		logger:        logger,
		lockFile:      lockFile,
		readerWake:    make(chan struct{}, 1),
		writerWake:    make(chan struct{}, 1),
	}

	if err := l.load(); err != nil {
		_ = fs.Funlock(lockFile)
		_ = lockFile.Close()
		return nil, err
	}

	l.lastFlush.Store(time.Now().UnixNano())
	l.handles.Store(2) // writer + reader

	return l, nil
}

func (l *ledger) load() error {
	f, err := l.fsys.OpenFile(filepath.Join(l.dir, ledgerFileName), os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			// Fresh buffer. Record IDs start at 1 so a zeroed reader
			// position always sorts before the first record.
			l.state.writerNextRecordID.Store(1)
			return nil
		}
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	var snap ledgerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode ledger: %w", err)
	}
	if snap.Version != ledgerVersion {
		return fmt.Errorf("unsupported ledger version: %d", snap.Version)
	}

	l.state.totalRecords.Store(snap.TotalRecords)
	l.state.totalBufferSize.Store(snap.TotalBufferSize)
	l.state.writerNextRecordID.Store(snap.WriterNextRecordID)
	l.state.writerFileID.Store(uint32(snap.WriterFileID))
	l.state.readerFileID.Store(uint32(snap.ReaderFileID))
	l.state.readerLastRecordID.Store(snap.ReaderLastRecordID)

	return nil
}

// flush atomically persists the current state via write-to-temp-and-rename.
func (l *ledger) flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	snap := ledgerSnapshot{
		Version:            ledgerVersion,
		TotalRecords:       l.state.totalRecords.Load(),
		TotalBufferSize:    l.state.totalBufferSize.Load(),
		WriterNextRecordID: l.state.writerNextRecordID.Load(),
		WriterFileID:       l.writerFileID(),
		ReaderFileID:       l.readerFileID(),
		ReaderLastRecordID: l.state.readerLastRecordID.Load(),
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	tmpPath := filepath.Join(l.dir, ledgerTmpFileName)
	f, err := l.fsys.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create ledger temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close ledger temp file: %w", err)
	}
	if err := l.fsys.Rename(tmpPath, filepath.Join(l.dir, ledgerFileName)); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	if err := fs.SyncDir(l.dir); err != nil {
		l.logger.Debug("buffer directory sync failed", "error", err)
	}

	return nil
}

// shouldFlush reports whether the flush interval has elapsed. At most one
// caller wins per interval; the winner is expected to actually flush.
func (l *ledger) shouldFlush() bool {
	last := l.lastFlush.Load()
	now := time.Now().UnixNano()
	if now-last < l.flushInterval.Nanoseconds() {
		return false
	}
	return l.lastFlush.CompareAndSwap(last, now)
}

func (l *ledger) dataFilePath(id uint16) string {
	return filepath.Join(l.dir, fmt.Sprintf(dataFilePattern, id))
}

func (l *ledger) writerFileID() uint16 {
	return uint16(l.state.writerFileID.Load())
}

func (l *ledger) readerFileID() uint16 {
	return uint16(l.state.readerFileID.Load())
}

func (l *ledger) nextFileID(id uint16) uint16 {
	return uint16((uint32(id) + 1) % uint32(l.maxDataFiles))
}

func (l *ledger) currentWriterPath() string {
	return l.dataFilePath(l.writerFileID())
}

func (l *ledger) nextWriterPath() string {
	return l.dataFilePath(l.nextFileID(l.writerFileID()))
}

func (l *ledger) currentReaderPath() string {
	return l.dataFilePath(l.readerFileID())
}

func (l *ledger) incrementWriterFileID() {
	l.state.writerFileID.Store(uint32(l.nextFileID(l.writerFileID())))
}

func (l *ledger) incrementReaderFileID() {
	l.state.readerFileID.Store(uint32(l.nextFileID(l.readerFileID())))
}

// nextWriterRecordID returns the ID the next written record will get,
// without consuming it. A failed write must not burn an ID.
func (l *ledger) nextWriterRecordID() uint64 {
	return l.state.writerNextRecordID.Load()
}

// advanceWriterRecordID consumes n record IDs. IDs wrap around at 2^64.
func (l *ledger) advanceWriterRecordID(n uint64) {
	l.state.writerNextRecordID.Add(n)
}

func (l *ledger) readerLastRecordID() uint64 {
	return l.state.readerLastRecordID.Load()
}

func (l *ledger) setReaderLastRecordID(id uint64) {
	l.state.readerLastRecordID.Store(id)
}

func (l *ledger) totalRecords() uint64 {
	return l.state.totalRecords.Load()
}

func (l *ledger) totalBufferSize() uint64 {
	return l.state.totalBufferSize.Load()
}

func (l *ledger) trackWrite(bytes uint64) {
	l.state.totalRecords.Add(1)
	l.state.totalBufferSize.Add(bytes)
}

func (l *ledger) trackRead(bytes uint64) {
	saturatingSub(&l.state.totalRecords, 1)
	saturatingSub(&l.state.totalBufferSize, bytes)
}

// reclaim accounts for bytes freed without being read record-by-record,
// such as the skipped tail of a corrupted data file.
func (l *ledger) reclaim(bytes uint64) {
	saturatingSub(&l.state.totalBufferSize, bytes)
}

// forgetRecords drops n records from the unread count without reading
// them. Called when a gap in the record ID sequence shows records were
// lost to a corruption skip; their bytes are reclaimed separately when
// the affected file rolled.
func (l *ledger) forgetRecords(n uint64) {
	saturatingSub(&l.state.totalRecords, n)
}

func saturatingSub(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		d := n
		if d > cur {
			d = cur
		}
		if v.CompareAndSwap(cur, cur-d) {
			return
		}
	}
}

// notifyWriterWaiters wakes a writer blocked on reader progress.
func (l *ledger) notifyWriterWaiters() {
	select {
	case l.writerWake <- struct{}{}:
	default:
	}
}

// notifyReaderWaiters wakes a reader blocked on writer progress.
func (l *ledger) notifyReaderWaiters() {
	select {
	case l.readerWake <- struct{}{}:
	default:
	}
}

// waitForReader blocks until the reader signals progress. Callers must
// re-check their wait condition afterwards.
func (l *ledger) waitForReader(ctx context.Context) error {
	select {
	case <-l.writerWake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForWriter blocks until the writer signals progress.
func (l *ledger) waitForWriter(ctx context.Context) error {
	select {
	case <-l.readerWake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ledger) markWriterDone() {
	l.writerDone.Store(true)
	l.notifyReaderWaiters()
}

func (l *ledger) isWriterDone() bool {
	return l.writerDone.Load()
}

// releaseHandle is called by Writer.Close and Reader.Close. The last
// handle persists the final state and releases the directory lock.
func (l *ledger) releaseHandle() error {
	if l.handles.Add(-1) != 0 {
		return nil
	}

	flushErr := l.flush()
	if err := fs.Funlock(l.lockFile); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("failed to unlock buffer directory: %w", err)
	}
	if err := l.lockFile.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("failed to close lock file: %w", err)
	}
	return flushErr
}
