package diskq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pipevault/diskq/internal/fs"
)

const readChunkSize = 32 * 1024

// recordReader incrementally parses frames out of a data file. An
// incomplete trailing frame is not an error: the writer may still be
// appending to the file.
type recordReader struct {
	file        fs.File
	maxFrameLen uint32
	pending     []byte
	chunk       []byte
	consumed    uint64 // bytes consumed from the start of the file
}

func newRecordReader(file fs.File, maxFrameLen uint32) *recordReader {
	return &recordReader{
		file:        file,
		maxFrameLen: maxFrameLen,
		chunk:       make([]byte, readChunkSize),
	}
}

// fill reads more bytes from the file. Returns 0 at the current end of
// the file, which may grow later.
func (rr *recordReader) fill() (int, error) {
	n, err := rr.file.Read(rr.chunk)
	if n > 0 {
		rr.pending = append(rr.pending, rr.chunk[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

// peek returns the next complete record without consuming it. ok is false
// when no complete frame is available yet. The returned slice is only
// valid until the next call into the recordReader.
func (rr *recordReader) peek() (id uint64, rec []byte, frameLen int, ok bool, err error) {
	for {
		if len(rr.pending) >= frameHeaderSize {
			flen := binary.BigEndian.Uint32(rr.pending)
			if flen < recordHeaderSize || flen > rr.maxFrameLen {
				return 0, nil, 0, false, fmt.Errorf("%w: frame length %d", ErrInvalidFrame, flen)
			}
			total := frameHeaderSize + int(flen)
			if len(rr.pending) >= total {
				rec = rr.pending[frameHeaderSize:total]
				id, verr := verifyRecord(rec)
				if verr != nil {
					return 0, nil, 0, false, verr
				}
				return id, rec, total, true, nil
			}
		}
		n, ferr := rr.fill()
		if ferr != nil {
			return 0, nil, 0, false, ferr
		}
		if n == 0 {
			return 0, nil, 0, false, nil
		}
	}
}

func (rr *recordReader) consume(n int) {
	copy(rr.pending, rr.pending[n:])
	rr.pending = rr.pending[:len(rr.pending)-n]
	rr.consumed += uint64(n)
}

func (rr *recordReader) close() error { return rr.file.Close() }

// Reader consumes records from a buffer in write order.
//
// A buffer has exactly one Reader. Reader is not safe for concurrent use.
type Reader struct {
	ledger *ledger
	fsys   fs.FileSystem
	logger *Logger
	usage  UsageCollector

	maxRecordSize    uint64
	corruptionPolicy CorruptionPolicy

	rr           *recordReader
	lastRecordID uint64
	readyToRead  bool
	haltedErr    error
	archiver     *archiver
	closed       bool
}

func newReader(l *ledger, opts *Options) *Reader {
	return &Reader{
		ledger:           l,
		fsys:             opts.fsys,
		logger:           opts.Logger,
		usage:            opts.Usage,
		maxRecordSize:    opts.MaxRecordSize,
		corruptionPolicy: opts.CorruptionPolicy,
	}
}

// initialize seeks past the records consumed before the last ledger
// flush. The ledger persists reader progress and the buffer size counters
// in one snapshot, so records at or before the persisted last-read ID are
// exactly the ones already accounted for; anything after them is
// re-delivered.
func (r *Reader) initialize(ctx context.Context) error {
	r.lastRecordID = r.ledger.readerLastRecordID()

	if err := r.openCurrentFile(); err != nil {
		return err
	}
	if r.rr != nil {
		for {
			id, _, frameLen, ok, err := r.rr.peek()
			if err != nil || !ok {
				// A corrupted lead-in is handled on the first Next call.
				break
			}
			if wrappedGreater(id, r.lastRecordID) {
				break
			}
			r.rr.consume(frameLen)
		}
		r.logger.DebugContext(ctx, "reader synchronized with ledger",
			"file_id", r.ledger.readerFileID(),
			"last_record_id", r.lastRecordID,
			"offset", r.rr.consumed,
		)
	}

	r.readyToRead = true
	return nil
}

func (r *Reader) openCurrentFile() error {
	file, err := r.fsys.OpenFile(r.ledger.currentReaderPath(), os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open reader data file: %w", err)
	}
	r.rr = newRecordReader(file, frameLimit(r.maxRecordSize))
	return nil
}

// Next returns the payload of the next record.
//
// Blocks until a record is available or ctx is done. Once the writer has
// been closed and all records are drained, Next returns ErrWriterDone.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.haltedErr != nil {
		return nil, r.haltedErr
	}

	for {
		// Snapshot before looking for data: anything the writer wrote
		// before closing is visible once writerDone reads true.
		writerDone := r.ledger.isWriterDone()

		if r.rr == nil {
			if err := r.openCurrentFile(); err != nil {
				return nil, err
			}
		}

		if r.rr != nil {
			id, rec, frameLen, ok, err := r.rr.peek()
			if err != nil {
				return nil, r.handleCorruption(ctx, err)
			}
			if ok {
				_, payload, derr := decodeRecord(rec)
				if derr != nil {
					return nil, r.handleCorruption(ctx, derr)
				}
				r.rr.consume(frameLen)
				r.updateLastRecordID(ctx, id)
				r.ledger.trackRead(uint64(frameLen))
				r.usage.RecordRead(uint64(frameLen))
				r.ledger.notifyWriterWaiters()
				if r.ledger.shouldFlush() {
					r.logger.LogLedgerFlush(ctx, r.ledger.flush())
				}
				return payload, nil
			}

			// End of the current file with no complete record. If the
			// writer has moved on, this file is finished.
			if r.ledger.readerFileID() != r.ledger.writerFileID() {
				if err := r.rollToNextFile(ctx); err != nil {
					return nil, err
				}
				continue
			}
		} else if r.ledger.readerFileID() != r.ledger.writerFileID() {
			// The writer is ahead but our data file is gone. Someone
			// removed it externally; skip the empty slot.
			r.logger.WarnContext(ctx, "reader data file missing, skipping",
				"file_id", r.ledger.readerFileID(),
			)
			if err := r.rollToNextFile(ctx); err != nil {
				return nil, err
			}
			continue
		}

		// Caught up with the writer.
		if writerDone {
			return nil, ErrWriterDone
		}
		if err := r.ledger.waitForWriter(ctx); err != nil {
			return nil, err
		}
	}
}

// handleCorruption applies the corruption policy to an undecodable record.
// With CorruptionSkipFile the rest of the file is skipped, but never past
// the writer's current file: while the writer is still on this file the
// reader stays put and surfaces the error on every call until the writer
// rolls.
func (r *Reader) handleCorruption(ctx context.Context, cause error) error {
	fileID := r.ledger.readerFileID()
	var offset uint64
	if r.rr != nil {
		offset = r.rr.consumed
	}

	cerr := &CorruptionError{FileID: fileID, Offset: offset, cause: cause}
	r.usage.RecordCorruption(fileID)
	r.logger.LogCorruption(ctx, fileID, offset, cause)

	switch r.corruptionPolicy {
	case CorruptionSkipFile:
		if fileID != r.ledger.writerFileID() {
			if err := r.rollToNextFile(ctx); err != nil {
				return err
			}
		}
	case CorruptionHalt:
		r.haltedErr = cerr
	}

	return cerr
}

// rollToNextFile removes (or archives) the current data file, advances the
// reader file ID, and persists progress so the ring slot is never replayed.
func (r *Reader) rollToNextFile(ctx context.Context) error {
	fileID := r.ledger.readerFileID()
	path := r.ledger.currentReaderPath()

	var fileSize, leftover uint64
	if r.rr != nil {
		if st, err := r.rr.file.Stat(); err == nil {
			fileSize = uint64(st.Size())
			if fileSize > r.rr.consumed {
				leftover = fileSize - r.rr.consumed
			}
		}
		_ = r.rr.close()
		r.rr = nil
	}

	if r.archiver != nil {
		if err := r.archiver.submit(ctx, path, fileSize); err != nil {
			// Losing the archive beats wedging the file ID ring.
			r.logger.LogArchive(ctx, filepath.Base(path), fileSize, err)
			if rerr := r.fsys.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				return fmt.Errorf("failed to delete data file: %w", rerr)
			}
		}
	} else if err := r.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete data file: %w", err)
	}

	if leftover > 0 {
		r.ledger.reclaim(leftover)
	}

	r.ledger.incrementReaderFileID()
	if err := r.ledger.flush(); err != nil {
		return err
	}
	r.ledger.notifyWriterWaiters()

	r.usage.RecordFileDelete(fileID, fileSize)
	r.logger.LogFileDelete(ctx, fileID, fileSize, nil)
	r.logger.LogFileRoll(ctx, "reader", r.ledger.readerFileID())

	return nil
}

// updateLastRecordID tracks the record ID sequence and reports gaps,
// which indicate records lost to corruption skips.
func (r *Reader) updateLastRecordID(ctx context.Context, id uint64) {
	expected := r.lastRecordID + 1 // wraps at 2^64
	if r.readyToRead && id != expected {
		lost := id - expected
		r.ledger.forgetRecords(lost)
		r.usage.RecordLostRecords(lost)
		r.logger.LogLostRecords(ctx, expected, id, lost)
	}
	r.lastRecordID = id
	r.ledger.setReaderLastRecordID(id)
}

// TotalRecords returns the number of unread records in the buffer.
func (r *Reader) TotalRecords() uint64 {
	return r.ledger.totalRecords()
}

// TotalBufferSize returns the on-disk size of unread records in bytes.
func (r *Reader) TotalBufferSize() uint64 {
	return r.ledger.totalBufferSize()
}

// CurrentFileID returns the data file ID the reader is on.
func (r *Reader) CurrentFileID() uint16 {
	return r.ledger.readerFileID()
}

// Close closes the reader. Pending archive uploads are drained first.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if r.rr != nil {
		if err := r.rr.close(); err != nil {
			firstErr = fmt.Errorf("failed to close data file: %w", err)
		}
		r.rr = nil
	}
	if r.archiver != nil {
		if err := r.archiver.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.ledger.releaseHandle(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
