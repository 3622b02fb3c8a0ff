package diskq

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pipevault/diskq/internal/fs"
)

const writeBufferSize = 256 * 1024

// recordWriter wraps a data file with buffered frame writes.
type recordWriter struct {
	file     fs.File
	buf      *bufio.Writer
	fileSize uint64 // flushed + buffered bytes
}

func newRecordWriter(file fs.File, fileSize uint64) *recordWriter {
	return &recordWriter{
		file:     file,
		buf:      bufio.NewWriterSize(file, writeBufferSize),
		fileSize: fileSize,
	}
}

func (rw *recordWriter) writeFrame(frame []byte) error {
	if _, err := rw.buf.Write(frame); err != nil {
		return err
	}
	rw.fileSize += uint64(len(frame))
	return nil
}

func (rw *recordWriter) flush() error { return rw.buf.Flush() }
func (rw *recordWriter) sync() error  { return fs.DataSync(rw.file) }
func (rw *recordWriter) close() error { return rw.file.Close() }

// Writer appends records to a buffer.
//
// A buffer has exactly one Writer. Writer is not safe for concurrent use;
// wrap it in your own synchronization if multiple goroutines produce.
type Writer struct {
	ledger *ledger
	fsys   fs.FileSystem
	logger *Logger
	usage  UsageCollector

	targetFileSize uint64
	maxBufferSize  uint64
	maxRecordSize  uint64
	compression    Compression

	rw           *recordWriter
	encodeBuf    bytes.Buffer
	skipToNext   bool
	readyToWrite bool
	closed       bool
}

func newWriter(l *ledger, opts *Options) *Writer {
	return &Writer{
		ledger:         l,
		fsys:           opts.fsys,
		logger:         opts.Logger,
		usage:          opts.Usage,
		targetFileSize: opts.TargetFileSize,
		maxBufferSize:  opts.MaxBufferSize,
		maxRecordSize:  opts.MaxRecordSize,
		compression:    opts.Compression,
	}
}

// initialize re-synchronizes the ledger with the current writer data file.
// The ledger only persists periodically, so after an unclean shutdown the
// data file may contain records the ledger never saw. Record IDs are
// monotonic, so the ledger can be fast-forwarded safely; going backwards
// would hand out duplicate IDs, in which case the writer rolls to a fresh
// file instead.
func (w *Writer) initialize(ctx context.Context) error {
	path := w.ledger.currentWriterPath()
	f, err := w.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			w.readyToWrite = true
			return nil
		}
		return fmt.Errorf("failed to open writer data file: %w", err)
	}

	rr := newRecordReader(f, frameLimit(w.maxRecordSize))

	var (
		lastID uint64
		seen   bool
	)
	for {
		id, _, frameLen, ok, err := rr.peek()
		if err != nil {
			// Torn or corrupted tail. Start clean on the next file and
			// let the reader skip past the damage.
			w.logger.ErrorContext(ctx, "invalid record at end of writer data file, rolling to next",
				"file_id", w.ledger.writerFileID(),
				"error", err,
			)
			w.skipToNext = true
			break
		}
		if !ok {
			break
		}
		lastID = id
		seen = true
		rr.consume(frameLen)
	}
	_ = f.Close()

	if seen && !w.skipToNext {
		nextID := lastID + 1 // wraps at 2^64
		ledgerNext := w.ledger.nextWriterRecordID()
		switch {
		case nextID == ledgerNext:
			w.logger.DebugContext(ctx, "writer synchronized with ledger",
				"next_record_id", ledgerNext,
			)
		case wrappedGreater(nextID, ledgerNext):
			// The data file is ahead of the persisted ledger: writes
			// happened after the last ledger flush. Fast-forward.
			w.logger.DebugContext(ctx, "ledger behind data file, fast-forwarding record IDs",
				"ledger_next", ledgerNext,
				"data_file_next", nextID,
			)
			w.ledger.advanceWriterRecordID(nextID - ledgerNext)
		default:
			// The data file is behind the ledger: a flushed write went
			// missing. Reusing this file would duplicate record IDs.
			w.logger.ErrorContext(ctx, "data file behind ledger, records likely lost, rolling to next",
				"ledger_next", ledgerNext,
				"data_file_next", nextID,
			)
			w.skipToNext = true
		}
	}

	w.readyToWrite = true
	return nil
}

// WriteRecord appends payload to the buffer and returns its record ID.
//
// Blocks while the buffer is at MaxBufferSize, until the reader frees
// space or ctx is done.
func (w *Writer) WriteRecord(ctx context.Context, payload []byte) (uint64, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if uint64(len(payload)) > w.maxRecordSize {
		return 0, fmt.Errorf("%w: payload is %d bytes, limit is %d", ErrRecordTooLarge, len(payload), w.maxRecordSize)
	}

	id := w.ledger.nextWriterRecordID()

	w.encodeBuf.Reset()
	n, err := encodeRecord(&w.encodeBuf, id, payload, w.compression)
	if err != nil {
		return 0, err
	}

	if err := w.ensureReadyForWrite(ctx, uint64(n)); err != nil {
		return 0, err
	}

	if err := w.rw.writeFrame(w.encodeBuf.Bytes()); err != nil {
		w.abandonCurrentFile()
		return 0, fmt.Errorf("failed to write record: %w", err)
	}
	// Make the record visible to the reader right away. Durability still
	// follows the flush policy below.
	if err := w.rw.flush(); err != nil {
		w.abandonCurrentFile()
		return 0, fmt.Errorf("failed to flush record: %w", err)
	}

	w.ledger.advanceWriterRecordID(1)
	w.ledger.trackWrite(uint64(n))
	w.usage.RecordWrite(uint64(n))
	w.ledger.notifyReaderWaiters()

	if w.ledger.shouldFlush() {
		if err := w.syncDurable(); err != nil {
			return id, err
		}
	}

	return id, nil
}

// abandonCurrentFile closes the current data file after a failed write.
// The file may hold a torn frame, so the writer moves on to the next file
// and leaves the reader's corruption handling to deal with the tail.
func (w *Writer) abandonCurrentFile() {
	if w.rw != nil {
		_ = w.rw.close()
		w.rw = nil
	}
	w.skipToNext = true
}

// ensureReadyForWrite makes sure an open data file with room for
// recordLen bytes is available, applying backpressure and file rollover.
func (w *Writer) ensureReadyForWrite(ctx context.Context, recordLen uint64) error {
	// Backpressure: wait until the reader frees space.
	for w.readyToWrite && w.ledger.totalBufferSize() >= w.maxBufferSize {
		w.logger.DebugContext(ctx, "buffer size limit reached, waiting for reader progress",
			"total_buffer_size", w.ledger.totalBufferSize(),
			"max_buffer_size", w.maxBufferSize,
		)
		if err := w.ledger.waitForReader(ctx); err != nil {
			return err
		}
	}

	shouldOpenNext := w.skipToNext
	if w.rw != nil {
		// An oversized record is allowed as the sole occupant of a fresh
		// file, so an empty file always has room.
		if w.rw.fileSize == 0 || w.rw.fileSize+recordLen <= w.targetFileSize {
			return nil
		}

		// Current file is full. Flush it out and move on.
		shouldOpenNext = true
		if err := w.rw.flush(); err != nil {
			w.abandonCurrentFile()
			return fmt.Errorf("failed to flush data file: %w", err)
		}
		if err := w.rw.sync(); err != nil {
			w.abandonCurrentFile()
			return fmt.Errorf("failed to sync data file: %w", err)
		}
		if err := w.rw.close(); err != nil {
			w.rw = nil
			w.skipToNext = true
			return fmt.Errorf("failed to close data file: %w", err)
		}
		w.rw = nil
	}

	for {
		var path string
		if shouldOpenNext {
			path = w.ledger.nextWriterPath()
		} else {
			path = w.ledger.currentWriterPath()
		}

		file, fileSize, err := w.openDataFile(path, shouldOpenNext)
		if err != nil {
			return err
		}
		if file == nil {
			// The target slot on the file ID ring is still occupied by a
			// file the reader has not finished. Wait for it.
			w.logger.DebugContext(ctx, "target data file still unread, waiting for reader progress",
				"path", path,
			)
			if err := w.ledger.waitForReader(ctx); err != nil {
				return err
			}
			continue
		}

		w.rw = newRecordWriter(file, fileSize)

		if shouldOpenNext {
			w.ledger.incrementWriterFileID()
			w.skipToNext = false
			w.ledger.notifyReaderWaiters()
			w.usage.RecordFileRoll(w.ledger.writerFileID())
			w.logger.LogFileRoll(ctx, "writer", w.ledger.writerFileID())
		}
		return nil
	}
}

// openDataFile tries to create path exclusively, falling back to resuming
// an existing file where allowed. Returns a nil file when the path holds a
// full, unread data file that the reader must delete first.
func (w *Writer) openDataFile(path string, shouldOpenNext bool) (fs.File, uint64, error) {
	file, err := w.fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		return file, 0, nil
	}
	if !os.IsExist(err) {
		return nil, 0, fmt.Errorf("failed to create data file: %w", err)
	}

	// The file exists. Either it is the one we left off writing during a
	// previous run, or a full file awaiting the reader.
	file, err = w.fsys.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			// Reader deleted it between our two opens, retry the create.
			return w.openDataFile(path, shouldOpenNext)
		}
		return nil, 0, fmt.Errorf("failed to open data file: %w", err)
	}

	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("failed to stat data file: %w", err)
	}
	fileSize := uint64(st.Size())

	if fileSize == 0 || !shouldOpenNext {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			_ = file.Close()
			return nil, 0, fmt.Errorf("failed to seek data file: %w", err)
		}
		return file, fileSize, nil
	}

	_ = file.Close()
	return nil, 0, nil
}

// Flush flushes buffered records, fsyncs the data file, and persists the
// ledger. Records are durable once Flush returns.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.syncDurable(); err != nil {
		return err
	}
	w.ledger.notifyReaderWaiters()
	return nil
}

func (w *Writer) syncDurable() error {
	if w.rw != nil {
		if err := w.rw.flush(); err != nil {
			return fmt.Errorf("failed to flush data file: %w", err)
		}
		if err := w.rw.sync(); err != nil {
			return fmt.Errorf("failed to sync data file: %w", err)
		}
	}
	if err := w.ledger.flush(); err != nil {
		return err
	}
	return nil
}

// CurrentFileID returns the data file ID the writer is on.
func (w *Writer) CurrentFileID() uint16 {
	return w.ledger.writerFileID()
}

// Close flushes and closes the writer. A blocked reader is woken up and
// will drain the remaining records before seeing ErrWriterDone.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if w.rw != nil {
		if err := w.rw.flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to flush data file: %w", err)
		}
		if err := w.rw.sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to sync data file: %w", err)
		}
		if err := w.rw.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close data file: %w", err)
		}
		w.rw = nil
	}

	if err := w.ledger.flush(); err != nil && firstErr == nil {
		firstErr = err
	}

	w.ledger.markWriterDone()

	if err := w.ledger.releaseHandle(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// wrappedGreater reports whether a is after b in wrapping uint64 order.
func wrappedGreater(a, b uint64) bool {
	return a != b && a-b < 1<<63
}
