package diskq

import (
	"context"
	"fmt"
)

// Open opens the buffer rooted at dir, creating it when missing, and
// returns its writer and reader halves. The buffer supports exactly one
// writer and one reader; a second Open of the same directory fails with
// ErrBufferLocked until both halves are closed.
//
// On an existing buffer, Open recovers the persisted state: the writer
// resumes appending behind the last durable record, the reader resumes
// at the oldest unacknowledged record. Records written after the last
// ledger flush before a crash are delivered again.
func Open(ctx context.Context, dir string, optFns ...func(o *Options)) (*Writer, *Reader, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	opts.normalize()

	l, err := openLedger(dir, opts.fsys, opts.MaxDataFiles, opts.FlushInterval, opts.Logger)
	if err != nil {
		return nil, nil, err
	}
	opts.Usage.RecordOpen(l.totalRecords(), l.totalBufferSize())

	w := newWriter(l, &opts)
	if err := w.initialize(ctx); err != nil {
		_ = l.releaseHandle()
		_ = l.releaseHandle()
		return nil, nil, fmt.Errorf("failed to initialize writer: %w", err)
	}

	r := newReader(l, &opts)

	if opts.ArchiveStore != nil {
		a, err := newArchiver(dir, &opts)
		if err != nil {
			_ = w.Close()
			_ = l.releaseHandle()
			return nil, nil, err
		}
		if err := a.recoverStaged(ctx, opts.ArchiveConcurrency); err != nil {
			// Staged files survive for the next attempt.
			opts.Logger.WarnContext(ctx, "archive staging recovery incomplete", "error", err)
		}
		r.archiver = a
	}

	if err := r.initialize(ctx); err != nil {
		_ = w.Close()
		_ = r.Close()
		return nil, nil, fmt.Errorf("failed to initialize reader: %w", err)
	}

	return w, r, nil
}
