package diskq

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallBufferOptions(o *Options) {
	o.TargetFileSize = 256
	o.MaxBufferSize = 4096
	o.MaxRecordSize = 1024
	o.MaxDataFiles = 64
	o.FlushInterval = time.Hour // flush only on demand
}

func TestOpenValidatesOptions(t *testing.T) {
	ctx := context.Background()

	tests := map[string]func(o *Options){
		"zero target file size": func(o *Options) { o.TargetFileSize = 0 },
		"zero max record size":  func(o *Options) { o.MaxRecordSize = 0 },
		"buffer below one file": func(o *Options) { o.MaxBufferSize = o.TargetFileSize - 1 },
		"record above buffer":   func(o *Options) { o.MaxRecordSize = o.MaxBufferSize + 1 },
		"single data file":      func(o *Options) { o.MaxDataFiles = 1 },
		"zero flush interval":   func(o *Options) { o.FlushInterval = 0 },
		"unknown codec":         func(o *Options) { o.Compression = Compression(42) },
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Open(ctx, t.TempDir(), fn)
			var cerr *ConfigError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestBufferWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	const count = 100
	for i := 0; i < count; i++ {
		id, err := w.WriteRecord(ctx, []byte(fmt.Sprintf("record-%03d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), id)
	}

	assert.Equal(t, uint64(count), r.TotalRecords())
	assert.NotZero(t, r.TotalBufferSize())

	for i := 0; i < count; i++ {
		payload, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("record-%03d", i), string(payload))
	}

	assert.Equal(t, uint64(0), r.TotalRecords())
	assert.Equal(t, uint64(0), r.TotalBufferSize())

	require.NoError(t, w.Close())
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrWriterDone)
}

func TestBufferCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, codec := range []Compression{CompressionZstd, CompressionLZ4} {
		w, r, err := Open(ctx, t.TempDir(), func(o *Options) {
			o.Compression = codec
		})
		require.NoError(t, err)

		payload := []byte("a payload that repeats itself, repeats itself, repeats itself")
		_, err = w.WriteRecord(ctx, payload)
		require.NoError(t, err)

		got, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		require.NoError(t, w.Close())
		require.NoError(t, r.Close())
	}
}

func TestBufferReaderBlocksUntilWrite(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	got := make(chan []byte, 1)
	go func() {
		payload, err := r.Next(ctx)
		if err == nil {
			got <- payload
		}
	}()

	select {
	case <-got:
		t.Fatal("read returned before any write")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = w.WriteRecord(ctx, []byte("wake up"))
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.Equal(t, "wake up", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken by the write")
	}
}

func TestBufferRecordTooLarge(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir(), smallBufferOptions)
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	_, err = w.WriteRecord(ctx, make([]byte, 1025))
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	// The rejected record leaves no trace in the accounting.
	assert.Equal(t, uint64(0), r.TotalRecords())
	assert.Equal(t, uint64(0), r.TotalBufferSize())

	// A failed write must not burn a record ID.
	id, err := w.WriteRecord(ctx, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	assert.Equal(t, uint64(1), r.TotalRecords())
	assert.Equal(t, uint64(2+recordFrameOverhead), r.TotalBufferSize())
}

func TestBufferClosedOperations(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())

	_, err = w.WriteRecord(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Flush(), ErrClosed)
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())
}

func TestBufferSecondOpenFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, r, err := Open(ctx, dir)
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	_, _, err = Open(ctx, dir)
	assert.ErrorIs(t, err, ErrBufferLocked)
}

func TestBufferWriterRollsFiles(t *testing.T) {
	ctx := context.Background()

	usage := &BasicUsageCollector{}
	w, r, err := Open(ctx, t.TempDir(), smallBufferOptions, func(o *Options) {
		o.Usage = usage
	})
	require.NoError(t, err)
	defer r.Close()

	// Each record is ~117 bytes on disk; three of them exceed the 256
	// byte target, forcing at least one roll.
	for i := 0; i < 10; i++ {
		_, err := w.WriteRecord(ctx, make([]byte, 100))
		require.NoError(t, err)
	}
	assert.NotZero(t, w.CurrentFileID())
	assert.NotZero(t, usage.GetStats().FileRolls)

	for i := 0; i < 10; i++ {
		payload, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Len(t, payload, 100)
	}

	// The reader deletes each file it finishes.
	assert.NotZero(t, usage.GetStats().FileDeletes)
	assert.Equal(t, w.CurrentFileID(), r.CurrentFileID())

	require.NoError(t, w.Close())
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrWriterDone)
}

func TestBufferOversizedRecordGetsOwnFile(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir(), smallBufferOptions)
	require.NoError(t, err)
	defer r.Close()

	_, err = w.WriteRecord(ctx, []byte("small"))
	require.NoError(t, err)

	// Larger than TargetFileSize but within MaxRecordSize: rolls to a
	// fresh file and occupies it alone.
	big := make([]byte, 600)
	for i := range big {
		big[i] = byte(i)
	}
	_, err = w.WriteRecord(ctx, big)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), w.CurrentFileID())

	payload, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "small", string(payload))

	payload, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, big, payload)

	require.NoError(t, w.Close())
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrWriterDone)
}

func TestBufferBackpressureBlocksWriter(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir(), func(o *Options) {
		o.TargetFileSize = 256
		o.MaxBufferSize = 256
		o.MaxRecordSize = 128
		o.MaxDataFiles = 64
		o.FlushInterval = time.Hour
	})
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	// Fill the buffer past its limit.
	for r.TotalBufferSize() < 256 {
		_, err := w.WriteRecord(ctx, make([]byte, 64))
		require.NoError(t, err)
	}

	unblocked := make(chan error, 1)
	go func() {
		_, err := w.WriteRecord(ctx, []byte("blocked"))
		unblocked <- err
	}()

	select {
	case err := <-unblocked:
		t.Fatalf("write should have blocked, returned: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Reader progress frees space and wakes the writer.
	_, err = r.Next(ctx)
	require.NoError(t, err)

	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer was not unblocked by reader progress")
	}
}

func TestBufferBackpressureHonorsContext(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir(), func(o *Options) {
		o.TargetFileSize = 256
		o.MaxBufferSize = 256
		o.MaxRecordSize = 128
		o.MaxDataFiles = 64
		o.FlushInterval = time.Hour
	})
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	for r.TotalBufferSize() < 256 {
		_, err := w.WriteRecord(ctx, make([]byte, 64))
		require.NoError(t, err)
	}

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = w.WriteRecord(wctx, []byte("blocked"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferFileRingFullBlocksWriter(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir(), func(o *Options) {
		o.TargetFileSize = 128
		o.MaxBufferSize = 64 * 1024
		o.MaxRecordSize = 128
		o.MaxDataFiles = 2 // two slots on the ring
		o.FlushInterval = time.Hour
	})
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	// Each 40-byte payload becomes a 57-byte frame, so slot 0 takes two
	// records before the third rolls onto slot 1. After four writes both
	// slots are occupied and the next roll has nowhere to go until the
	// reader deletes slot 0.
	for i := 0; i < 4; i++ {
		_, err := w.WriteRecord(ctx, make([]byte, 40))
		require.NoError(t, err)
	}
	require.Equal(t, uint16(1), w.CurrentFileID())

	unblocked := make(chan error, 1)
	go func() {
		_, err := w.WriteRecord(ctx, make([]byte, 40))
		unblocked <- err
	}()

	assertStillBlocked := func() {
		t.Helper()
		select {
		case err := <-unblocked:
			t.Fatalf("write should have waited for a free ring slot, returned: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	}
	assertStillBlocked()

	// Consuming records from slot 0 is not enough on its own, the slot
	// only becomes reusable once the reader moves past it and deletes
	// the file.
	for i := 0; i < 2; i++ {
		_, err := r.Next(ctx)
		require.NoError(t, err)
		assertStillBlocked()
	}

	// The next read rolls the reader onto slot 1 and deletes slot 0.
	_, err = r.Next(ctx)
	require.NoError(t, err)

	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer was not unblocked by the freed ring slot")
	}
}

func TestBufferRingWraparound(t *testing.T) {
	ctx := context.Background()

	for _, ringSize := range []uint16{2, 3, 5} {
		t.Run(fmt.Sprintf("ring_%d", ringSize), func(t *testing.T) {
			// A target size of one byte forces every record into a file
			// of its own, so each write+read pair laps the ring one slot.
			w, r, err := Open(ctx, t.TempDir(), func(o *Options) {
				o.TargetFileSize = 1
				o.MaxBufferSize = 64 * 1024
				o.MaxRecordSize = 128
				o.MaxDataFiles = ringSize
				o.FlushInterval = time.Hour
			})
			require.NoError(t, err)
			defer r.Close()

			count := int(ringSize)*3 + 15
			for i := 0; i < count; i++ {
				_, err := w.WriteRecord(ctx, []byte(fmt.Sprintf("wrap-%02d", i)))
				require.NoError(t, err)

				payload, err := r.Next(ctx)
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("wrap-%02d", i), string(payload))

				wantID := uint16(i % int(ringSize))
				assert.Equal(t, wantID, w.CurrentFileID())
				assert.Equal(t, wantID, r.CurrentFileID())
			}

			require.NoError(t, w.Close())
			_, err = r.Next(ctx)
			assert.ErrorIs(t, err, ErrWriterDone)
		})
	}
}

func TestBufferRestartResumes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, r, err := Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.WriteRecord(ctx, []byte(fmt.Sprintf("first-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := r.Next(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())

	usage := &BasicUsageCollector{}
	w, r, err = Open(ctx, dir, smallBufferOptions, func(o *Options) {
		o.Usage = usage
	})
	require.NoError(t, err)
	defer r.Close()

	// The collector sees the unread backlog recovered from the ledger:
	// three "first-N" records of 24 on-disk bytes each.
	assert.Equal(t, uint64(3), usage.GetStats().OpenRecords)
	assert.Equal(t, uint64(3*(7+recordFrameOverhead)), usage.GetStats().OpenBytes)

	// Writer continues the record ID sequence.
	id, err := w.WriteRecord(ctx, []byte("after-restart"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), id)

	// Reader resumes at the first unconsumed record.
	want := []string{"first-2", "first-3", "first-4", "after-restart"}
	for _, expected := range want {
		payload, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, expected, string(payload))
	}

	require.NoError(t, w.Close())
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrWriterDone)
}

func TestBufferCrashRedeliversUnflushedProgress(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, r, err := Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := w.WriteRecord(ctx, []byte(fmt.Sprintf("rec-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	// Snapshot the ledger as it was before the reads, then consume two
	// records and close. Restoring the stale snapshot simulates a crash
	// after the writes but before reader progress was persisted.
	stale, err := os.ReadFile(filepath.Join(dir, ledgerFileName))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := r.Next(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ledgerFileName), stale, 0600))

	w, r, err = Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	// At-least-once: the two already-consumed records come again.
	for i := 0; i < 4; i++ {
		payload, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("rec-%d", i), string(payload))
	}
}

func TestBufferRecordIDWraparound(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	usage := &BasicUsageCollector{}
	w, r, err := Open(ctx, dir, smallBufferOptions, func(o *Options) {
		o.Usage = usage
	})
	require.NoError(t, err)

	// Force the sequence to the edge of the ID space.
	w.ledger.state.writerNextRecordID.Store(math.MaxUint64)
	w.ledger.state.readerLastRecordID.Store(math.MaxUint64 - 1)
	r.lastRecordID = math.MaxUint64 - 1

	id, err := w.WriteRecord(ctx, []byte("last"))
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), id)
	require.NoError(t, w.Flush())

	payload, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(payload))

	// Close persists the wrapped next ID (0) and the edge read position.
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())

	// Reopen from disk: the writer reconciles the data file's last ID
	// against the wrapped ledger counter and resumes at 0.
	w, r, err = Open(ctx, dir, smallBufferOptions, func(o *Options) {
		o.Usage = usage
	})
	require.NoError(t, err)
	defer r.Close()

	id, err = w.WriteRecord(ctx, []byte("wrapped"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	id, err = w.WriteRecord(ctx, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	payload, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wrapped", string(payload))

	payload, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", string(payload))

	// The wrap is not a gap, across the restart included.
	assert.Zero(t, usage.GetStats().LostRecords)

	require.NoError(t, w.Close())
}

func TestBufferStatsAccessors(t *testing.T) {
	ctx := context.Background()

	w, r, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	_, err = w.WriteRecord(ctx, []byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r.TotalRecords())
	assert.Equal(t, uint64(3+recordFrameOverhead), r.TotalBufferSize())
}
