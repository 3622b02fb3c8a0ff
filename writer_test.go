package diskq

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRecoversFromUnflushedLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, r, err := Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := w.WriteRecord(ctx, []byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())

	// Rewind the persisted ledger so the data file is ahead of it, as it
	// would be after a crash between a write and the next ledger flush.
	l, err := os.ReadFile(filepath.Join(dir, ledgerFileName))
	require.NoError(t, err)
	rewound := bytes.Replace(l, []byte(`"writer_next_record_id":4`), []byte(`"writer_next_record_id":2`), 1)
	require.NotEqual(t, l, rewound)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ledgerFileName), rewound, 0600))

	w, r, err = Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)
	defer r.Close()

	// The writer fast-forwarded past the IDs already on disk.
	id, err := w.WriteRecord(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
	require.NoError(t, w.Close())
}

func TestWriterRollsWhenDataFileBehindLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	usage := &BasicUsageCollector{}
	w, r, err := Open(ctx, dir, smallBufferOptions, func(o *Options) {
		o.Usage = usage
	})
	require.NoError(t, err)

	// Two 100 byte payloads: 117 byte frames at offsets 0 and 117.
	for i := 0; i < 2; i++ {
		_, err := w.WriteRecord(ctx, make([]byte, 100))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())

	// Chop the second record off the data file. The ledger now promises
	// an ID the file never saw; reusing the file would duplicate IDs.
	require.NoError(t, os.Truncate(filepath.Join(dir, "buffer-data-00000.dat"), 117))

	w, r, err = Open(ctx, dir, smallBufferOptions, func(o *Options) {
		o.Usage = usage
	})
	require.NoError(t, err)
	defer r.Close()

	_, err = w.WriteRecord(ctx, make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), w.CurrentFileID())

	// Record 1 survives, record 2 is gone, record 3 follows on file 1.
	_, err = r.Next(ctx)
	require.NoError(t, err)
	_, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), usage.GetStats().LostRecords)

	require.NoError(t, w.Close())
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, ErrWriterDone)
}

func TestWriterRollsPastCorruptTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, r, err := Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := w.WriteRecord(ctx, []byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())

	// Append a structurally complete but corrupt frame: 20 bytes of
	// garbage behind a valid length prefix.
	f, err := os.OpenFile(filepath.Join(dir, "buffer-data-00000.dat"), os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	garbage := append([]byte{0x00, 0x00, 0x00, 0x14}, bytes.Repeat([]byte{0xab}, 20)...)
	_, err = f.Write(garbage)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, r, err = Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)
	defer r.Close()

	// The writer cannot trust the damaged file and starts the next one.
	_, err = w.WriteRecord(ctx, []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), w.CurrentFileID())

	// The two intact records are still delivered, then the reader skips
	// the corrupt tail and moves on.
	for i := 0; i < 2; i++ {
		payload, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(payload))
	}

	_, err = r.Next(ctx)
	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)

	payload, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", string(payload))

	require.NoError(t, w.Close())
}

func TestWriterFlushMakesRecordsDurable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, r, err := Open(ctx, dir, smallBufferOptions)
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	_, err = w.WriteRecord(ctx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	// The ledger on disk reflects the write.
	data, err := os.ReadFile(filepath.Join(dir, ledgerFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"writer_next_record_id":2`)
	assert.Contains(t, string(data), `"total_records":1`)
}
