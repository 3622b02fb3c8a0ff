package diskq

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipevault/diskq/internal/fs"
)

func testLedger(t *testing.T, dir string) *ledger {
	t.Helper()
	l, err := openLedger(dir, fs.Default, 8192, time.Second, NoopLogger())
	require.NoError(t, err)
	return l
}

func closeLedger(t *testing.T, l *ledger) {
	t.Helper()
	require.NoError(t, l.releaseHandle())
	require.NoError(t, l.releaseHandle())
}

func TestLedgerFreshBuffer(t *testing.T) {
	l := testLedger(t, t.TempDir())
	defer closeLedger(t, l)

	assert.Equal(t, uint64(1), l.nextWriterRecordID())
	assert.Equal(t, uint64(0), l.readerLastRecordID())
	assert.Equal(t, uint16(0), l.writerFileID())
	assert.Equal(t, uint16(0), l.readerFileID())
	assert.Equal(t, uint64(0), l.totalRecords())
	assert.Equal(t, uint64(0), l.totalBufferSize())
}

func TestLedgerPersistAndReload(t *testing.T) {
	dir := t.TempDir()

	l := testLedger(t, dir)
	l.advanceWriterRecordID(41) // next is 42
	l.setReaderLastRecordID(17)
	l.incrementWriterFileID()
	l.incrementWriterFileID()
	l.incrementReaderFileID()
	l.trackWrite(100)
	l.trackWrite(200)
	l.trackRead(100)
	require.NoError(t, l.flush())
	closeLedger(t, l)

	l2 := testLedger(t, dir)
	defer closeLedger(t, l2)

	assert.Equal(t, uint64(42), l2.nextWriterRecordID())
	assert.Equal(t, uint64(17), l2.readerLastRecordID())
	assert.Equal(t, uint16(2), l2.writerFileID())
	assert.Equal(t, uint16(1), l2.readerFileID())
	assert.Equal(t, uint64(1), l2.totalRecords())
	assert.Equal(t, uint64(200), l2.totalBufferSize())
}

func TestLedgerLockConflict(t *testing.T) {
	dir := t.TempDir()

	l := testLedger(t, dir)
	defer closeLedger(t, l)

	_, err := openLedger(dir, fs.Default, 8192, time.Second, NoopLogger())
	assert.ErrorIs(t, err, ErrBufferLocked)
}

func TestLedgerLockReleasedOnClose(t *testing.T) {
	dir := t.TempDir()

	l := testLedger(t, dir)
	closeLedger(t, l)

	l2 := testLedger(t, dir)
	closeLedger(t, l2)
}

func TestLedgerRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ledgerFileName), []byte(`{"version": 99}`), 0600))

	_, err := openLedger(dir, fs.Default, 8192, time.Second, NoopLogger())
	assert.ErrorContains(t, err, "unsupported ledger version")
}

func TestLedgerFileIDWrapsAround(t *testing.T) {
	l, err := openLedger(t.TempDir(), fs.Default, 3, time.Second, NoopLogger())
	require.NoError(t, err)
	defer closeLedger(t, l)

	assert.Equal(t, uint16(1), l.nextFileID(0))
	assert.Equal(t, uint16(2), l.nextFileID(1))
	assert.Equal(t, uint16(0), l.nextFileID(2))

	l.incrementWriterFileID()
	l.incrementWriterFileID()
	l.incrementWriterFileID()
	assert.Equal(t, uint16(0), l.writerFileID())
}

func TestLedgerDataFilePaths(t *testing.T) {
	dir := t.TempDir()
	l := testLedger(t, dir)
	defer closeLedger(t, l)

	assert.Equal(t, filepath.Join(dir, "buffer-data-00000.dat"), l.currentWriterPath())
	assert.Equal(t, filepath.Join(dir, "buffer-data-00001.dat"), l.nextWriterPath())
	assert.Equal(t, filepath.Join(dir, "buffer-data-00000.dat"), l.currentReaderPath())
}

func TestLedgerShouldFlushHonorsInterval(t *testing.T) {
	l, err := openLedger(t.TempDir(), fs.Default, 8192, 50*time.Millisecond, NoopLogger())
	require.NoError(t, err)
	defer closeLedger(t, l)

	assert.False(t, l.shouldFlush())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.shouldFlush())
	// Only one winner per interval.
	assert.False(t, l.shouldFlush())
}

func TestSaturatingSub(t *testing.T) {
	var v atomic.Uint64
	v.Store(10)

	saturatingSub(&v, 3)
	assert.Equal(t, uint64(7), v.Load())

	saturatingSub(&v, 100)
	assert.Equal(t, uint64(0), v.Load())
}

func TestLedgerNotifyBeforeWaitIsNotLost(t *testing.T) {
	l := testLedger(t, t.TempDir())
	defer closeLedger(t, l)

	l.notifyReaderWaiters()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.waitForWriter(ctx))
}

func TestLedgerWaitHonorsContext(t *testing.T) {
	l := testLedger(t, t.TempDir())
	defer closeLedger(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.waitForReader(ctx), context.DeadlineExceeded)
}
