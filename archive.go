package diskq

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pipevault/diskq/blobstore"
	"github.com/pipevault/diskq/internal/fs"
)

const archiveDirName = "archive"

// archiver uploads fully consumed data files to a blob store in the
// background. Files are first renamed into a staging directory so their
// file ID slot on the ring frees up immediately, independent of upload
// latency. Staged files that did not finish uploading (crash, network
// outage) are retried on the next Open.
type archiver struct {
	store      blobstore.Store
	stagingDir string
	fsys       fs.FileSystem
	logger     *Logger
	usage      UsageCollector

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// baseCtx outlives the submitting caller, so an upload keeps going
	// after the reader's context is canceled. close drains via wg.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	firstErr error
}

func newArchiver(dir string, opts *Options) (*archiver, error) {
	stagingDir := filepath.Join(dir, archiveDirName)
	if err := opts.fsys.MkdirAll(stagingDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive staging directory: %w", err)
	}

	var limiter *rate.Limiter
	if opts.ArchiveBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ArchiveBytesPerSec), opts.ArchiveBytesPerSec)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &archiver{
		store:      opts.ArchiveStore,
		stagingDir: stagingDir,
		fsys:       opts.fsys,
		logger:     opts.Logger,
		usage:      opts.Usage,
		sem:        semaphore.NewWeighted(int64(opts.ArchiveConcurrency)),
		limiter:    limiter,
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// recoverStaged uploads staging files left behind by a previous process,
// bounded by the configured upload concurrency. Upload failures are
// recorded but do not fail recovery; the files stay staged.
func (a *archiver) recoverStaged(ctx context.Context, concurrency int) error {
	entries, err := a.fsys.ReadDir(a.stagingDir)
	if err != nil {
		return fmt.Errorf("failed to read archive staging directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "buffer-data-") {
			continue
		}
		name := entry.Name()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a.upload(gctx, name)
			return nil
		})
	}
	return g.Wait()
}

// submit takes ownership of path. The file is renamed into the staging
// directory and uploaded in the background. An error means ownership
// stays with the caller.
func (a *archiver) submit(ctx context.Context, path string, fileSize uint64) error {
	name := filepath.Base(path) + "." + strconv.FormatInt(time.Now().UnixNano(), 10)
	staged := filepath.Join(a.stagingDir, name)

	if err := a.fsys.Rename(path, staged); err != nil {
		return fmt.Errorf("failed to stage data file for archiving: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.sem.Acquire(a.baseCtx, 1); err != nil {
			return
		}
		defer a.sem.Release(1)
		a.upload(a.baseCtx, name)
	}()

	return nil
}

// upload pushes one staged file to the store and removes it on success.
// On failure the file stays in staging for the next recovery pass.
func (a *archiver) upload(ctx context.Context, name string) {
	staged := filepath.Join(a.stagingDir, name)

	f, err := a.fsys.OpenFile(staged, os.O_RDONLY, 0)
	if err != nil {
		a.recordOutcome(ctx, name, 0, err)
		return
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		a.recordOutcome(ctx, name, 0, err)
		return
	}
	size := info.Size()

	var r io.Reader = f
	if a.limiter != nil {
		r = &throttledReader{r: f, limiter: a.limiter}
	}

	err = a.store.Put(ctx, name, r, size)
	_ = f.Close()
	if err != nil {
		a.recordOutcome(ctx, name, uint64(size), err)
		return
	}

	if err := a.fsys.Remove(staged); err != nil && !os.IsNotExist(err) {
		a.recordOutcome(ctx, name, uint64(size), err)
		return
	}

	a.recordOutcome(ctx, name, uint64(size), nil)
}

func (a *archiver) recordOutcome(ctx context.Context, name string, size uint64, err error) {
	a.usage.RecordArchive(size, err)
	a.logger.LogArchive(ctx, name, size, err)
	if err != nil {
		a.mu.Lock()
		if a.firstErr == nil {
			a.firstErr = err
		}
		a.mu.Unlock()
	}
}

// close waits for in-flight uploads to finish and reports the first
// upload error seen, if any. Failed uploads stay staged for retry.
func (a *archiver) close() error {
	a.wg.Wait()
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstErr
}

// throttledReader limits read throughput using a token bucket.
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(context.Background(), n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
