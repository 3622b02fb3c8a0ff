//go:build unix

package fs

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by Flock when another process holds the lock.
var ErrLocked = errors.New("file already locked")

// Flock places an exclusive, non-blocking advisory lock on f.
// Returns ErrLocked if another process already holds the lock.
// Files not backed by the OS (e.g. fault-injection wrappers) are a no-op.
func Flock(f File) error {
	osf, ok := f.(*os.File)
	if !ok {
		return nil
	}
	err := unix.Flock(int(osf.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLocked
	}
	return err
}

// Funlock releases an advisory lock held via Flock.
func Funlock(f File) error {
	osf, ok := f.(*os.File)
	if !ok {
		return nil
	}
	return unix.Flock(int(osf.Fd()), unix.LOCK_UN)
}
