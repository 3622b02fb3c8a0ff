//go:build !unix

package fs

import "errors"

// ErrLocked is returned by Flock when another process holds the lock.
var ErrLocked = errors.New("file already locked")

// Flock is a no-op on platforms without flock support.
func Flock(File) error { return nil }

// Funlock is a no-op on platforms without flock support.
func Funlock(File) error { return nil }
