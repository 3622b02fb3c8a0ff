//go:build linux

package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// DataSync flushes file data to stable storage. On Linux this uses
// fdatasync, which skips the metadata-only journal write when file size
// and data are already consistent. Falls back to Sync for files not
// backed by the OS so fault-injection wrappers keep working.
func DataSync(f File) error {
	if osf, ok := f.(*os.File); ok {
		return unix.Fdatasync(int(osf.Fd()))
	}
	return f.Sync()
}
