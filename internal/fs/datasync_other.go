//go:build !linux

package fs

// DataSync flushes file data to stable storage.
func DataSync(f File) error { return f.Sync() }
