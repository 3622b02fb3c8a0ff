package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for durable blob storage, used to archive
// consumed buffer data files.
type Store interface {
	// Put streams a blob to the store. size is a hint for backends that
	// want it up front; pass -1 when unknown. A blob is only visible once
	// Put returns nil.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Open opens a blob for reading.
	// Returns ErrNotFound if the blob does not exist.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
