// Package blobstore provides storage abstraction for archived buffer data files.
//
// Store is the interface for writing and reading archive blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem with atomic temp-and-rename writes
//   - MemoryStore: In-memory store for testing
//   - s3.Store: Amazon S3 with parallel multipart uploads
//   - minio.Store: MinIO and other S3-compatible object storage
//
// # Custom Implementations
//
// Implement the Store interface to support custom storage backends:
//
//	type Store interface {
//	    Put(ctx, name, r, size) error      // Streamed write
//	    Open(ctx, name) (io.ReadCloser, error)
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
