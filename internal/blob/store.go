// Package blob abstracts the content-addressed store holding every pipeline
// artifact. Two implementations ship: S3 for production and a local
// filesystem store for development and tests.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get and Stat for missing keys
var ErrNotFound = errors.New("blob: key not found")

// ObjectInfo describes a stored blob
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// Store is the narrow contract the pipeline needs from a blob backend
type Store interface {
	// Put writes the blob under key, overwriting any previous content
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	// Get opens the blob for reading; the caller closes the reader
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Stat returns object metadata, or ErrNotFound
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	// URL returns a public URL for streaming the blob, if the backend has one
	URL(key string) string
}
