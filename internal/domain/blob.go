package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobReader downloads and lists objects in cold storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// BlobDeleter removes objects from cold storage.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// Archiver exports terminal proposals and their observation history to
// cold storage.
type Archiver interface {
	// ArchiveProposals snapshots all terminal proposals that reached their
	// end state strictly before the cutoff, returning the archived count.
	ArchiveProposals(ctx context.Context, before time.Time) (int64, error)
}
