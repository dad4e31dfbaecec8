package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies ledger data to cold storage. Nothing is deleted from the
// primary store. ArchiveTransactions copies the day ending at before.
type Archiver interface {
	ArchiveTransactions(ctx context.Context, before time.Time) (int64, error)
	ArchiveReport(ctx context.Context, r ReconciliationReport) (string, error)
}

// ArchiveBrowser lets operators inspect what has been archived.
type ArchiveBrowser interface {
	ListArchives(ctx context.Context, prefix string) ([]BlobInfo, error)
	OpenArchive(ctx context.Context, path string) (io.ReadCloser, error)
}
