package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader inspects object storage.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies aged rows to cold storage.
type Archiver interface {
	ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error)
	ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error)
}
