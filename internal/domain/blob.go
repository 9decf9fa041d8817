package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter stores archive objects. PutMultipart is for payloads large
// enough to need a chunked upload.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader answers whether an archive object is already stored.
type BlobReader interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies a finished month of the closed-trade ledger to cold storage.
type Archiver interface {
	ArchiveMonth(ctx context.Context, month time.Time) (int64, error)
}
