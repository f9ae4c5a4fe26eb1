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

// SettlementReceipt is the archived summary of a position that reached a
// final status.
type SettlementReceipt struct {
	Position   Position  `json:"position"`
	Bets       []Bet     `json:"bets"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archiver moves settlement history to cold storage.
type Archiver interface {
	ArchiveReceipt(ctx context.Context, receipt SettlementReceipt) (string, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
