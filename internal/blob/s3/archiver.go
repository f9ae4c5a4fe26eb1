package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// ObjectStore is the subset of bucket operations the archiver needs.
type ObjectStore interface {
	domain.BlobWriter
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveImpl implements domain.Archiver on top of an object store and the
// audit log.
type ArchiveImpl struct {
	objects  ObjectStore
	audit    domain.AuditStore
	prefix   string
	partSize int64
}

// NewArchiver creates an archiver writing under prefix. An empty prefix
// writes at the bucket root.
func NewArchiver(objects ObjectStore, audit domain.AuditStore, prefix string) *ArchiveImpl {
	return &ArchiveImpl{
		objects:  objects,
		audit:    audit,
		prefix:   prefix,
		partSize: minPartSize,
	}
}

// ArchiveReceipt stores the receipt of a finished position as JSON and
// returns its object path. A receipt is written once; later calls for the
// same position return the existing path.
func (a *ArchiveImpl) ArchiveReceipt(ctx context.Context, receipt domain.SettlementReceipt) (string, error) {
	key := path.Join(a.prefix, receiptPath(receipt.Position))

	exists, err := a.objects.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive receipt: %w", err)
	}
	if exists {
		return key, nil
	}

	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal receipt %s: %w", receipt.Position.ID, err)
	}
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive receipt: %w", err)
	}

	if a.audit != nil {
		_ = a.audit.Log(ctx, "archive.receipt", map[string]any{
			"position_id": receipt.Position.ID,
			"chain_id":    receipt.Position.ChainID,
			"status":      string(receipt.Position.Status),
			"path":        key,
		})
	}
	return key, nil
}

// ArchiveAudit exports every audit entry created before the cutoff as one
// JSONL object and returns the number of entries written.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list audit entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	data, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal audit entries: %w", err)
	}

	key := path.Join(a.prefix, archivePath("audit", before))
	if err := a.objects.PutMultipart(ctx, key, bytes.NewReader(data), a.partSize); err != nil {
		return 0, fmt.Errorf("s3blob: upload audit archive: %w", err)
	}

	count := int64(len(entries))
	_ = a.audit.Log(ctx, "archive.audit", map[string]any{
		"before":  before.UTC().Format(time.RFC3339),
		"entries": count,
		"path":    key,
	})
	return count, nil
}

// receiptPath is receipts/<chain>/<position>.json.
func receiptPath(pos domain.Position) string {
	return fmt.Sprintf("receipts/%s/%s.json", pos.ChainID, pos.ID)
}

// archivePath is archive/<kind>/<YYYY-MM-DD>.jsonl, dated by the cutoff.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes one JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
