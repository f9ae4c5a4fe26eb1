package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
)

type memObjects struct {
	data      map[string][]byte
	puts      int
	multipart int
	putErr    error
}

func newMemObjects() *memObjects {
	return &memObjects{data: make(map[string][]byte)}
}

func (m *memObjects) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.puts++
	m.data[path] = b
	return nil
}

func (m *memObjects) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.multipart++
	m.data[path] = b
	return nil
}

func (m *memObjects) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.data[path]
	return ok, nil
}

type memAudit struct {
	entries []domain.AuditEntry
	logged  []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.logged = append(a.logged, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return a.entries, nil
}

func (a *memAudit) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func receipt() domain.SettlementReceipt {
	return domain.SettlementReceipt{
		Position: domain.Position{
			ID:      "pos-1",
			ChainID: "chain-abc",
			Status:  domain.PositionStatusWon,
		},
		Bets:       []domain.Bet{{ID: "bet-1", Sequence: 1}},
		ArchivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestArchiveReceipt_WritesOnce(t *testing.T) {
	objects := newMemObjects()
	audit := &memAudit{}
	a := NewArchiver(objects, audit, "legchain")

	key, err := a.ArchiveReceipt(context.Background(), receipt())
	require.NoError(t, err)
	assert.Equal(t, "legchain/receipts/chain-abc/pos-1.json", key)

	var got domain.SettlementReceipt
	require.NoError(t, json.Unmarshal(objects.data[key], &got))
	assert.Equal(t, "pos-1", got.Position.ID)
	require.Len(t, got.Bets, 1)

	again, err := a.ArchiveReceipt(context.Background(), receipt())
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Equal(t, 1, objects.puts)
	assert.Equal(t, []string{"archive.receipt"}, audit.logged)
}

func TestArchiveReceipt_PutError(t *testing.T) {
	objects := newMemObjects()
	objects.putErr = errors.New("bucket gone")
	a := NewArchiver(objects, nil, "")

	_, err := a.ArchiveReceipt(context.Background(), receipt())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}

func TestArchiveAudit(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	audit := &memAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "position.open", CreatedAt: cutoff.Add(-48 * time.Hour)},
		{ID: 2, Event: "position.won", CreatedAt: cutoff.Add(-time.Hour)},
		{ID: 3, Event: "position.open", CreatedAt: cutoff.Add(time.Hour)},
	}}
	objects := newMemObjects()
	a := NewArchiver(objects, audit, "")

	n, err := a.ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 1, objects.multipart)

	data, ok := objects.data["archive/audit/2026-03-01.jsonl"]
	require.True(t, ok)
	var lines int
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e domain.AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines++
	}
	assert.Equal(t, 2, lines)
	assert.Equal(t, []string{"archive.audit"}, audit.logged)
}

func TestArchiveAudit_NothingToArchive(t *testing.T) {
	objects := newMemObjects()
	a := NewArchiver(objects, &memAudit{}, "")

	n, err := a.ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, objects.data)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
