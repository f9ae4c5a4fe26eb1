package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// OutboxStore implements domain.OutboxStore over the record_changes table
// filled by the capture_record_change trigger.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore creates a new OutboxStore backed by the given connection pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

var _ domain.OutboxStore = (*OutboxStore)(nil)

// FetchPending returns unrelayed changes in commit order. Callers must hold
// the relay lock; two relays reading concurrently would publish twice.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	const query = `
		SELECT id, kind, op, record_key, old_row, new_row, committed_at
		FROM record_changes
		WHERE relayed_at IS NULL
		ORDER BY id
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch pending changes: %w", err)
	}
	defer rows.Close()

	var events []domain.ChangeEvent
	for rows.Next() {
		var e domain.ChangeEvent
		var kind, op string
		var oldRow, newRow []byte

		if err := rows.Scan(&e.ID, &kind, &op, &e.Key, &oldRow, &newRow, &e.CommittedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan change: %w", err)
		}
		e.Kind = domain.RecordKind(kind)
		e.Op = domain.ChangeOp(op)
		e.Old = oldRow
		e.New = newRow
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch pending changes rows: %w", err)
	}
	return events, nil
}

// MarkRelayed stamps relayed_at on the given change ids.
func (s *OutboxStore) MarkRelayed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	const query = `UPDATE record_changes SET relayed_at = NOW() WHERE id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("postgres: mark %d changes relayed: %w", len(ids), err)
	}
	return nil
}
