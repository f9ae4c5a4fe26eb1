package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// ChainStore implements domain.ChainStore using PostgreSQL.
type ChainStore struct {
	pool *pgxpool.Pool
}

// NewChainStore creates a new ChainStore backed by the given connection pool.
func NewChainStore(pool *pgxpool.Pool) *ChainStore {
	return &ChainStore{pool: pool}
}

var _ domain.ChainStore = (*ChainStore)(nil)

const chainSelectCols = `id, legs, total_value, status, created_at, updated_at`

func scanChainRow(row pgx.Row) (domain.Chain, error) {
	var c domain.Chain
	var legsJSON []byte
	var status string

	if err := row.Scan(&c.ID, &legsJSON, &c.TotalValue, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Chain{}, err
	}
	if err := json.Unmarshal(legsJSON, &c.Legs); err != nil {
		return domain.Chain{}, fmt.Errorf("unmarshal legs: %w", err)
	}
	c.Status = domain.ChainStatus(status)
	return c, nil
}

// GetByID returns a chain by its deterministic identifier.
func (s *ChainStore) GetByID(ctx context.Context, id string) (domain.Chain, error) {
	query := `SELECT ` + chainSelectCols + ` FROM chains WHERE id = $1`

	c, err := scanChainRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Chain{}, domain.ErrNotFound
		}
		return domain.Chain{}, fmt.Errorf("postgres: get chain %s: %w", id, err)
	}
	return c, nil
}

// AdjustTotalValue adds delta to total_value in a single statement so
// concurrent adjustments from different positions never lose updates.
func (s *ChainStore) AdjustTotalValue(ctx context.Context, id string, delta int64) error {
	const query = `
		UPDATE chains
		SET total_value = total_value + $2, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("postgres: adjust chain %s total: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStatus moves a chain from one status to another.
func (s *ChainStore) SetStatus(ctx context.Context, id string, from, to domain.ChainStatus) error {
	const query = `
		UPDATE chains
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("postgres: set chain %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if err := casMiss(ctx, s.pool, "chains", id); err != nil {
			return fmt.Errorf("postgres: set chain %s status %s -> %s: %w", id, from, to, err)
		}
	}
	return nil
}
