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

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `id, chain_id, user_id, initial_stake, current_value,
	completed_legs, won_legs, skipped_legs, current_leg_sequence,
	status, failure_reason, stake_released,
	fee_amount, fee_collected, fee_collection_failed, fee_failure_reason, fee_tx_hash,
	created_at, updated_at, terminated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.ChainID, &p.UserID, &p.InitialStake, &p.CurrentValue,
		&p.CompletedLegs, &p.WonLegs, &p.SkippedLegs, &p.CurrentLegSequence,
		&status, &p.FailureReason, &p.StakeReleased,
		&p.FeeAmount, &p.FeeCollected, &p.FeeCollectionFailed, &p.FeeFailureReason, &p.FeeTxHash,
		&p.CreatedAt, &p.UpdatedAt, &p.TerminatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByChain returns every position on a chain, oldest first.
func (s *PositionStore) ListByChain(ctx context.Context, chainID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + `
		FROM positions WHERE chain_id = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for chain %s: %w", chainID, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for chain %s: %w", chainID, err)
	}
	return positions, nil
}

// ListByStatus returns positions in the given status, newest first.
func (s *PositionStore) ListByStatus(ctx context.Context, status domain.PositionStatus, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status %s: %w", status, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by status %s: %w", status, err)
	}
	return positions, nil
}

// Open creates the chain row if it does not exist, inserts the position and
// its bets, and adds the initial stake to the chain total. A second position
// for the same user on the same chain returns ErrAlreadyExists.
func (s *PositionStore) Open(ctx context.Context, chain domain.Chain, pos domain.Position, bets []domain.Bet) error {
	legsJSON, err := json.Marshal(chain.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal chain legs: %w", err)
	}

	const upsertChain = `
		INSERT INTO chains (id, legs, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`

	const insertPosition = `
		INSERT INTO positions (
			id, chain_id, user_id, initial_stake, current_value,
			current_leg_sequence, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	const addStake = `
		UPDATE chains
		SET total_value = total_value + $2, updated_at = NOW()
		WHERE id = $1`

	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertChain, chain.ID, legsJSON, string(domain.ChainStatusActive)); err != nil {
			return fmt.Errorf("upsert chain: %w", err)
		}
		if _, err := tx.Exec(ctx, insertPosition,
			pos.ID, pos.ChainID, pos.UserID, pos.InitialStake, pos.CurrentValue,
			pos.CurrentLegSequence, string(pos.Status),
		); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		for _, b := range bets {
			if err := insertBet(ctx, tx, b); err != nil {
				return fmt.Errorf("insert bet %d: %w", b.Sequence, err)
			}
		}
		if _, err := tx.Exec(ctx, addStake, chain.ID, pos.InitialStake); err != nil {
			return fmt.Errorf("add stake: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: open position %s: %w", pos.ID, err)
	}
	return nil
}

// Update writes every mutable column of pos provided the stored status still
// equals expect.
func (s *PositionStore) Update(ctx context.Context, pos domain.Position, expect domain.PositionStatus) error {
	const query = `
		UPDATE positions SET
			current_value = $3,
			completed_legs = $4,
			won_legs = $5,
			skipped_legs = $6,
			current_leg_sequence = $7,
			status = $8,
			failure_reason = $9,
			fee_amount = $10,
			fee_collected = $11,
			fee_collection_failed = $12,
			fee_failure_reason = $13,
			fee_tx_hash = $14,
			terminated_at = $15,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query,
		pos.ID, string(expect),
		pos.CurrentValue, pos.CompletedLegs, pos.WonLegs, pos.SkippedLegs,
		pos.CurrentLegSequence, string(pos.Status), pos.FailureReason,
		pos.FeeAmount, pos.FeeCollected, pos.FeeCollectionFailed,
		pos.FeeFailureReason, pos.FeeTxHash, pos.TerminatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", pos.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if err := casMiss(ctx, s.pool, "positions", pos.ID); err != nil {
			return fmt.Errorf("postgres: update position %s (expect %s): %w", pos.ID, expect, err)
		}
	}
	return nil
}

// ReleaseStake flips stake_released and subtracts the initial stake from the
// chain total in one transaction. Only the first caller observes true.
func (s *PositionStore) ReleaseStake(ctx context.Context, positionID string) (bool, error) {
	const claim = `
		UPDATE positions
		SET stake_released = TRUE, updated_at = NOW()
		WHERE id = $1 AND stake_released = FALSE
		RETURNING chain_id, initial_stake`

	const subtract = `
		UPDATE chains
		SET total_value = total_value - $2, updated_at = NOW()
		WHERE id = $1`

	released := false
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var chainID string
		var stake int64
		if err := tx.QueryRow(ctx, claim, positionID).Scan(&chainID, &stake); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("claim release: %w", err)
		}
		if _, err := tx.Exec(ctx, subtract, chainID, stake); err != nil {
			return fmt.Errorf("subtract stake: %w", err)
		}
		released = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("postgres: release stake for %s: %w", positionID, err)
	}
	if !released {
		// Distinguish an already released position from a missing one.
		if _, err := s.GetByID(ctx, positionID); err != nil {
			return false, err
		}
	}
	return released, nil
}
