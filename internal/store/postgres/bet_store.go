package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

var _ domain.BetStore = (*BetStore)(nil)

const betSelectCols = `id, position_id, chain_id, sequence, condition_id, token_id, side,
	target_price, requested_stake, actual_stake, fill_price, shares,
	fill_pct, price_impact, potential_payout, actual_payout,
	order_id, status, outcome, failure_reason, payout_verified,
	executed_at, filled_at, settled_at, created_at, updated_at`

func scanBet(row pgx.Row) (domain.Bet, error) {
	var b domain.Bet
	var side, status, outcome string

	err := row.Scan(
		&b.ID, &b.PositionID, &b.ChainID, &b.Sequence, &b.ConditionID, &b.TokenID, &side,
		&b.TargetPrice, &b.RequestedStake, &b.ActualStake, &b.FillPrice, &b.Shares,
		&b.FillPct, &b.PriceImpact, &b.PotentialPayout, &b.ActualPayout,
		&b.OrderID, &status, &outcome, &b.FailureReason, &b.PayoutVerified,
		&b.ExecutedAt, &b.FilledAt, &b.SettledAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return domain.Bet{}, err
	}
	b.Side = domain.Side(side)
	b.Status = domain.BetStatus(status)
	b.Outcome = domain.BetOutcome(outcome)
	return b, nil
}

func scanBetRows(rows pgx.Rows) ([]domain.Bet, error) {
	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// insertBet writes a freshly allocated bet inside an open transaction.
func insertBet(ctx context.Context, tx pgx.Tx, b domain.Bet) error {
	const query = `
		INSERT INTO bets (
			id, position_id, chain_id, sequence, condition_id, token_id, side,
			target_price, requested_stake, potential_payout, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := tx.Exec(ctx, query,
		b.ID, b.PositionID, b.ChainID, b.Sequence, strings.ToLower(b.ConditionID), b.TokenID, string(b.Side),
		b.TargetPrice, b.RequestedStake, b.PotentialPayout, string(b.Status),
	)
	return err
}

// GetByID retrieves a single bet by its ID.
func (s *BetStore) GetByID(ctx context.Context, id string) (domain.Bet, error) {
	query := `SELECT ` + betSelectCols + ` FROM bets WHERE id = $1`

	b, err := scanBet(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet %s: %w", id, err)
	}
	return b, nil
}

// ListByPosition returns a position's bets ordered by sequence.
func (s *BetStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Bet, error) {
	query := `SELECT ` + betSelectCols + `
		FROM bets WHERE position_id = $1 ORDER BY sequence`

	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for position %s: %w", positionID, err)
	}
	defer rows.Close()

	bets, err := scanBetRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bets for position %s: %w", positionID, err)
	}
	return bets, nil
}

// ListByCondition returns every bet placed against a market condition.
func (s *BetStore) ListByCondition(ctx context.Context, conditionID string) ([]domain.Bet, error) {
	query := `SELECT ` + betSelectCols + `
		FROM bets WHERE condition_id = $1 ORDER BY created_at, sequence`

	rows, err := s.pool.Query(ctx, query, strings.ToLower(conditionID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for condition %s: %w", conditionID, err)
	}
	defer rows.Close()

	bets, err := scanBetRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bets for condition %s: %w", conditionID, err)
	}
	return bets, nil
}

// Update writes every mutable column of bet provided the stored status still
// equals expect.
func (s *BetStore) Update(ctx context.Context, bet domain.Bet, expect domain.BetStatus) error {
	const query = `
		UPDATE bets SET
			requested_stake = $3,
			actual_stake = $4,
			fill_price = $5,
			shares = $6,
			fill_pct = $7,
			price_impact = $8,
			potential_payout = $9,
			actual_payout = $10,
			order_id = $11,
			status = $12,
			outcome = $13,
			failure_reason = $14,
			payout_verified = $15,
			executed_at = $16,
			filled_at = $17,
			settled_at = $18,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query,
		bet.ID, string(expect),
		bet.RequestedStake, bet.ActualStake, bet.FillPrice, bet.Shares,
		bet.FillPct, bet.PriceImpact, bet.PotentialPayout, bet.ActualPayout,
		bet.OrderID, string(bet.Status), string(bet.Outcome), bet.FailureReason,
		bet.PayoutVerified, bet.ExecutedAt, bet.FilledAt, bet.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update bet %s: %w", bet.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if err := casMiss(ctx, s.pool, "bets", bet.ID); err != nil {
			return fmt.Errorf("postgres: update bet %s (expect %s): %w", bet.ID, expect, err)
		}
	}
	return nil
}
