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

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

var _ domain.MarketStore = (*MarketStore)(nil)

const marketSelectCols = `condition_id, question, status, outcome, end_date, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status, outcome string

	if err := row.Scan(&m.ConditionID, &m.Question, &status, &outcome, &m.EndDate, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Outcome = domain.Outcome(outcome)
	return m, nil
}

// Get returns the stored snapshot for a condition.
func (s *MarketStore) Get(ctx context.Context, conditionID string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE condition_id = $1`

	m, err := scanMarket(s.pool.QueryRow(ctx, query, strings.ToLower(conditionID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", conditionID, err)
	}
	return m, nil
}

// Upsert inserts or refreshes a market snapshot. Terminal rows are frozen and
// unchanged rows are left alone so the outbox trigger only fires on real
// transitions.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	m.Normalize()
	if err := m.Validate(); err != nil {
		return fmt.Errorf("postgres: upsert market: %w", err)
	}

	const query = `
		INSERT INTO markets (condition_id, question, status, outcome, end_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (condition_id) DO UPDATE SET
			question   = EXCLUDED.question,
			status     = EXCLUDED.status,
			outcome    = EXCLUDED.outcome,
			end_date   = EXCLUDED.end_date,
			updated_at = NOW()
		WHERE markets.status NOT IN ('RESOLVED', 'CANCELLED')
		  AND (markets.question, markets.status, markets.outcome, markets.end_date)
		      IS DISTINCT FROM
		      (EXCLUDED.question, EXCLUDED.status, EXCLUDED.outcome, EXCLUDED.end_date)`

	_, err := s.pool.Exec(ctx, query,
		strings.ToLower(m.ConditionID), m.Question, string(m.Status), string(m.Outcome), m.EndDate,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ConditionID, err)
	}
	return nil
}

// ListPendingResolution returns conditions with open bets whose market has no
// terminal snapshot yet, paged by condition id after the given one.
func (s *MarketStore) ListPendingResolution(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT DISTINCT b.condition_id
		FROM bets b
		LEFT JOIN markets m ON m.condition_id = b.condition_id
		WHERE b.status IN ('QUEUED', 'READY', 'EXECUTING', 'PLACED', 'FILLED')
		  AND (m.condition_id IS NULL OR m.status NOT IN ('RESOLVED', 'CANCELLED'))
		  AND b.condition_id > $1
		ORDER BY b.condition_id
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending markets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan pending market: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending markets rows: %w", err)
	}
	return ids, nil
}
