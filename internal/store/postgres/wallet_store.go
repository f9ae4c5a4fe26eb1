package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// WalletStore implements domain.WalletStore using PostgreSQL.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a new WalletStore backed by the given connection pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

var _ domain.WalletStore = (*WalletStore)(nil)

// GetByUser returns the custodial wallet for a user.
func (s *WalletStore) GetByUser(ctx context.Context, userID string) (domain.CustodialWallet, error) {
	const query = `
		SELECT user_id, address, encrypted_key, created_at
		FROM custodial_wallets WHERE user_id = $1`

	var w domain.CustodialWallet
	err := s.pool.QueryRow(ctx, query, userID).Scan(&w.UserID, &w.Address, &w.EncryptedKey, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CustodialWallet{}, domain.ErrNotFound
		}
		return domain.CustodialWallet{}, fmt.Errorf("postgres: get wallet for %s: %w", userID, err)
	}
	return w, nil
}

// Create stores a new custodial wallet. Users hold at most one.
func (s *WalletStore) Create(ctx context.Context, w domain.CustodialWallet) error {
	const query = `
		INSERT INTO custodial_wallets (user_id, address, encrypted_key)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, query, w.UserID, w.Address, w.EncryptedKey); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create wallet for %s: %w", w.UserID, err)
	}
	return nil
}
