// Package credentials resolves the trading credentials the settlement
// engine uses to place orders on a user's behalf.
package credentials

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/legchain/internal/crypto"
	"github.com/alanyoungcy/legchain/internal/domain"
)

// APIKeyDeriver obtains L2 exchange credentials for a signing key.
type APIKeyDeriver interface {
	DeriveAPIKey(ctx context.Context, key *ecdsa.PrivateKey) (domain.APICredentials, error)
}

// Service resolves a user's custodial key and exchange API credentials.
//
// Lookup order: decrypted key memo, custodial wallet row; then the API
// credential cache, then derivation through the exchange. Derived
// credentials are written back to the cache.
type Service struct {
	wallets  domain.WalletStore
	cache    domain.CredentialCache
	deriver  APIKeyDeriver
	password string
	logger   *slog.Logger

	mu   sync.Mutex
	keys map[string]walletKey
}

type walletKey struct {
	address string
	key     *ecdsa.PrivateKey
}

// NewService creates a credential Service. password is the master password
// custodial keys are encrypted under.
func NewService(wallets domain.WalletStore, cache domain.CredentialCache, deriver APIKeyDeriver, password string, logger *slog.Logger) *Service {
	return &Service{
		wallets:  wallets,
		cache:    cache,
		deriver:  deriver,
		password: password,
		logger:   logger.With(slog.String("component", "credentials")),
		keys:     make(map[string]walletKey),
	}
}

// Resolve returns everything needed to trade for userID. Every failure is
// reported as domain.ErrNoCredentials wrapping the cause.
func (s *Service) Resolve(ctx context.Context, userID string) (domain.TradingCredentials, error) {
	wallet, key, err := s.signingKey(ctx, userID)
	if err != nil {
		return domain.TradingCredentials{}, fmt.Errorf("credentials: resolve %s: %w: %w", userID, domain.ErrNoCredentials, err)
	}

	api, err := s.apiCredentials(ctx, userID, key)
	if err != nil {
		return domain.TradingCredentials{}, fmt.Errorf("credentials: resolve %s: %w: %w", userID, domain.ErrNoCredentials, err)
	}

	return domain.TradingCredentials{
		UserID:  userID,
		Address: wallet,
		API:     api,
		Key:     key,
	}, nil
}

// Key returns the user's decrypted custodial key and address. The fee
// collector uses it to sign permits.
func (s *Service) Key(ctx context.Context, userID string) (*ecdsa.PrivateKey, string, error) {
	address, key, err := s.signingKey(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("credentials: key for %s: %w: %w", userID, domain.ErrNoCredentials, err)
	}
	return key, address, nil
}

// Refresh drops cached API credentials so the next Resolve re-derives them.
// Callers use it after the exchange answers unauthorized.
func (s *Service) Refresh(ctx context.Context, userID string) error {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("credentials: refresh %s: %w", userID, err)
	}
	return nil
}

// Provision creates a custodial wallet for a user that has none.
func (s *Service) Provision(ctx context.Context, userID string) (domain.CustodialWallet, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CustodialWallet{}, errors.New("credentials: provision: empty user id")
	}
	encrypted, address, err := crypto.GenerateWalletKey(s.password)
	if err != nil {
		return domain.CustodialWallet{}, fmt.Errorf("credentials: provision %s: %w", userID, err)
	}

	w := domain.CustodialWallet{
		UserID:       userID,
		Address:      address,
		EncryptedKey: encrypted,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.wallets.Create(ctx, w); err != nil {
		return domain.CustodialWallet{}, fmt.Errorf("credentials: provision %s: %w", userID, err)
	}

	s.logger.InfoContext(ctx, "custodial wallet provisioned",
		slog.String("user_id", userID),
		slog.String("address", address),
	)
	return w, nil
}

func (s *Service) signingKey(ctx context.Context, userID string) (string, *ecdsa.PrivateKey, error) {
	s.mu.Lock()
	memo, ok := s.keys[userID]
	s.mu.Unlock()
	if ok {
		return memo.address, memo.key, nil
	}

	wallet, err := s.wallets.GetByUser(ctx, userID)
	if err != nil {
		return "", nil, fmt.Errorf("load wallet: %w", err)
	}
	key, err := crypto.DecryptPrivateKey(wallet.EncryptedKey, s.password)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt wallet key: %w", err)
	}

	s.mu.Lock()
	s.keys[userID] = walletKey{address: wallet.Address, key: key}
	s.mu.Unlock()
	return wallet.Address, key, nil
}

func (s *Service) apiCredentials(ctx context.Context, userID string, key *ecdsa.PrivateKey) (domain.APICredentials, error) {
	creds, err := s.cache.Get(ctx, userID)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "credential cache read failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	creds, err = s.deriver.DeriveAPIKey(ctx, key)
	if err != nil {
		return domain.APICredentials{}, fmt.Errorf("derive api key: %w", err)
	}
	if err := s.cache.Set(ctx, userID, creds); err != nil {
		s.logger.WarnContext(ctx, "credential cache write failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return creds, nil
}
