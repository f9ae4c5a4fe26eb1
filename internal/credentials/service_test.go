package credentials

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
)

const testPassword = "correct horse battery staple"

type memWallets struct {
	rows map[string]domain.CustodialWallet
}

func (m *memWallets) GetByUser(_ context.Context, userID string) (domain.CustodialWallet, error) {
	w, ok := m.rows[userID]
	if !ok {
		return domain.CustodialWallet{}, domain.ErrNotFound
	}
	return w, nil
}

func (m *memWallets) Create(_ context.Context, w domain.CustodialWallet) error {
	if _, ok := m.rows[w.UserID]; ok {
		return domain.ErrAlreadyExists
	}
	m.rows[w.UserID] = w
	return nil
}

type memCredCache struct {
	items map[string]domain.APICredentials
}

func (m *memCredCache) Get(_ context.Context, userID string) (domain.APICredentials, error) {
	c, ok := m.items[userID]
	if !ok {
		return domain.APICredentials{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCredCache) Set(_ context.Context, userID string, c domain.APICredentials) error {
	m.items[userID] = c
	return nil
}

func (m *memCredCache) Invalidate(_ context.Context, userID string) error {
	delete(m.items, userID)
	return nil
}

type stubDeriver struct {
	calls int
	err   error
	seen  *ecdsa.PrivateKey
}

func (d *stubDeriver) DeriveAPIKey(_ context.Context, key *ecdsa.PrivateKey) (domain.APICredentials, error) {
	d.calls++
	d.seen = key
	if d.err != nil {
		return domain.APICredentials{}, d.err
	}
	return domain.APICredentials{Key: "k", Secret: "s", Passphrase: "p"}, nil
}

func newTestService(d *stubDeriver) (*Service, *memWallets, *memCredCache) {
	wallets := &memWallets{rows: map[string]domain.CustodialWallet{}}
	cache := &memCredCache{items: map[string]domain.APICredentials{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(wallets, cache, d, testPassword, logger), wallets, cache
}

func TestResolveDerivesAndCaches(t *testing.T) {
	ctx := context.Background()
	d := &stubDeriver{}
	svc, _, cache := newTestService(d)

	w, err := svc.Provision(ctx, "user-1")
	require.NoError(t, err)

	creds, err := svc.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", creds.UserID)
	assert.Equal(t, w.Address, creds.Address)
	assert.Equal(t, w.Address, ethcrypto.PubkeyToAddress(creds.Key.PublicKey).Hex())
	assert.Equal(t, "k", creds.API.Key)
	assert.Equal(t, 1, d.calls)
	assert.Contains(t, cache.items, "user-1")

	_, err = svc.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls, "second resolve must hit the cache")
}

func TestResolveAfterRefreshRederives(t *testing.T) {
	ctx := context.Background()
	d := &stubDeriver{}
	svc, _, _ := newTestService(d)

	_, err := svc.Provision(ctx, "user-1")
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, svc.Refresh(ctx, "user-1"))
	_, err = svc.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.calls)
}

func TestResolveMissingWallet(t *testing.T) {
	svc, _, _ := newTestService(&stubDeriver{})

	_, err := svc.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrNoCredentials)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveDeriveFailure(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(&stubDeriver{err: domain.ErrUnauthorized})
	_, err := svc.Provision(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrNoCredentials)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestResolveWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc, wallets, _ := newTestService(&stubDeriver{})
	_, err := svc.Provision(ctx, "user-1")
	require.NoError(t, err)

	other := NewService(wallets, &memCredCache{items: map[string]domain.APICredentials{}}, &stubDeriver{}, "wrong", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err = other.Resolve(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrNoCredentials)
}

func TestProvisionTwice(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(&stubDeriver{})
	_, err := svc.Provision(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.Provision(ctx, "user-1")
	assert.True(t, errors.Is(err, domain.ErrAlreadyExists))
}
