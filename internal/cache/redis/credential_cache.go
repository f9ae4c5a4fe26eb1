package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// credentialTTL bounds how long derived API credentials are reused before
// being re-derived from the signing key.
const credentialTTL = 24 * time.Hour

// CredentialCache implements domain.CredentialCache. Credentials are stored
// as JSON strings under legchain:creds:{userID}.
type CredentialCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCredentialCache creates a CredentialCache backed by the given Client.
func NewCredentialCache(c *Client) *CredentialCache {
	return &CredentialCache{rdb: c.Underlying(), ttl: credentialTTL}
}

func credentialKey(userID string) string { return keyPrefix + "creds:" + userID }

// Get returns the cached credentials or domain.ErrNotFound.
func (cc *CredentialCache) Get(ctx context.Context, userID string) (domain.APICredentials, error) {
	data, err := cc.rdb.Get(ctx, credentialKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.APICredentials{}, domain.ErrNotFound
		}
		return domain.APICredentials{}, fmt.Errorf("redis: get credentials for %s: %w", userID, err)
	}

	var creds domain.APICredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return domain.APICredentials{}, fmt.Errorf("redis: unmarshal credentials for %s: %w", userID, err)
	}
	if creds.Empty() {
		return domain.APICredentials{}, domain.ErrNotFound
	}
	return creds, nil
}

// Set stores credentials with the cache TTL.
func (cc *CredentialCache) Set(ctx context.Context, userID string, creds domain.APICredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("redis: marshal credentials for %s: %w", userID, err)
	}
	if err := cc.rdb.Set(ctx, credentialKey(userID), data, cc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set credentials for %s: %w", userID, err)
	}
	return nil
}

// Invalidate drops cached credentials, forcing re-derivation on next use.
func (cc *CredentialCache) Invalidate(ctx context.Context, userID string) error {
	if err := cc.rdb.Del(ctx, credentialKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate credentials for %s: %w", userID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CredentialCache = (*CredentialCache)(nil)
