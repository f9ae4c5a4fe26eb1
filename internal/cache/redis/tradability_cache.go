package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// TradabilityCache implements domain.TradabilityCache using Redis hashes
// with a JSON "data" field.
//
// Key schema:
//
//	legchain:tradability:{conditionID} - hash with field "data"
type TradabilityCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTradabilityCache creates a TradabilityCache whose entries expire after
// ttl. Tradability changes as markets approach their end date, so keep it
// short.
func NewTradabilityCache(c *Client, ttl time.Duration) *TradabilityCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TradabilityCache{rdb: c.Underlying(), ttl: ttl}
}

func tradabilityKey(conditionID string) string {
	return keyPrefix + "tradability:" + strings.ToLower(conditionID)
}

// Set stores a snapshot with the configured TTL.
func (tc *TradabilityCache) Set(ctx context.Context, t domain.Tradability) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal tradability %s: %w", t.ConditionID, err)
	}

	key := tradabilityKey(t.ConditionID)
	pipe := tc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, tc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set tradability %s: %w", t.ConditionID, err)
	}
	return nil
}

// Get returns the cached snapshot or domain.ErrNotFound.
func (tc *TradabilityCache) Get(ctx context.Context, conditionID string) (domain.Tradability, error) {
	data, err := tc.rdb.HGet(ctx, tradabilityKey(conditionID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Tradability{}, domain.ErrNotFound
		}
		return domain.Tradability{}, fmt.Errorf("redis: get tradability %s: %w", conditionID, err)
	}

	var t domain.Tradability
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Tradability{}, fmt.Errorf("redis: unmarshal tradability %s: %w", conditionID, err)
	}
	return t, nil
}

// Invalidate removes a snapshot. The ingester calls it when a market
// resolves.
func (tc *TradabilityCache) Invalidate(ctx context.Context, conditionID string) error {
	if err := tc.rdb.Del(ctx, tradabilityKey(conditionID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate tradability %s: %w", conditionID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TradabilityCache = (*TradabilityCache)(nil)
