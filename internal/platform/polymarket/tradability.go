package polymarket

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// CachedTradability serves tradability from a short-lived cache in front of
// Gamma. Cache failures fall through to Gamma.
type CachedTradability struct {
	gamma  *GammaClient
	cache  domain.TradabilityCache
	logger *slog.Logger
}

// NewCachedTradability wraps gamma with cache.
func NewCachedTradability(gamma *GammaClient, cache domain.TradabilityCache, logger *slog.Logger) *CachedTradability {
	return &CachedTradability{
		gamma:  gamma,
		cache:  cache,
		logger: logger.With(slog.String("component", "tradability")),
	}
}

// Tradability returns the cached view when present, else fetches and caches
// a fresh one.
func (c *CachedTradability) Tradability(ctx context.Context, conditionID string) (domain.Tradability, error) {
	t, err := c.cache.Get(ctx, conditionID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		c.logger.WarnContext(ctx, "tradability cache read failed",
			slog.String("condition_id", conditionID),
			slog.String("error", err.Error()),
		)
	}

	t, err = c.gamma.Tradability(ctx, conditionID)
	if err != nil {
		return domain.Tradability{}, err
	}
	if err := c.cache.Set(ctx, t); err != nil {
		c.logger.WarnContext(ctx, "tradability cache write failed",
			slog.String("condition_id", conditionID),
			slog.String("error", err.Error()),
		)
	}
	return t, nil
}
