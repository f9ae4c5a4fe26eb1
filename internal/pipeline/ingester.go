package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// ResolutionSource reads the current resolution snapshot of a market.
type ResolutionSource interface {
	Resolution(ctx context.Context, conditionID string) (domain.Market, error)
}

// ConditionBets lists the bets placed on a condition.
type ConditionBets interface {
	ListByCondition(ctx context.Context, conditionID string) ([]domain.Bet, error)
}

// TokenWatcher subscribes to live resolution events for a set of tokens.
type TokenWatcher interface {
	Watch(assetIDs []string) error
}

// IngestObserver records refreshed market snapshots.
type IngestObserver interface {
	MarketRefreshed(status domain.MarketStatus)
}

type nopIngestObserver struct{}

func (nopIngestObserver) MarketRefreshed(domain.MarketStatus) {}

// IngestConfig tunes the resolution ingester.
type IngestConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// IngestDeps are the collaborators of a ResolutionIngester. Tradability,
// Bets, Watcher and Observer are optional.
type IngestDeps struct {
	Source      ResolutionSource
	Markets     domain.MarketStore
	Tradability domain.TradabilityCache
	Bets        ConditionBets
	Watcher     TokenWatcher
	Observer    IngestObserver
	Logger      *slog.Logger
}

// ResolutionIngester keeps the market snapshots that open bets depend on in
// sync with the exchange. Writing a terminal snapshot is what triggers
// settlement.
type ResolutionIngester struct {
	cfg    IngestConfig
	d      IngestDeps
	nudges chan string
	logger *slog.Logger

	// Owned by Poll. cursor is the last condition of the previous page and
	// sweep the conditions listed since the cursor last wrapped.
	cursor string
	sweep  []string
}

// NewResolutionIngester creates a ResolutionIngester.
func NewResolutionIngester(cfg IngestConfig, d IngestDeps) *ResolutionIngester {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Observer == nil {
		d.Observer = nopIngestObserver{}
	}
	return &ResolutionIngester{
		cfg:    cfg,
		d:      d,
		nudges: make(chan string, 256),
		logger: d.Logger.With(slog.String("component", "resolution_ingester")),
	}
}

// Nudge asks for an immediate refresh of one market. It never blocks; a
// nudge dropped on a full queue is picked up by the next poll.
func (i *ResolutionIngester) Nudge(conditionID string) {
	select {
	case i.nudges <- conditionID:
	default:
	}
}

// RunLoop polls on every interval and refreshes nudged markets in between,
// until ctx is cancelled.
func (i *ResolutionIngester) RunLoop(ctx context.Context) error {
	i.logger.InfoContext(ctx, "resolution ingester started",
		slog.Duration("interval", i.cfg.Interval),
		slog.Int("batch_size", i.cfg.BatchSize),
	)
	if _, err := i.Poll(ctx); err != nil {
		i.logger.ErrorContext(ctx, "resolution poll failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(i.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			i.logger.Info("resolution ingester stopped")
			return ctx.Err()
		case id := <-i.nudges:
			if _, err := i.Refresh(ctx, id); err != nil {
				i.logger.WarnContext(ctx, "nudged refresh failed",
					slog.String("condition_id", id),
					slog.String("error", err.Error()),
				)
			}
		case <-ticker.C:
			if _, err := i.Poll(ctx); err != nil && ctx.Err() == nil {
				i.logger.ErrorContext(ctx, "resolution poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll refreshes the next page of markets open bets still wait on and
// returns how many became terminal. Pages follow condition id order and wrap
// once a short page ends the sweep, so every pending market is refreshed
// within one sweep. Failures on single markets are logged and retried on the
// next sweep.
func (i *ResolutionIngester) Poll(ctx context.Context) (int, error) {
	ids, err := i.nextPage(ctx)
	if err != nil {
		return 0, err
	}

	var resolved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			terminal, err := i.Refresh(gctx, id)
			if err != nil {
				i.logger.WarnContext(gctx, "market refresh failed",
					slog.String("condition_id", id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if terminal {
				resolved.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	i.sweep = append(i.sweep, ids...)
	if len(ids) < i.cfg.BatchSize {
		i.endSweep(ctx)
	} else {
		i.cursor = ids[len(ids)-1]
	}
	return int(resolved.Load()), nil
}

// nextPage lists the pending markets after the cursor. A full last page
// leaves the cursor at the end, so an empty page there wraps to the start.
func (i *ResolutionIngester) nextPage(ctx context.Context) ([]string, error) {
	ids, err := i.d.Markets.ListPendingResolution(ctx, i.cursor, i.cfg.BatchSize)
	if err == nil && len(ids) == 0 && i.cursor != "" {
		i.endSweep(ctx)
		ids, err = i.d.Markets.ListPendingResolution(ctx, "", i.cfg.BatchSize)
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: list pending markets: %w", err)
	}
	return ids, nil
}

// endSweep resubscribes the live feed to everything listed in the sweep and
// restarts paging from the first condition.
func (i *ResolutionIngester) endSweep(ctx context.Context) {
	i.watch(ctx, i.sweep)
	i.cursor, i.sweep = "", nil
}

// Refresh reads one market from the exchange and stores its snapshot. It
// reports whether the stored snapshot is terminal.
func (i *ResolutionIngester) Refresh(ctx context.Context, conditionID string) (bool, error) {
	market, err := i.d.Source.Resolution(ctx, conditionID)
	if errors.Is(err, domain.ErrNotFound) {
		i.logger.DebugContext(ctx, "market unknown to exchange", slog.String("condition_id", conditionID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	market.Normalize()
	if err := market.Validate(); err != nil {
		return false, err
	}
	if err := i.d.Markets.Upsert(ctx, market); err != nil {
		return false, fmt.Errorf("pipeline: upsert market %s: %w", conditionID, err)
	}
	i.d.Observer.MarketRefreshed(market.Status)

	if market.Status != domain.MarketStatusActive && i.d.Tradability != nil {
		if err := i.d.Tradability.Invalidate(ctx, conditionID); err != nil {
			i.logger.WarnContext(ctx, "tradability invalidate failed",
				slog.String("condition_id", conditionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if market.Status.IsTerminal() {
		i.logger.InfoContext(ctx, "market settled upstream",
			slog.String("condition_id", market.ConditionID),
			slog.String("status", string(market.Status)),
			slog.String("outcome", string(market.Outcome)),
		)
	}
	return market.Status.IsTerminal(), nil
}

// watch points the live feed at the tokens of every open bet on the pending
// markets.
func (i *ResolutionIngester) watch(ctx context.Context, conditionIDs []string) {
	if i.d.Watcher == nil || i.d.Bets == nil {
		return
	}

	var tokens []string
	for _, id := range conditionIDs {
		bets, err := i.d.Bets.ListByCondition(ctx, id)
		if err != nil {
			i.logger.WarnContext(ctx, "list bets for watch failed",
				slog.String("condition_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, b := range bets {
			if !b.Status.IsTerminal() && b.TokenID != "" {
				tokens = append(tokens, b.TokenID)
			}
		}
	}

	if err := i.d.Watcher.Watch(tokens); err != nil {
		i.logger.WarnContext(ctx, "resolution feed resubscribe failed", slog.String("error", err.Error()))
	}
}
