package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// Terminator reclaims everything a terminated position still holds: queued
// legs, live orders and its share of the chain total. It is the only handler
// that performs this cleanup.
type Terminator struct {
	d      Deps
	logger *slog.Logger
}

// NewTerminator creates a Terminator.
func NewTerminator(d Deps) *Terminator {
	d = d.withDefaults()
	return &Terminator{
		d:      d,
		logger: d.Logger.With(slog.String("component", "termination_handler")),
	}
}

// Handle cleans up a position that became LOST, CANCELLED or FAILED. Every
// step is idempotent; infrastructure failures are returned for redelivery.
func (t *Terminator) Handle(ctx context.Context, pos domain.Position) error {
	if !pos.Status.IsTermination() {
		return nil
	}
	log := t.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("status", string(pos.Status)),
	)

	bets, err := t.d.Bets.ListByPosition(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("settlement: list bets for position %s: %w", pos.ID, err)
	}

	var (
		errs  []error
		creds *domain.TradingCredentials
	)
	for _, bet := range bets {
		if err := t.releaseBet(ctx, log, pos, bet, &creds); err != nil {
			errs = append(errs, fmt.Errorf("bet %s: %w", bet.ID, err))
		}
	}

	if pos.Status.ReleasesStake() {
		released, err := t.d.Positions.ReleaseStake(ctx, pos.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("settlement: release stake of %s: %w", pos.ID, err))
		} else if released {
			log.InfoContext(ctx, "stake released from chain total",
				slog.String("chain_id", pos.ChainID),
				slog.String("stake", money.Format(pos.InitialStake)),
			)
		}
	}
	return errors.Join(errs...)
}

// releaseBet voids or cancels one bet, reloading it when a concurrent write
// moved it first.
func (t *Terminator) releaseBet(ctx context.Context, log *slog.Logger, pos domain.Position, bet domain.Bet, creds **domain.TradingCredentials) error {
	for attempt := 1; ; attempt++ {
		var next domain.BetStatus
		switch bet.Status {
		case domain.BetStatusQueued:
			next = domain.BetStatusVoided
		case domain.BetStatusReady:
			next = domain.BetStatusCancelled
		case domain.BetStatusExecuting, domain.BetStatusPlaced:
			if bet.OrderID != "" {
				t.cancelOrder(ctx, log, pos.UserID, bet, creds)
			}
			next = domain.BetStatusCancelled
		default:
			return nil
		}

		expect := bet.Status
		if err := bet.Fail(next, "position "+string(pos.Status), t.d.Now()); err != nil {
			return err
		}
		err := t.d.Bets.Update(ctx, bet, expect)
		if err == nil {
			log.InfoContext(ctx, "bet released",
				slog.String("bet_id", bet.ID),
				slog.Int("sequence", bet.Sequence),
				slog.String("from", string(expect)),
				slog.String("to", string(next)),
			)
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt == casRetries {
			return err
		}
		if bet, err = t.d.Bets.GetByID(ctx, bet.ID); err != nil {
			return err
		}
	}
}

// cancelOrder cancels a live order best-effort. Credentials are resolved at
// most once per position.
func (t *Terminator) cancelOrder(ctx context.Context, log *slog.Logger, userID string, bet domain.Bet, creds **domain.TradingCredentials) {
	if *creds == nil {
		c, err := t.d.Credentials.Resolve(ctx, userID)
		if err != nil {
			log.WarnContext(ctx, "cancel order skipped, no credentials",
				slog.String("order_id", bet.OrderID),
				slog.String("error", err.Error()),
			)
			return
		}
		*creds = &c
	}
	if err := t.d.Exchange.CancelOrder(ctx, **creds, bet.OrderID); err != nil {
		log.WarnContext(ctx, "cancel order failed",
			slog.String("order_id", bet.OrderID),
			slog.String("error", err.Error()),
		)
	}
}
