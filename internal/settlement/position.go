package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// casRetries bounds reload-and-retry loops on conditional write conflicts.
const casRetries = 3

// failPosition moves a non-terminal position to FAILED. Accumulated value and
// leg counters are kept. Cleanup happens in the Terminator, triggered by the
// resulting change.
func (d Deps) failPosition(ctx context.Context, log *slog.Logger, positionID, reason string) error {
	for range casRetries {
		pos, err := d.Positions.GetByID(ctx, positionID)
		if err != nil {
			return fmt.Errorf("settlement: load position %s: %w", positionID, err)
		}
		if pos.Status.IsTerminal() {
			return nil
		}

		expect := pos.Status
		if err := pos.Fail(reason, d.Now()); err != nil {
			return err
		}
		err = d.Positions.Update(ctx, pos, expect)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("settlement: fail position %s: %w", positionID, err)
		}

		d.Observer.PositionFinished(domain.PositionStatusFailed)
		log.InfoContext(ctx, "position failed",
			slog.String("position_id", positionID),
			slog.String("reason", reason),
		)
		return nil
	}
	return fmt.Errorf("settlement: fail position %s: %w", positionID, domain.ErrConflict)
}

func legFailure(bet *domain.Bet) string {
	if bet.FailureReason == "" {
		return fmt.Sprintf("leg %d %s", bet.Sequence, bet.Status)
	}
	return fmt.Sprintf("leg %d %s: %s", bet.Sequence, bet.Status, bet.FailureReason)
}

// applyFill copies an observed fill onto the bet. The fill price falls back
// to the target when the exchange reports none.
func applyFill(bet *domain.Bet, fill domain.OrderFill, now time.Time) {
	price := fill.FillPrice
	if price <= 0 {
		price = bet.TargetPrice
	}

	bet.Shares = fill.FilledShares
	bet.FillPrice = price
	bet.ActualStake = money.Min(money.MulPrice(fill.FilledShares, price), bet.RequestedStake)
	bet.FillPct = money.Ratio(bet.ActualStake, bet.RequestedStake)
	bet.PriceImpact = money.Ratio(price-bet.TargetPrice, bet.TargetPrice)
	bet.PotentialPayout = fill.FilledShares
	bet.FilledAt = &now
}
