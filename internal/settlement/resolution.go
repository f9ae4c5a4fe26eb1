package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// Resolver settles every bet on a market that has reached a final outcome
// and advances the owning positions.
type Resolver struct {
	cfg    Config
	d      Deps
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config, d Deps) *Resolver {
	d = d.withDefaults()
	return &Resolver{
		cfg:    cfg,
		d:      d,
		logger: d.Logger.With(slog.String("component", "resolution_handler")),
	}
}

// Handle settles the bets on a RESOLVED or CANCELLED market. Each bet is
// handled independently; infrastructure failures are joined and returned so
// the event is redelivered. Redelivery is safe: settled bets only re-run the
// idempotent position advance.
func (r *Resolver) Handle(ctx context.Context, market domain.Market) error {
	outcome := market.EffectiveOutcome()
	if !market.Status.IsTerminal() || outcome == domain.OutcomeNone {
		return nil
	}
	log := r.logger.With(
		slog.String("condition_id", market.ConditionID),
		slog.String("outcome", string(outcome)),
	)

	bets, err := r.d.Bets.ListByCondition(ctx, market.ConditionID)
	if err != nil {
		return fmt.Errorf("settlement: list bets for %s: %w", market.ConditionID, err)
	}
	log.InfoContext(ctx, "market resolved", slog.Int("bets", len(bets)))

	var errs []error
	for _, bet := range bets {
		if err := r.handleBet(ctx, log, outcome, bet); err != nil {
			log.ErrorContext(ctx, "settle bet failed",
				slog.String("bet_id", bet.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("bet %s: %w", bet.ID, err))
		}
	}
	return errors.Join(errs...)
}

// handleBet retries settleBet against a freshly loaded bet when a
// conditional write loses a race.
func (r *Resolver) handleBet(ctx context.Context, log *slog.Logger, outcome domain.Outcome, bet domain.Bet) error {
	log = log.With(
		slog.String("bet_id", bet.ID),
		slog.String("position_id", bet.PositionID),
		slog.Int("sequence", bet.Sequence),
	)
	for attempt := 1; ; attempt++ {
		err := r.settleBet(ctx, log, outcome, bet)
		if !errors.Is(err, domain.ErrConflict) || attempt == casRetries {
			return err
		}
		if bet, err = r.d.Bets.GetByID(ctx, bet.ID); err != nil {
			return err
		}
	}
}

func (r *Resolver) settleBet(ctx context.Context, log *slog.Logger, outcome domain.Outcome, bet domain.Bet) error {
	switch bet.Status {
	case domain.BetStatusExecuting:
		if outcome == domain.OutcomeVoid {
			return r.void(ctx, log, bet)
		}
		// The executor settles it against the stored snapshot once the
		// order is recorded.
		if r.d.Snapshots != nil {
			log.InfoContext(ctx, "bet still executing at resolution, deferring to executor")
			return nil
		}
		log.WarnContext(ctx, "bet still executing at resolution")
		r.d.alert(ctx, AlertStuckBet, "Bet executing at resolution",
			fmt.Sprintf("bet %s (position %s leg %d) was executing when its market resolved", bet.ID, bet.PositionID, bet.Sequence))
		return nil

	case domain.BetStatusPlaced:
		if outcome == domain.OutcomeVoid {
			return r.void(ctx, log, bet)
		}
		filled, err := r.confirmPlaced(ctx, log, &bet)
		if err != nil || !filled {
			return err
		}
		return r.settle(ctx, log, outcome, bet)

	case domain.BetStatusFilled:
		if outcome == domain.OutcomeVoid {
			return r.void(ctx, log, bet)
		}
		return r.settle(ctx, log, outcome, bet)

	case domain.BetStatusSettled:
		return r.advance(ctx, log, bet)

	case domain.BetStatusVoided:
		if outcome == domain.OutcomeVoid {
			return r.d.failPosition(ctx, log, bet.PositionID, legFailure(&bet))
		}
	}
	return nil
}

// void marks an in-flight or filled bet VOIDED and fails its position.
func (r *Resolver) void(ctx context.Context, log *slog.Logger, bet domain.Bet) error {
	if bet.Status == domain.BetStatusPlaced && bet.OrderID != "" {
		r.cancelOrder(ctx, log, bet)
	}

	expect := bet.Status
	if err := bet.Fail(domain.BetStatusVoided, "market voided", r.d.Now()); err != nil {
		return err
	}
	if err := r.d.Bets.Update(ctx, bet, expect); err != nil {
		return err
	}
	log.InfoContext(ctx, "bet voided")
	return r.d.failPosition(ctx, log, bet.PositionID, legFailure(&bet))
}

// confirmPlaced re-polls a PLACED bet whose fill the executor never
// confirmed. It reports whether the bet is now FILLED; otherwise the bet has
// been failed as UNFILLED or EXECUTION_ERROR.
func (r *Resolver) confirmPlaced(ctx context.Context, log *slog.Logger, bet *domain.Bet) (bool, error) {
	fill, err := r.repoll(ctx, bet)

	var (
		next   domain.BetStatus
		reason string
	)
	switch {
	case err == nil && fill.FilledShares > 0:
		applyFill(bet, fill, r.d.Now())
		if err := transitionBet(ctx, r.d, bet, domain.BetStatusFilled); err != nil {
			return false, err
		}
		log.InfoContext(ctx, "fill confirmed at resolution",
			slog.String("shares", money.Format(bet.Shares)),
		)
		return true, nil
	case err == nil && fill.Final():
		next, reason = domain.BetStatusUnfilled, "order unfilled"
	case err != nil:
		next, reason = domain.BetStatusExecutionError, "fill unconfirmed at resolution: "+err.Error()
	default:
		next, reason = domain.BetStatusExecutionError, "fill unconfirmed at resolution: order "+string(fill.State)
	}

	expect := bet.Status
	if err := bet.Fail(next, reason, r.d.Now()); err != nil {
		return false, err
	}
	if err := r.d.Bets.Update(ctx, *bet, expect); err != nil {
		return false, err
	}
	log.WarnContext(ctx, "placed bet failed at resolution",
		slog.String("status", string(next)),
		slog.String("reason", reason),
	)
	return false, r.d.failPosition(ctx, log, bet.PositionID, legFailure(bet))
}

func (r *Resolver) repoll(ctx context.Context, bet *domain.Bet) (domain.OrderFill, error) {
	if bet.OrderID == "" {
		return domain.OrderFill{}, errors.New("no order id recorded")
	}
	userID, err := r.owner(ctx, bet.PositionID)
	if err != nil {
		return domain.OrderFill{}, err
	}
	creds, err := r.d.Credentials.Resolve(ctx, userID)
	if err != nil {
		return domain.OrderFill{}, err
	}

	pollCtx, cancel := withTimeout(ctx, r.cfg.RepollTimeout)
	defer cancel()
	return r.d.Exchange.GetOrder(pollCtx, creds, bet.OrderID)
}

// settle records the outcome and payout of a FILLED bet, then advances its
// position.
func (r *Resolver) settle(ctx context.Context, log *slog.Logger, outcome domain.Outcome, bet domain.Bet) error {
	won := string(bet.Side) == string(outcome)

	bet.Outcome = domain.BetOutcomeLost
	bet.ActualPayout = 0
	if won {
		bet.Outcome = domain.BetOutcomeWon
		bet.ActualPayout = bet.Shares
		bet.PayoutVerified = r.verifyPayout(ctx, log, bet)
	}

	now := r.d.Now()
	bet.SettledAt = &now
	if err := transitionBet(ctx, r.d, &bet, domain.BetStatusSettled); err != nil {
		return err
	}
	r.d.Observer.BetSettled(bet.Outcome)
	log.InfoContext(ctx, "bet settled",
		slog.String("result", string(bet.Outcome)),
		slog.String("payout", money.Format(bet.ActualPayout)),
	)
	return r.advance(ctx, log, bet)
}

// verifyPayout cross-checks a winning payout against the wallet's incoming
// transfers. A mismatch is reported but never blocks settlement.
func (r *Resolver) verifyPayout(ctx context.Context, log *slog.Logger, bet domain.Bet) bool {
	if !r.cfg.VerifyPayouts || r.d.Transfers == nil || bet.ActualPayout <= 0 {
		return false
	}
	userID, err := r.owner(ctx, bet.PositionID)
	if err != nil {
		log.WarnContext(ctx, "payout verification skipped", slog.String("error", err.Error()))
		return false
	}

	verifyCtx, cancel := withTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()
	check, err := r.d.Transfers.VerifyIncoming(verifyCtx, userID, bet.ActualPayout)
	if err != nil {
		log.WarnContext(ctx, "payout verification failed", slog.String("error", err.Error()))
		return false
	}
	if !check.Matched {
		r.d.Observer.PayoutMismatch()
		log.WarnContext(ctx, "payout mismatch",
			slog.String("expected", money.Format(check.Expected)),
			slog.String("observed", money.Format(check.Observed)),
		)
		r.d.alert(ctx, AlertPayoutMismatch, "Payout mismatch",
			fmt.Sprintf("bet %s expected %s observed %s", bet.ID, money.FormatCents(check.Expected), money.FormatCents(check.Observed)))
	}
	return check.Matched
}

// advance moves the position past a SETTLED bet. It is idempotent: a
// terminal position or one already pointing past this leg is left alone
// apart from finishing the promotion of its current leg.
func (r *Resolver) advance(ctx context.Context, log *slog.Logger, bet domain.Bet) error {
	pos, err := r.d.Positions.GetByID(ctx, bet.PositionID)
	if err != nil {
		return fmt.Errorf("settlement: load position %s: %w", bet.PositionID, err)
	}
	if pos.Status.IsTerminal() {
		return nil
	}
	chain, err := r.d.Chains.GetByID(ctx, pos.ChainID)
	if err != nil {
		return fmt.Errorf("settlement: load chain %s: %w", pos.ChainID, err)
	}

	switch {
	case bet.Outcome == domain.BetOutcomeLost:
		return r.lose(ctx, log, chain, pos, bet)
	case bet.Outcome != domain.BetOutcomeWon:
		return nil
	case pos.CurrentLegSequence > bet.Sequence:
		return r.promoteCurrent(ctx, log, pos)
	case pos.CurrentLegSequence < bet.Sequence:
		log.WarnContext(ctx, "position behind settled leg",
			slog.Int("current_leg", pos.CurrentLegSequence),
		)
		return nil
	case chain.IsLastLeg(bet.Sequence):
		return r.win(ctx, log, chain, pos, bet)
	default:
		return r.next(ctx, log, pos, bet)
	}
}

func (r *Resolver) lose(ctx context.Context, log *slog.Logger, chain domain.Chain, pos domain.Position, bet domain.Bet) error {
	if err := r.setChainStatus(ctx, chain.ID, domain.ChainStatusLost); err != nil {
		return err
	}

	expect := pos.Status
	pos.CompletedLegs = bet.Sequence
	pos.CurrentValue = 0
	if err := pos.Transition(domain.PositionStatusLost, r.d.Now()); err != nil {
		return err
	}
	if err := r.d.Positions.Update(ctx, pos, expect); err != nil {
		return err
	}
	r.d.Observer.PositionFinished(domain.PositionStatusLost)
	log.InfoContext(ctx, "position lost")
	return nil
}

func (r *Resolver) win(ctx context.Context, log *slog.Logger, chain domain.Chain, pos domain.Position, bet domain.Bet) error {
	if err := r.setChainStatus(ctx, chain.ID, domain.ChainStatusWon); err != nil {
		return err
	}

	expect := pos.Status
	pos.CurrentValue = bet.ActualPayout
	pos.CompletedLegs = bet.Sequence
	pos.WonLegs++
	if r.cfg.FeeEnabled {
		pos.FeeAmount = ComputeFee(pos.CurrentValue, pos.InitialStake, chain.LegCount(), r.cfg.FeeBps, r.cfg.FeeDust)
	}
	if err := pos.Transition(domain.PositionStatusWon, r.d.Now()); err != nil {
		return err
	}
	if err := r.d.Positions.Update(ctx, pos, expect); err != nil {
		return err
	}
	r.d.Observer.PositionFinished(domain.PositionStatusWon)
	log.InfoContext(ctx, "position won",
		slog.String("value", money.Format(pos.CurrentValue)),
		slog.String("fee", money.Format(pos.FeeAmount)),
	)

	if pos.FeeAmount > 0 {
		r.collectFee(ctx, log, pos)
	}
	return nil
}

// collectFee runs once, after the WON write that computed the fee. Its
// outcome is recorded on the position and never changes the WON status.
func (r *Resolver) collectFee(ctx context.Context, log *slog.Logger, pos domain.Position) {
	if r.d.Fees == nil {
		pos.FeeCollectionFailed = true
		pos.FeeFailureReason = "fee collector not configured"
	} else if receipt, err := r.d.Fees.Collect(ctx, pos.UserID, pos.FeeAmount); err != nil {
		pos.FeeCollectionFailed = true
		pos.FeeFailureReason = err.Error()
	} else {
		pos.FeeCollected = true
		pos.FeeTxHash = receipt.TxHash
	}
	pos.UpdatedAt = r.d.Now()
	r.d.Observer.FeeCollected(pos.FeeAmount, pos.FeeCollectionFailed)

	if pos.FeeCollectionFailed {
		log.WarnContext(ctx, "fee collection failed",
			slog.String("fee", money.Format(pos.FeeAmount)),
			slog.String("error", pos.FeeFailureReason),
		)
		r.d.alert(ctx, AlertFeeFailed, "Fee collection failed",
			fmt.Sprintf("position %s fee %s: %s", pos.ID, money.FormatCents(pos.FeeAmount), pos.FeeFailureReason))
	}

	if err := r.d.Positions.Update(ctx, pos, domain.PositionStatusWon); err != nil {
		log.ErrorContext(ctx, "record fee result failed",
			slog.Bool("fee_collected", pos.FeeCollected),
			slog.String("tx", pos.FeeTxHash),
			slog.String("error", err.Error()),
		)
	}
}

// next finds the first later leg whose market is still open, skipping and
// closing the rest, and promotes it with the winnings as its stake.
func (r *Resolver) next(ctx context.Context, log *slog.Logger, pos domain.Position, bet domain.Bet) error {
	bets, err := r.d.Bets.ListByPosition(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("settlement: list bets for position %s: %w", pos.ID, err)
	}
	sort.Slice(bets, func(i, j int) bool { return bets[i].Sequence < bets[j].Sequence })

	skipped := 0
	var eligible *domain.Bet
scan:
	for i := range bets {
		b := &bets[i]
		if b.Sequence <= bet.Sequence {
			continue
		}
		switch {
		case b.Status == domain.BetStatusMarketClosed:
			skipped++
		case b.Status.IsActive():
			eligible = b
			break scan
		case b.Status == domain.BetStatusQueued:
			t, err := r.d.Markets.Tradability(ctx, b.ConditionID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("settlement: tradability of leg %d: %w", b.Sequence, err)
			}
			if err == nil && t.Open() {
				eligible = b
				break scan
			}
			if err := closeLeg(ctx, r.d, b); err != nil {
				return err
			}
			skipped++
			r.d.Observer.LegSkipped()
			log.InfoContext(ctx, "leg skipped, market closed",
				slog.Int("skipped_sequence", b.Sequence),
			)
		}
	}

	expect := pos.Status
	pos.CompletedLegs = bet.Sequence
	pos.WonLegs++
	pos.SkippedLegs += skipped
	pos.CurrentValue = bet.ActualPayout

	if eligible == nil {
		if err := pos.Fail("no eligible leg remaining", r.d.Now()); err != nil {
			return err
		}
		if err := r.d.Positions.Update(ctx, pos, expect); err != nil {
			return err
		}
		r.d.Observer.PositionFinished(domain.PositionStatusFailed)
		log.InfoContext(ctx, "position failed, no eligible leg remaining",
			slog.Int("skipped", skipped),
		)
		return nil
	}

	pos.CurrentLegSequence = eligible.Sequence
	if err := pos.Transition(domain.PositionStatusActive, r.d.Now()); err != nil {
		return err
	}
	if err := r.d.Positions.Update(ctx, pos, expect); err != nil {
		return err
	}
	log.InfoContext(ctx, "position advanced",
		slog.Int("next_sequence", eligible.Sequence),
		slog.Int("skipped", skipped),
		slog.String("value", money.Format(pos.CurrentValue)),
	)
	return r.promote(ctx, log, *eligible, pos.CurrentValue)
}

// promoteCurrent finishes an advance interrupted between the position write
// and the next leg's READY write.
func (r *Resolver) promoteCurrent(ctx context.Context, log *slog.Logger, pos domain.Position) error {
	bets, err := r.d.Bets.ListByPosition(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("settlement: list bets for position %s: %w", pos.ID, err)
	}
	for _, b := range bets {
		if b.Sequence == pos.CurrentLegSequence {
			return r.promote(ctx, log, b, pos.CurrentValue)
		}
	}
	return nil
}

// promote moves a QUEUED bet to READY with stake, handing it to the
// executor. It is the only place a later leg becomes active.
func (r *Resolver) promote(ctx context.Context, log *slog.Logger, bet domain.Bet, stake int64) error {
	if bet.Status != domain.BetStatusQueued {
		return nil
	}
	bet.RequestedStake = stake
	if err := transitionBet(ctx, r.d, &bet, domain.BetStatusReady); err != nil {
		return fmt.Errorf("settlement: promote leg %d: %w", bet.Sequence, err)
	}
	log.InfoContext(ctx, "next leg ready",
		slog.String("next_bet_id", bet.ID),
		slog.Int("next_sequence", bet.Sequence),
		slog.String("stake", money.Format(stake)),
	)
	return nil
}

func (r *Resolver) cancelOrder(ctx context.Context, log *slog.Logger, bet domain.Bet) {
	userID, err := r.owner(ctx, bet.PositionID)
	if err == nil {
		var creds domain.TradingCredentials
		if creds, err = r.d.Credentials.Resolve(ctx, userID); err == nil {
			err = r.d.Exchange.CancelOrder(ctx, creds, bet.OrderID)
		}
	}
	if err != nil {
		log.WarnContext(ctx, "cancel order failed",
			slog.String("order_id", bet.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Resolver) owner(ctx context.Context, positionID string) (string, error) {
	pos, err := r.d.Positions.GetByID(ctx, positionID)
	if err != nil {
		return "", fmt.Errorf("settlement: load position %s: %w", positionID, err)
	}
	return pos.UserID, nil
}

// setChainStatus moves the chain out of ACTIVE. Another participant may
// already have done so.
func (r *Resolver) setChainStatus(ctx context.Context, chainID string, to domain.ChainStatus) error {
	err := r.d.Chains.SetStatus(ctx, chainID, domain.ChainStatusActive, to)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("settlement: chain %s -> %s: %w", chainID, to, err)
	}
	return nil
}

func closeLeg(ctx context.Context, d Deps, bet *domain.Bet) error {
	expect := bet.Status
	if err := bet.Fail(domain.BetStatusMarketClosed, "market closed before leg was reached", d.Now()); err != nil {
		return err
	}
	return d.Bets.Update(ctx, *bet, expect)
}

func transitionBet(ctx context.Context, d Deps, bet *domain.Bet, next domain.BetStatus) error {
	expect := bet.Status
	if err := bet.Transition(next, d.Now()); err != nil {
		return err
	}
	return d.Bets.Update(ctx, *bet, expect)
}
