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

// Executor places the order for a bet that has just become READY.
type Executor struct {
	cfg      Config
	d        Deps
	resolver *Resolver
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, d Deps) *Executor {
	d = d.withDefaults()
	return &Executor{
		cfg:      cfg,
		d:        d,
		resolver: NewResolver(cfg, d),
		logger:   d.Logger.With(slog.String("component", "bet_executor")),
	}
}

// Handle executes one READY bet. Business failures are written to the bet and
// its position; the only error returned is a failure to claim the bet, which
// is safe to redeliver because nothing was sent to the exchange.
func (e *Executor) Handle(ctx context.Context, bet domain.Bet) error {
	start := e.d.Now()
	log := e.logger.With(
		slog.String("bet_id", bet.ID),
		slog.String("position_id", bet.PositionID),
		slog.Int("sequence", bet.Sequence),
	)

	claimed, err := e.claim(ctx, &bet)
	if err != nil {
		return fmt.Errorf("settlement: claim bet %s: %w", bet.ID, err)
	}
	if !claimed {
		log.DebugContext(ctx, "bet already claimed, skipping")
		return nil
	}

	e.execute(ctx, log, &bet)
	e.d.Observer.BetExecuted(bet.Status, e.d.Now().Sub(start))
	e.catchUp(ctx, log, bet)
	return nil
}

// catchUp settles a bet whose market went terminal while it was EXECUTING.
// The resolver skips EXECUTING bets, and the market will not change again,
// so the executor checks the stored snapshot once the bet has left that
// state.
func (e *Executor) catchUp(ctx context.Context, log *slog.Logger, bet domain.Bet) {
	if e.d.Snapshots == nil {
		return
	}
	if bet.Status != domain.BetStatusPlaced && bet.Status != domain.BetStatusFilled {
		return
	}
	market, err := e.d.Snapshots.Get(ctx, bet.ConditionID)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		log.WarnContext(ctx, "market snapshot check failed", slog.String("error", err.Error()))
		return
	}
	outcome := market.EffectiveOutcome()
	if !market.Status.IsTerminal() || outcome == domain.OutcomeNone {
		return
	}

	log.InfoContext(ctx, "market resolved during execution, settling now",
		slog.String("outcome", string(outcome)),
	)
	rlog := e.resolver.logger.With(
		slog.String("condition_id", market.ConditionID),
		slog.String("outcome", string(outcome)),
	)
	if err := e.resolver.handleBet(ctx, rlog, outcome, bet); err != nil {
		log.ErrorContext(ctx, "settle after execution failed", slog.String("error", err.Error()))
	}
}

// claim moves the bet READY -> EXECUTING. Only one caller can win this
// transition, so at most one order is placed per READY transition.
func (e *Executor) claim(ctx context.Context, bet *domain.Bet) (bool, error) {
	current, err := e.d.Bets.GetByID(ctx, bet.ID)
	if err != nil {
		return false, err
	}
	if current.Status != domain.BetStatusReady {
		return false, nil
	}

	now := e.d.Now()
	if err := current.Transition(domain.BetStatusExecuting, now); err != nil {
		return false, err
	}
	current.ExecutedAt = &now

	err = e.d.Bets.Update(ctx, current, domain.BetStatusReady)
	if errors.Is(err, domain.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	*bet = current
	return true, nil
}

func (e *Executor) execute(ctx context.Context, log *slog.Logger, bet *domain.Bet) {
	pos, err := e.d.Positions.GetByID(ctx, bet.PositionID)
	if err != nil {
		e.fail(ctx, log, bet, Classify(err), "load position: "+err.Error())
		return
	}
	if pos.Status.IsTerminal() {
		e.cancel(ctx, log, bet, pos.Status)
		return
	}

	creds, err := e.d.Credentials.Resolve(ctx, pos.UserID)
	if err != nil {
		e.fail(ctx, log, bet, domain.BetStatusNoCredentials, err.Error())
		return
	}

	if status, reason, ok := e.checkTradable(ctx, bet.ConditionID); !ok {
		e.fail(ctx, log, bet, status, reason)
		return
	}

	if bet.TargetPrice <= 0 || bet.RequestedStake <= 0 {
		e.fail(ctx, log, bet, domain.BetStatusOrderRejected,
			fmt.Sprintf("invalid order: target %s stake %s", money.Format(bet.TargetPrice), money.Format(bet.RequestedStake)))
		return
	}
	ceiling := PriceCeiling(bet.TargetPrice, e.cfg.SlippageBps, e.cfg.PriceCap)

	ack, err := e.d.Exchange.PlaceOrder(ctx, creds, domain.OrderRequest{
		TokenID:      bet.TokenID,
		Side:         domain.OrderSideBuy,
		PriceCeiling: ceiling,
		Amount:       bet.RequestedStake,
		Type:         domain.OrderTypeFAK,
	})
	if err != nil {
		e.fail(ctx, log, bet, Classify(err), err.Error())
		return
	}
	log = log.With(slog.String("order_id", ack.OrderID))

	bet.OrderID = ack.OrderID
	if err := transitionBet(ctx, e.d, bet, domain.BetStatusPlaced); err != nil {
		e.recordOrphan(ctx, log, creds, bet, ack.OrderID, err)
		return
	}
	log.InfoContext(ctx, "order placed",
		slog.String("ceiling", money.Format(ceiling)),
		slog.String("stake", money.Format(bet.RequestedStake)),
	)

	fill, err := e.pollFill(ctx, creds, ack.OrderID)
	switch {
	case fill.FilledShares > 0:
		applyFill(bet, fill, e.d.Now())
		if err := transitionBet(ctx, e.d, bet, domain.BetStatusFilled); err != nil {
			log.ErrorContext(ctx, "record fill failed", slog.String("error", err.Error()))
			return
		}
		log.InfoContext(ctx, "bet filled",
			slog.String("shares", money.Format(bet.Shares)),
			slog.String("fill_price", money.Format(bet.FillPrice)),
			slog.String("actual_stake", money.Format(bet.ActualStake)),
		)
		e.activate(ctx, log, pos)

	case fill.Final():
		e.fail(ctx, log, bet, domain.BetStatusUnfilled, "order unfilled")

	default:
		attrs := []any{slog.String("state", string(fill.State))}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		log.WarnContext(ctx, "fill unconfirmed, deferring to resolution", attrs...)
	}
}

// recordOrphan handles an order that was sent after the bet moved on, which
// happens when the position is terminated while the order is in flight. The
// fill is written onto the released bet so the spent stake stays traceable.
func (e *Executor) recordOrphan(ctx context.Context, log *slog.Logger, creds domain.TradingCredentials, bet *domain.Bet, orderID string, cause error) {
	log.ErrorContext(ctx, "order placed but not recorded", slog.String("error", cause.Error()))

	current, err := e.d.Bets.GetByID(ctx, bet.ID)
	if err != nil || !current.Status.IsTerminal() || current.OrderID != "" {
		if err == nil {
			err = cause
		}
		e.d.alert(ctx, AlertUnrecorded, "Order placed but not recorded",
			fmt.Sprintf("bet %s order %s: %v", bet.ID, orderID, err))
		return
	}

	fill, ferr := e.pollFill(ctx, creds, orderID)
	if ferr != nil || !fill.Final() {
		if cerr := e.d.Exchange.CancelOrder(ctx, creds, orderID); cerr != nil {
			log.WarnContext(ctx, "cancel orphan order failed", slog.String("error", cerr.Error()))
		}
	}
	current.OrderID = orderID
	if fill.FilledShares > 0 {
		applyFill(&current, fill, e.d.Now())
	}
	if err := e.d.Bets.Update(ctx, current, current.Status); err != nil {
		log.ErrorContext(ctx, "record orphan fill failed", slog.String("error", err.Error()))
	}
	*bet = current

	log.WarnContext(ctx, "order filled on released bet",
		slog.String("status", string(current.Status)),
		slog.String("shares", money.Format(current.Shares)),
		slog.String("actual_stake", money.Format(current.ActualStake)),
	)
	e.d.alert(ctx, AlertUnrecorded, "Order filled on released bet",
		fmt.Sprintf("bet %s (%s) order %s filled %s shares for %s",
			current.ID, current.Status, orderID, money.Format(current.Shares), money.Format(current.ActualStake)))
}

// checkTradable reports the failure status to record when the market cannot
// take the order now.
func (e *Executor) checkTradable(ctx context.Context, conditionID string) (domain.BetStatus, string, bool) {
	t, err := e.d.Markets.Tradability(ctx, conditionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.BetStatusMarketClosed, "market not found", false
	}
	if err != nil {
		return Classify(err), "tradability check: " + err.Error(), false
	}
	if !t.Open() {
		return domain.BetStatusMarketClosed, "market not accepting orders", false
	}
	if t.ClosesWithin(e.d.Now(), e.cfg.ClosingSoonWindow) {
		return domain.BetStatusMarketClosingSoon,
			fmt.Sprintf("market ends %s", t.EndDate.Format(time.RFC3339)), false
	}
	return "", "", true
}

// pollFill checks the order immediately and then with doubling backoff until
// it is final or the attempts run out. It returns the last observed fill.
func (e *Executor) pollFill(ctx context.Context, creds domain.TradingCredentials, orderID string) (domain.OrderFill, error) {
	attempts := max(e.cfg.FillPollAttempts, 1)
	wait := e.cfg.FillPollBackoff

	var (
		last    domain.OrderFill
		lastErr error
	)
	for attempt := range attempts {
		if attempt > 0 {
			if !e.d.Sleep(ctx, wait) {
				return last, ctx.Err()
			}
			wait = min(wait*2, e.cfg.FillPollMaxWait)
		}

		fill, err := e.d.Exchange.GetOrder(ctx, creds, orderID)
		if err != nil {
			lastErr = err
			continue
		}
		last, lastErr = fill, nil
		if fill.Final() {
			break
		}
	}
	return last, lastErr
}

// activate marks a PENDING position ACTIVE once its first leg fills.
func (e *Executor) activate(ctx context.Context, log *slog.Logger, pos domain.Position) {
	if pos.Status != domain.PositionStatusPending {
		return
	}
	if err := pos.Transition(domain.PositionStatusActive, e.d.Now()); err != nil {
		return
	}
	err := e.d.Positions.Update(ctx, pos, domain.PositionStatusPending)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		log.WarnContext(ctx, "activate position failed", slog.String("error", err.Error()))
	}
}

// cancel abandons a claimed bet whose position ended while it was READY.
func (e *Executor) cancel(ctx context.Context, log *slog.Logger, bet *domain.Bet, posStatus domain.PositionStatus) {
	bet.FailureReason = "position " + string(posStatus)
	if err := transitionBet(ctx, e.d, bet, domain.BetStatusCancelled); err != nil {
		log.WarnContext(ctx, "cancel bet failed", slog.String("error", err.Error()))
		return
	}
	log.InfoContext(ctx, "position already terminal, bet cancelled",
		slog.String("position_status", string(posStatus)),
	)
}

// fail records a failure status on the bet and fails its position.
func (e *Executor) fail(ctx context.Context, log *slog.Logger, bet *domain.Bet, status domain.BetStatus, reason string) {
	expect := bet.Status
	if err := bet.Fail(status, reason, e.d.Now()); err != nil {
		log.ErrorContext(ctx, "fail bet", slog.String("error", err.Error()))
		return
	}
	if err := e.d.Bets.Update(ctx, *bet, expect); err != nil {
		log.ErrorContext(ctx, "record bet failure",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return
	}
	log.WarnContext(ctx, "bet failed",
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)

	if err := e.d.failPosition(ctx, log, bet.PositionID, legFailure(bet)); err != nil {
		log.ErrorContext(ctx, "fail position", slog.String("error", err.Error()))
	}
}
