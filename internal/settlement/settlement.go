// Package settlement implements the reactive handlers that drive a Position
// through its chain: the bet executor, the market resolution handler and the
// position termination handler.
//
// Handlers hold no state between calls. They coordinate only through
// compare-and-set writes on the record store, so any number of them may run
// concurrently against the same change stream.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// Exchange places, inspects and cancels orders for a user.
type Exchange interface {
	PlaceOrder(ctx context.Context, creds domain.TradingCredentials, req domain.OrderRequest) (domain.OrderAck, error)
	GetOrder(ctx context.Context, creds domain.TradingCredentials, orderID string) (domain.OrderFill, error)
	CancelOrder(ctx context.Context, creds domain.TradingCredentials, orderID string) error
}

// MarketInfo reports live tradability of a market.
type MarketInfo interface {
	Tradability(ctx context.Context, conditionID string) (domain.Tradability, error)
}

// MarketSnapshots reads the stored resolution snapshot of a market.
type MarketSnapshots interface {
	Get(ctx context.Context, conditionID string) (domain.Market, error)
}

// CredentialProvider resolves a user's trading credentials.
type CredentialProvider interface {
	Resolve(ctx context.Context, userID string) (domain.TradingCredentials, error)
}

// TransferLog cross-checks payouts against the user's on-chain transfers.
type TransferLog interface {
	VerifyIncoming(ctx context.Context, userID string, expected int64) (domain.PayoutCheck, error)
}

// FeeCollector moves a platform fee out of a user's wallet.
type FeeCollector interface {
	Collect(ctx context.Context, userID string, amount int64) (domain.FeeReceipt, error)
}

// Alerter raises operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Observer receives settlement outcomes for metrics.
type Observer interface {
	BetExecuted(status domain.BetStatus, elapsed time.Duration)
	BetSettled(outcome domain.BetOutcome)
	LegSkipped()
	PositionFinished(status domain.PositionStatus)
	FeeCollected(amount int64, failed bool)
	PayoutMismatch()
}

type nopObserver struct{}

func (nopObserver) BetExecuted(domain.BetStatus, time.Duration) {}
func (nopObserver) BetSettled(domain.BetOutcome)                {}
func (nopObserver) LegSkipped()                                 {}
func (nopObserver) PositionFinished(domain.PositionStatus)      {}
func (nopObserver) FeeCollected(int64, bool)                    {}
func (nopObserver) PayoutMismatch()                             {}

// Alert event names, matching the notify.events configuration.
const (
	AlertFeeFailed      = "fee_failed"
	AlertPayoutMismatch = "payout_mismatch"
	AlertStuckBet       = "stuck_bet"
	AlertUnrecorded     = "order_unrecorded"
)

// Config tunes the handlers. Money values are micro-units.
type Config struct {
	SlippageBps       int64
	PriceCap          int64
	ClosingSoonWindow time.Duration

	FillPollAttempts int
	FillPollBackoff  time.Duration
	FillPollMaxWait  time.Duration
	RepollTimeout    time.Duration

	VerifyPayouts bool
	VerifyTimeout time.Duration

	FeeEnabled bool
	FeeBps     int64
	FeeDust    int64
}

// DefaultConfig returns production defaults: 2.5% slippage capped at 0.99,
// a 24h closing-soon window and a 2% fee with a 0.01 dust floor.
func DefaultConfig() Config {
	return Config{
		SlippageBps:       250,
		PriceCap:          990_000,
		ClosingSoonWindow: 24 * time.Hour,
		FillPollAttempts:  4,
		FillPollBackoff:   150 * time.Millisecond,
		FillPollMaxWait:   time.Second,
		RepollTimeout:     5 * time.Second,
		VerifyPayouts:     true,
		VerifyTimeout:     10 * time.Second,
		FeeEnabled:        true,
		FeeBps:            200,
		FeeDust:           10_000,
	}
}

// Deps are the collaborators shared by the handlers. Snapshots, Transfers,
// Fees, Alerts and Observer are optional.
type Deps struct {
	Chains    domain.ChainStore
	Positions domain.PositionStore
	Bets      domain.BetStore

	Exchange    Exchange
	Markets     MarketInfo
	Snapshots   MarketSnapshots
	Credentials CredentialProvider
	Transfers   TransferLog
	Fees        FeeCollector
	Alerts      Alerter
	Observer    Observer

	Logger *slog.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) bool
}

func (d Deps) withDefaults() Deps {
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	return d
}

func (d Deps) alert(ctx context.Context, event, title, message string) {
	if d.Alerts == nil {
		return
	}
	if err := d.Alerts.Notify(ctx, event, title, message); err != nil {
		d.Logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
