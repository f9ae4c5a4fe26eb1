package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/settlement"
)

// BetHandler handles a bet that became READY.
type BetHandler interface {
	Handle(ctx context.Context, bet domain.Bet) error
}

// MarketHandler handles a market that became RESOLVED or CANCELLED.
type MarketHandler interface {
	Handle(ctx context.Context, market domain.Market) error
}

// PositionHandler handles a position that became LOST, CANCELLED or FAILED.
type PositionHandler interface {
	Handle(ctx context.Context, pos domain.Position) error
}

// ReceiptArchiver stores the receipt of a finished position.
type ReceiptArchiver interface {
	ArchiveReceipt(ctx context.Context, receipt domain.SettlementReceipt) (string, error)
}

// BetLister loads the bets of a position for its receipt.
type BetLister interface {
	ListByPosition(ctx context.Context, positionID string) ([]domain.Bet, error)
}

// EventObserver records dispatch outcomes.
type EventObserver interface {
	EventHandled(kind domain.RecordKind, route string, err error, elapsed time.Duration)
}

type nopEventObserver struct{}

func (nopEventObserver) EventHandled(domain.RecordKind, string, error, time.Duration) {}

// Route names reported to the EventObserver.
const (
	RouteIgnored   = "ignored"
	RouteExecute   = "execute"
	RouteResolve   = "resolve"
	RouteTerminate = "terminate"
	RouteReceipt   = "receipt"
)

// DispatcherDeps are the handlers a Dispatcher routes to. Receipts and Bets
// may be nil, which disables receipt archiving.
type DispatcherDeps struct {
	Executor   BetHandler
	Resolver   MarketHandler
	Terminator PositionHandler
	Receipts   ReceiptArchiver
	Bets       BetLister
	Observer   EventObserver
	Logger     *slog.Logger
	Now        func() time.Time
}

// Dispatcher decodes change events and routes them to the settlement
// handlers. Its Handle method is a domain.ChangeHandler.
type Dispatcher struct {
	d      DispatcherDeps
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(d DispatcherDeps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Observer == nil {
		d.Observer = nopEventObserver{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Dispatcher{
		d:      d,
		logger: d.Logger.With(slog.String("component", "dispatcher")),
	}
}

// Handle routes one change event. A returned error asks the stream to
// redeliver the event, so only resolution and termination failures are
// returned. Bet execution failures are recorded on the bet, never retried.
func (d *Dispatcher) Handle(ctx context.Context, evt domain.ChangeEvent) error {
	start := d.d.Now()
	route, err := d.route(ctx, evt)
	d.d.Observer.EventHandled(evt.Kind, route, err, d.d.Now().Sub(start))
	return err
}

func (d *Dispatcher) route(ctx context.Context, evt domain.ChangeEvent) (string, error) {
	switch evt.Kind {
	case domain.RecordBet:
		old, cur, err := domain.DecodeChange[domain.Bet](evt)
		if err != nil {
			return RouteIgnored, d.undecodable(ctx, evt, err)
		}
		if !settlement.BetBecameReady(old, cur) {
			return RouteIgnored, nil
		}
		if err := d.d.Executor.Handle(ctx, *cur); err != nil {
			d.logger.ErrorContext(ctx, "bet execution aborted",
				slog.String("bet_id", cur.ID),
				slog.String("error", err.Error()),
			)
		}
		return RouteExecute, nil

	case domain.RecordMarket:
		old, cur, err := domain.DecodeChange[domain.Market](evt)
		if err != nil {
			return RouteIgnored, d.undecodable(ctx, evt, err)
		}
		if !settlement.MarketBecameTerminal(old, cur) {
			return RouteIgnored, nil
		}
		if err := d.d.Resolver.Handle(ctx, *cur); err != nil {
			return RouteResolve, fmt.Errorf("pipeline: resolve market %s: %w", cur.ConditionID, err)
		}
		return RouteResolve, nil

	case domain.RecordPosition:
		old, cur, err := domain.DecodeChange[domain.Position](evt)
		if err != nil {
			return RouteIgnored, d.undecodable(ctx, evt, err)
		}
		route := RouteIgnored
		if settlement.PositionBecameTerminated(old, cur) {
			route = RouteTerminate
			if err := d.d.Terminator.Handle(ctx, *cur); err != nil {
				return route, fmt.Errorf("pipeline: terminate position %s: %w", cur.ID, err)
			}
		}
		if settlement.PositionBecameFinal(old, cur) {
			if route == RouteIgnored {
				route = RouteReceipt
			}
			d.archiveReceipt(ctx, *cur)
		}
		return route, nil

	default:
		return RouteIgnored, nil
	}
}

// undecodable drops an event that can never be decoded; redelivering it
// would only block the shard.
func (d *Dispatcher) undecodable(ctx context.Context, evt domain.ChangeEvent, err error) error {
	d.logger.ErrorContext(ctx, "dropping undecodable change event",
		slog.Int64("event_id", evt.ID),
		slog.String("kind", string(evt.Kind)),
		slog.String("key", evt.Key),
		slog.String("error", err.Error()),
	)
	return nil
}

// archiveReceipt stores the receipt of a final position. Failures are logged;
// the receipt is a copy of data the store still holds.
func (d *Dispatcher) archiveReceipt(ctx context.Context, pos domain.Position) {
	if d.d.Receipts == nil || d.d.Bets == nil {
		return
	}
	log := d.logger.With(slog.String("position_id", pos.ID))

	bets, err := d.d.Bets.ListByPosition(ctx, pos.ID)
	if err != nil {
		log.WarnContext(ctx, "receipt skipped, bets unavailable", slog.String("error", err.Error()))
		return
	}
	path, err := d.d.Receipts.ArchiveReceipt(ctx, domain.SettlementReceipt{
		Position:   pos,
		Bets:       bets,
		ArchivedAt: d.d.Now().UTC(),
	})
	if err != nil {
		log.WarnContext(ctx, "receipt archive failed", slog.String("error", err.Error()))
		return
	}
	log.InfoContext(ctx, "receipt archived", slog.String("path", path))
}
