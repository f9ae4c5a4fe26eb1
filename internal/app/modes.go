package app

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/legchain/internal/pipeline"
	"github.com/alanyoungcy/legchain/internal/platform/polymarket"
	"github.com/alanyoungcy/legchain/internal/server"
	"github.com/alanyoungcy/legchain/internal/server/handler"
	"github.com/alanyoungcy/legchain/internal/service"
)

const readinessTimeout = 3 * time.Second

// addSettle consumes the change stream and dispatches to the settlement
// handlers.
func (a *App) addSettle(orch *pipeline.Orchestrator, deps *Dependencies) {
	dd := pipeline.DispatcherDeps{
		Executor:   deps.Executor,
		Resolver:   deps.Resolver,
		Terminator: deps.Terminator,
		Bets:       deps.Bets,
		Observer:   deps.Metrics,
		Logger:     a.logger,
	}
	if deps.Blob != nil {
		dd.Receipts = deps.Blob
	}
	dispatcher := pipeline.NewDispatcher(dd)

	orch.Add("settlement", func(ctx context.Context) error {
		return deps.Subscriber.Subscribe(ctx, dispatcher.Handle)
	})
}

// addRelay moves committed outbox rows onto the change stream.
func (a *App) addRelay(orch *pipeline.Orchestrator, deps *Dependencies) {
	relay := pipeline.NewRelay(pipeline.RelayConfig{
		Interval:  a.cfg.Relay.PollInterval.Duration,
		BatchSize: a.cfg.Relay.BatchSize,
		LockTTL:   a.cfg.Relay.LockTTL.Duration,
	}, deps.Outbox, deps.Publisher, deps.Locks, deps.Metrics, a.logger)

	orch.Add("outbox-relay", relay.RunLoop)
}

// addIngest polls market resolutions and, when enabled, follows the exchange
// websocket to refresh resolved markets early.
func (a *App) addIngest(orch *pipeline.Orchestrator, deps *Dependencies) {
	id := pipeline.IngestDeps{
		Source:      deps.Gamma,
		Markets:     deps.Markets,
		Tradability: deps.TradeCache,
		Bets:        deps.Bets,
		Observer:    deps.Metrics,
		Logger:      a.logger,
	}

	var feed *polymarket.ResolutionFeed
	if a.cfg.Ingest.WebsocketEnabled {
		feed = polymarket.NewResolutionFeed(a.cfg.Polymarket.WsHost, a.logger)
		id.Watcher = feed
	}

	ingester := pipeline.NewResolutionIngester(pipeline.IngestConfig{
		Interval:  a.cfg.Ingest.PollInterval.Duration,
		BatchSize: a.cfg.Ingest.BatchSize,
	}, id)

	orch.Add("resolution-ingest", ingester.RunLoop)
	if feed != nil {
		orch.Add("resolution-feed", func(ctx context.Context) error {
			return feed.Run(ctx, ingester.Nudge)
		})
	}
}

// addArchive schedules audit log archival when object storage is enabled.
func (a *App) addArchive(orch *pipeline.Orchestrator, deps *Dependencies) {
	if deps.Blob == nil || a.cfg.Archive.Cron == "" {
		return
	}
	archiver := pipeline.NewArchiver(deps.Blob, a.cfg.Archive.RetentionDays, a.logger)
	orch.Add("audit-archive", func(ctx context.Context) error {
		return archiver.RunCron(ctx, a.cfg.Archive.Cron)
	})
}

// addServer exposes probes, metrics and the position API.
func (a *App) addServer(orch *pipeline.Orchestrator, deps *Dependencies) error {
	if !a.cfg.Server.Enabled {
		return nil
	}
	minStake, err := a.cfg.Server.MinStakeMicro()
	if err != nil {
		return fmt.Errorf("app: server: %w", err)
	}
	positions := service.NewPositionService(deps.Positions, deps.Bets, deps.Audit, minStake, a.logger)

	srv := server.NewServer(server.Config{
		Port:       a.cfg.Server.Port,
		APIKey:     a.cfg.Server.APIKey,
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, readinessTimeout, a.logger),
		Positions: handler.NewPositionHandler(positions, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}, deps.APILimiter, a.logger)

	orch.Add("http", srv.Run)
	return nil
}
