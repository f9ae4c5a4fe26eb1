// Package app wires the settlement engine together and runs the loops of the
// configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/legchain/internal/config"
	"github.com/alanyoungcy/legchain/internal/pipeline"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires all dependencies, registers the loops of the configured mode and
// blocks until the context is cancelled or a loop fails.
func (a *App) Run(ctx context.Context) error {
	log := a.logger.With(slog.String("component", "app"))
	log.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	orch := pipeline.NewOrchestrator(a.logger)
	if err := a.register(orch, strings.ToLower(a.cfg.Mode), deps); err != nil {
		return err
	}
	return orch.Run(ctx)
}

// register adds the loops of mode to orch.
func (a *App) register(orch *pipeline.Orchestrator, mode string, deps *Dependencies) error {
	switch mode {
	case "settle":
		a.addSettle(orch, deps)
	case "relay":
		a.addRelay(orch, deps)
		a.addArchive(orch, deps)
	case "ingest":
		a.addIngest(orch, deps)
	case "full":
		a.addSettle(orch, deps)
		a.addRelay(orch, deps)
		a.addIngest(orch, deps)
		a.addArchive(orch, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	return a.addServer(orch, deps)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
