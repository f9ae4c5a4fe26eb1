package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Loop is a named long-running component that returns when ctx is done.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator runs a set of loops together. The first loop to fail stops the
// rest.
type Orchestrator struct {
	loops  []Loop
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator with no loops.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "orchestrator"))}
}

// Add registers a loop. It must be called before Run.
func (o *Orchestrator) Add(name string, run func(ctx context.Context) error) {
	o.loops = append(o.loops, Loop{Name: name, Run: run})
}

// Len returns the number of registered loops.
func (o *Orchestrator) Len() int {
	return len(o.loops)
}

// Run starts every loop and blocks until all have returned. Loops stopping
// because ctx was cancelled count as a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.loops) == 0 {
		return errors.New("pipeline: nothing to run")
	}
	names := make([]string, len(o.loops))
	for i, l := range o.loops {
		names[i] = l.Name
	}
	o.logger.InfoContext(ctx, "orchestrator starting", slog.Any("loops", names))

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range o.loops {
		g.Go(func() error {
			err := l.Run(gctx)
			if gctx.Err() != nil {
				o.logger.Info("loop stopped", slog.String("loop", l.Name))
				return nil
			}
			if err == nil {
				err = errors.New("exited unexpectedly")
			}
			return fmt.Errorf("%s: %w", l.Name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped cleanly")
	return nil
}
