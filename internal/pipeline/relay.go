package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/legchain/internal/domain"
)

const relayLockKey = "outbox-relay"

// RelayObserver records relay throughput and lag.
type RelayObserver interface {
	Relayed(count int, lag time.Duration)
}

type nopRelayObserver struct{}

func (nopRelayObserver) Relayed(int, time.Duration) {}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
	// LockTTL bounds how long one drain may hold leadership.
	LockTTL time.Duration
}

// Relay copies committed record changes from the outbox table to the change
// stream. Drains are serialised across processes with a distributed lock so
// events leave the outbox in commit order.
type Relay struct {
	cfg       RelayConfig
	outbox    domain.OutboxStore
	publisher domain.ChangePublisher
	locks     domain.LockManager
	observer  RelayObserver
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a Relay. observer may be nil.
func NewRelay(cfg RelayConfig, outbox domain.OutboxStore, publisher domain.ChangePublisher, locks domain.LockManager, observer RelayObserver, logger *slog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if observer == nil {
		observer = nopRelayObserver{}
	}
	return &Relay{
		cfg:       cfg,
		outbox:    outbox,
		publisher: publisher,
		locks:     locks,
		observer:  observer,
		logger:    logger.With(slog.String("component", "outbox_relay")),
		now:       time.Now,
	}
}

// RunLoop drains the outbox every interval until ctx is cancelled.
func (r *Relay) RunLoop(ctx context.Context) error {
	r.logger.InfoContext(ctx, "outbox relay started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Int("batch_size", r.cfg.BatchSize),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "outbox drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Drain publishes pending changes until the outbox is empty and returns how
// many were relayed. It returns zero without error when another process
// holds the relay lock.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	unlock, err := r.locks.Acquire(ctx, relayLockKey, r.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pipeline: acquire relay lock: %w", err)
	}
	defer unlock()

	deadline := r.now().Add(r.cfg.LockTTL / 2)
	total := 0
	for r.now().Before(deadline) {
		n, err := r.relayBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	events, err := r.outbox.FetchPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("pipeline: fetch outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := r.publisher.Publish(ctx, events); err != nil {
		return 0, fmt.Errorf("pipeline: publish %d changes: %w", len(events), err)
	}

	ids := make([]int64, len(events))
	for i, evt := range events {
		ids[i] = evt.ID
	}
	// A crash here republishes the batch; consumers tolerate duplicates.
	if err := r.outbox.MarkRelayed(ctx, ids); err != nil {
		return 0, fmt.Errorf("pipeline: mark %d changes relayed: %w", len(ids), err)
	}

	lag := r.now().Sub(events[0].CommittedAt)
	r.observer.Relayed(len(events), lag)
	r.logger.DebugContext(ctx, "relayed changes",
		slog.Int("count", len(events)),
		slog.Int64("first_id", ids[0]),
		slog.Int64("last_id", ids[len(ids)-1]),
		slog.Duration("lag", lag),
	)
	return len(events), nil
}
