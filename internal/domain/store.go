package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ChainStore persists chain definitions and their aggregate totals.
type ChainStore interface {
	GetByID(ctx context.Context, id string) (Chain, error)
	// AdjustTotalValue atomically adds delta to the chain's total value.
	AdjustTotalValue(ctx context.Context, id string, delta int64) error
	// SetStatus moves the chain from one status to another, returning
	// ErrConflict if the chain is not currently in from.
	SetStatus(ctx context.Context, id string, from, to ChainStatus) error
}

// PositionStore persists positions. Update is a compare-and-set on status.
type PositionStore interface {
	GetByID(ctx context.Context, id string) (Position, error)
	ListByChain(ctx context.Context, chainID string) ([]Position, error)
	ListByStatus(ctx context.Context, status PositionStatus, opts ListOpts) ([]Position, error)
	// Open creates the chain if needed, inserts the position and its
	// pre-allocated bets, and adds the stake to the chain total, all in one
	// transaction.
	Open(ctx context.Context, chain Chain, pos Position, bets []Bet) error
	// Update writes pos if the stored status still equals expect.
	Update(ctx context.Context, pos Position, expect PositionStatus) error
	// ReleaseStake subtracts the position's initial stake from its chain
	// total exactly once. It reports whether this call performed the release.
	ReleaseStake(ctx context.Context, positionID string) (bool, error)
}

// BetStore persists bets. Update is a compare-and-set on status.
type BetStore interface {
	GetByID(ctx context.Context, id string) (Bet, error)
	ListByPosition(ctx context.Context, positionID string) ([]Bet, error)
	ListByCondition(ctx context.Context, conditionID string) ([]Bet, error)
	// Update writes bet if the stored status still equals expect.
	Update(ctx context.Context, bet Bet, expect BetStatus) error
}

// MarketStore persists the market resolution snapshots.
type MarketStore interface {
	Get(ctx context.Context, conditionID string) (Market, error)
	// Upsert writes the snapshot. It is a no-op when the stored market is
	// already terminal or nothing changed, so repeated polling emits no
	// change events.
	Upsert(ctx context.Context, market Market) error
	// ListPendingResolution returns, in condition id order, up to limit
	// condition ids after the given one that non-terminal bets depend on and
	// whose snapshot is not yet terminal.
	ListPendingResolution(ctx context.Context, after string, limit int) ([]string, error)
}

// WalletStore persists encrypted custodial keys.
type WalletStore interface {
	GetByUser(ctx context.Context, userID string) (CustodialWallet, error)
	Create(ctx context.Context, w CustodialWallet) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}

// OutboxStore exposes committed record changes that have not been relayed to
// the change stream yet.
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]ChangeEvent, error)
	MarkRelayed(ctx context.Context, ids []int64) error
}
