package domain

import (
	"context"
	"time"
)

// CredentialCache stores derived exchange API credentials per user.
type CredentialCache interface {
	Get(ctx context.Context, userID string) (APICredentials, error)
	Set(ctx context.Context, userID string, creds APICredentials) error
	Invalidate(ctx context.Context, userID string) error
}

// TradabilityCache holds short-lived tradability snapshots.
type TradabilityCache interface {
	Get(ctx context.Context, conditionID string) (Tradability, error)
	Set(ctx context.Context, t Tradability) error
	Invalidate(ctx context.Context, conditionID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// ChangeHandler processes one change event. A nil return acknowledges it; an
// error leaves it for redelivery.
type ChangeHandler func(ctx context.Context, evt ChangeEvent) error

// ChangePublisher appends committed record changes to the change stream.
type ChangePublisher interface {
	Publish(ctx context.Context, events []ChangeEvent) error
}

// ChangeSubscriber delivers change events at least once, ordered per
// partition key, until ctx is cancelled.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, handler ChangeHandler) error
}
