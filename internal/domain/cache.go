package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// CompletionMarker remembers listings the ledger reported as completed.
// Completion is terminal, so a marker can never be stale.
type CompletionMarker interface {
	MarkCompleted(ctx context.Context, listingID int64) error
	IsCompleted(ctx context.Context, listingID int64) (bool, error)
}
