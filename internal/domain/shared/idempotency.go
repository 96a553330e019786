package shared

import (
	"context"
	"time"
)

// IdempotencyStore records processed keys (webhook deliveries, revoked
// token IDs) for a bounded time.
type IdempotencyStore interface {
	// MarkProcessed marks a key as processed with a TTL.
	// Returns true if the key was newly marked, false if it was already processed.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsProcessed checks if a key has already been processed
	IsProcessed(ctx context.Context, key string) (bool, error)

	// Release forgets a key so a later MarkProcessed claims it again
	Release(ctx context.Context, key string) error

	// Close closes the store and releases resources
	Close() error
}
