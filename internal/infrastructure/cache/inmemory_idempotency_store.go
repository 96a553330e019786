package cache

import (
	"context"
	"time"

	"github.com/authscape/crmsync/internal/domain/shared"
)

// InMemoryIdempotencyStore remembers processed webhook event ids in process
// memory. Suitable for single-instance deployments and tests.
type InMemoryIdempotencyStore struct {
	events *ttlMap[struct{}]
}

// NewInMemoryIdempotencyStore creates a new in-memory idempotency store
func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{events: newTTLMap[struct{}](5 * time.Minute)}
}

// MarkProcessed returns true when the event id was not seen within its ttl
func (s *InMemoryIdempotencyStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return s.events.setNX(eventID, struct{}{}, ttl), nil
}

// IsProcessed checks if an event id is remembered
func (s *InMemoryIdempotencyStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	_, ok := s.events.get(eventID)
	return ok, nil
}

// Release forgets an event id
func (s *InMemoryIdempotencyStore) Release(ctx context.Context, eventID string) error {
	s.events.delete(eventID)
	return nil
}

// Close stops the sweeper. Safe to call multiple times
func (s *InMemoryIdempotencyStore) Close() error {
	s.events.close()
	return nil
}

// Size returns the number of remembered ids, expired ones included until swept
func (s *InMemoryIdempotencyStore) Size() int {
	return s.events.size()
}

var _ shared.IdempotencyStore = (*InMemoryIdempotencyStore)(nil)
