package auth

import (
	"context"
	"fmt"

	"github.com/authscape/crmsync/internal/domain/shared"
)

const revokedKeyPrefix = "token:revoked:"

// RevocationList invalidates tokens before they expire. Entries live in the
// shared idempotency store (Redis or in-memory) and expire with the token.
type RevocationList struct {
	store shared.IdempotencyStore
}

// NewRevocationList wraps an idempotency store
func NewRevocationList(store shared.IdempotencyStore) *RevocationList {
	return &RevocationList{store: store}
}

// Revoke blacklists the token's ID for its remaining lifetime
func (r *RevocationList) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ID == "" {
		return ErrInvalidClaims
	}
	ttl := claims.GetRemainingTTL()
	if ttl <= 0 {
		return nil
	}
	if _, err := r.store.MarkProcessed(ctx, revokedKeyPrefix+claims.ID, ttl); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token ID has been revoked
func (r *RevocationList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	revoked, err := r.store.IsProcessed(ctx, revokedKeyPrefix+tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return revoked, nil
}

