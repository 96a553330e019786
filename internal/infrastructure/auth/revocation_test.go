package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/authscape/crmsync/internal/infrastructure/cache"
	"github.com/authscape/crmsync/internal/infrastructure/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocationList(t *testing.T) {
	store := cache.NewInMemoryIdempotencyStore()
	defer store.Close()
	list := auth.NewRevocationList(store)
	ctx := context.Background()

	svc := auth.NewJWTService(config.SecurityConfig{JWTSecret: "test-secret-key-at-least-32-chars", JWTIssuer: "crmsync"})
	issued, err := svc.GenerateToken("ops", []string{auth.ScopeRead}, time.Hour)
	require.NoError(t, err)
	claims, err := svc.ValidateToken(issued.Token)
	require.NoError(t, err)

	revoked, err := list.IsRevoked(ctx, claims.ID)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, list.Revoke(ctx, claims))
	revoked, err = list.IsRevoked(ctx, claims.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = list.IsRevoked(ctx, "")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevocationList_Edges(t *testing.T) {
	store := cache.NewInMemoryIdempotencyStore()
	defer store.Close()
	list := auth.NewRevocationList(store)
	ctx := context.Background()

	assert.ErrorIs(t, list.Revoke(ctx, nil), auth.ErrInvalidClaims)
	assert.ErrorIs(t, list.Revoke(ctx, &auth.Claims{}), auth.ErrInvalidClaims)

	expired := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        "expired",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	require.NoError(t, list.Revoke(ctx, expired))
	assert.Zero(t, store.Size())
}
