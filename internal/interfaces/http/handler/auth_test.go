package handler

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/authscape/crmsync/internal/interfaces/http/middleware"
)

func withClaims(claims *auth.Claims, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims != nil {
			c.Set(middleware.JWTClaimsKey, claims)
		}
		next(c)
	}
}

func testClaims() *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "tok-1",
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{auth.ScopeRead, auth.ScopeSync},
	}
}

func TestAuthHandler_Me(t *testing.T) {
	h := NewAuthHandler(new(MockTokenRevoker))

	w := perform(http.MethodGet, "/auth/me", "/auth/me", nil, withClaims(testClaims(), h.Me))
	require.Equal(t, http.StatusOK, w.Code)
	var info TokenInfoResponse
	decodeData(t, w, &info)
	assert.Equal(t, "ops@example.com", info.Subject)
	assert.Equal(t, []string{auth.ScopeRead, auth.ScopeSync}, info.Scopes)

	w = perform(http.MethodGet, "/auth/me", "/auth/me", nil, withClaims(nil, h.Me))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandler_Revoke(t *testing.T) {
	claims := testClaims()

	revoker := new(MockTokenRevoker)
	revoker.On("Revoke", mock.Anything, claims).Return(nil).Once()
	h := NewAuthHandler(revoker)
	w := perform(http.MethodPost, "/auth/revoke", "/auth/revoke", nil, withClaims(claims, h.Revoke))
	assert.Equal(t, http.StatusNoContent, w.Code)
	revoker.AssertExpectations(t)

	failing := new(MockTokenRevoker)
	failing.On("Revoke", mock.Anything, claims).Return(errors.New("redis down"))
	h = NewAuthHandler(failing)
	w = perform(http.MethodPost, "/auth/revoke", "/auth/revoke", nil, withClaims(claims, h.Revoke))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = perform(http.MethodPost, "/auth/revoke", "/auth/revoke", nil, withClaims(nil, h.Revoke))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
