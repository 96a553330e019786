package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/authscape/crmsync/internal/interfaces/http/dto"
	"github.com/authscape/crmsync/internal/interfaces/http/middleware"
)

// TokenRevoker revokes admin tokens before they expire
type TokenRevoker interface {
	Revoke(ctx context.Context, claims *auth.Claims) error
}

// TokenInfoResponse describes the caller's token
type TokenInfoResponse struct {
	Subject   string    `json:"subject"`
	TokenID   string    `json:"token_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthHandler handles admin token endpoints
type AuthHandler struct {
	BaseHandler
	revoker TokenRevoker
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(revoker TokenRevoker) *AuthHandler {
	return &AuthHandler{revoker: revoker}
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.GetJWTClaims(c)
	if claims == nil {
		h.ErrorWithCode(c, dto.ErrCodeUnauthorized, "Authentication required")
		return
	}
	info := TokenInfoResponse{
		Subject: claims.Subject,
		TokenID: claims.ID,
		Scopes:  claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	h.Success(c, info)
}

// Revoke handles POST /auth/revoke; it revokes the token used for the call.
func (h *AuthHandler) Revoke(c *gin.Context) {
	claims := middleware.GetJWTClaims(c)
	if claims == nil {
		h.ErrorWithCode(c, dto.ErrCodeUnauthorized, "Authentication required")
		return
	}
	if err := h.revoker.Revoke(c.Request.Context(), claims); err != nil {
		h.InternalError(c, "Failed to revoke token")
		return
	}
	h.NoContent(c)
}
