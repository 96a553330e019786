package crm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// WebhookSession authorizes webhook deliveries for one connection.
type WebhookSession struct {
	Token        string    `json:"token"`
	ConnectionID uuid.UUID `json:"connection_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NewWebhookSession creates a session with a random 32-byte token.
func NewWebhookSession(connectionID uuid.UUID, ttl time.Duration) (*WebhookSession, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return &WebhookSession{
		Token:        hex.EncodeToString(buf),
		ConnectionID: connectionID,
		ExpiresAt:    time.Now().Add(ttl),
	}, nil
}

// Expired reports whether the session is no longer valid at now
func (s *WebhookSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// WebhookSessionStore holds sessions with TTL eviction.
type WebhookSessionStore interface {
	Create(ctx context.Context, session *WebhookSession) error
	// Get returns ErrWebhookSessionExpired for unknown or expired tokens and
	// extends the expiry of a live session by its TTL.
	Get(ctx context.Context, token string) (*WebhookSession, error)
	Delete(ctx context.Context, token string) error
	Close() error
}
