package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/redis/go-redis/v9"
)

const webhookSessionPrefix = "webhook:session:"

// ---------------------------------------------------------------------------
// In-memory
// ---------------------------------------------------------------------------

// InMemoryWebhookSessionStore keeps webhook sessions in process memory.
// Every successful Get slides the expiry forward by ttl.
type InMemoryWebhookSessionStore struct {
	sessions *ttlMap[crm.WebhookSession]
	ttl      time.Duration
}

// NewInMemoryWebhookSessionStore creates a session store with a sliding ttl
func NewInMemoryWebhookSessionStore(ttl time.Duration) *InMemoryWebhookSessionStore {
	return &InMemoryWebhookSessionStore{
		sessions: newTTLMap[crm.WebhookSession](defaultCleanupInterval),
		ttl:      ttl,
	}
}

// Create stores a session until its ExpiresAt
func (s *InMemoryWebhookSessionStore) Create(ctx context.Context, session *crm.WebhookSession) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return crm.ErrWebhookSessionExpired
	}
	s.sessions.set(session.Token, *session, ttl)
	return nil
}

// Get returns a live session and extends it
func (s *InMemoryWebhookSessionStore) Get(ctx context.Context, token string) (*crm.WebhookSession, error) {
	session, ok := s.sessions.update(token, s.ttl, func(ws crm.WebhookSession) crm.WebhookSession {
		ws.ExpiresAt = s.sessions.now().Add(s.ttl)
		return ws
	})
	if !ok {
		return nil, crm.ErrWebhookSessionExpired
	}
	return &session, nil
}

// Delete removes a session
func (s *InMemoryWebhookSessionStore) Delete(ctx context.Context, token string) error {
	s.sessions.delete(token)
	return nil
}

// Close stops the sweeper
func (s *InMemoryWebhookSessionStore) Close() error {
	s.sessions.close()
	return nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisWebhookSessionStore keeps webhook sessions as JSON values whose Redis
// ttl follows the session expiry.
type RedisWebhookSessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisWebhookSessionStore creates a store on a shared client
func NewRedisWebhookSessionStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisWebhookSessionStore {
	return &RedisWebhookSessionStore{
		client:    client,
		keyPrefix: keyPrefix + webhookSessionPrefix,
		ttl:       ttl,
	}
}

func (s *RedisWebhookSessionStore) key(token string) string {
	return s.keyPrefix + token
}

func (s *RedisWebhookSessionStore) write(ctx context.Context, session *crm.WebhookSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(session.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store webhook session: %w", err)
	}
	return nil
}

// Create stores a session until its ExpiresAt
func (s *RedisWebhookSessionStore) Create(ctx context.Context, session *crm.WebhookSession) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return crm.ErrWebhookSessionExpired
	}
	return s.write(ctx, session, ttl)
}

// Get returns a live session and extends it
func (s *RedisWebhookSessionStore) Get(ctx context.Context, token string) (*crm.WebhookSession, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, crm.ErrWebhookSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook session: %w", err)
	}

	var session crm.WebhookSession
	if err := json.Unmarshal(data, &session); err != nil {
		// corrupted entry: drop it
		_ = s.client.Del(ctx, s.key(token))
		return nil, crm.ErrWebhookSessionExpired
	}
	session.ExpiresAt = time.Now().Add(s.ttl)
	if err := s.write(ctx, &session, s.ttl); err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete removes a session
func (s *RedisWebhookSessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete webhook session: %w", err)
	}
	return nil
}

// Close is a no-op; the client is closed by its owner
func (s *RedisWebhookSessionStore) Close() error {
	return nil
}

var (
	_ crm.WebhookSessionStore = (*InMemoryWebhookSessionStore)(nil)
	_ crm.WebhookSessionStore = (*RedisWebhookSessionStore)(nil)
)
