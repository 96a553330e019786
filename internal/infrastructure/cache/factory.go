package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/domain/shared"
	"github.com/authscape/crmsync/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const pingTimeout = 3 * time.Second

// NewRedisClient opens a client and verifies it with PING
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// Stores bundles the short-lived state the sync service keeps outside the
// database.
type Stores struct {
	Idempotency shared.IdempotencyStore
	Sessions    crm.WebhookSessionStore
	Progress    crm.ProgressTracker

	client  redis.UniversalClient
	closers []func() error
}

// Distributed reports whether the stores are shared through Redis
func (s *Stores) Distributed() bool {
	return s.client != nil
}

// Ping checks the Redis client; in-memory stores are always reachable
func (s *Stores) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close releases every store and the Redis client, if any
func (s *Stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreFactory creates stores based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	sessionTTL            time.Duration
	progressRetention     time.Duration
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory stores when Redis is unavailable.
// Default is true (allow fallback)
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(
	redisCfg config.RedisConfig,
	webhookCfg config.WebhookConfig,
	syncCfg config.SyncConfig,
	opts ...StoreFactoryOption,
) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           redisCfg,
		sessionTTL:            webhookCfg.SessionTTL,
		progressRetention:     syncCfg.ProgressRetention,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateInMemoryStores creates process-local stores.
// WARNING: in-memory stores do not share state across instances, so webhook
// deduplication and progress queries only work against the instance that saw
// the event or runs the sync.
func (f *StoreFactory) CreateInMemoryStores() *Stores {
	idem := NewInMemoryIdempotencyStore()
	sessions := NewInMemoryWebhookSessionStore(f.sessionTTL)
	progress := NewInMemoryProgressTracker(f.progressRetention)
	return &Stores{
		Idempotency: idem,
		Sessions:    sessions,
		Progress:    progress,
		closers:     []func() error{idem.Close, sessions.Close, progress.Close},
	}
}

// CreateRedisStores creates stores on a shared client
func (f *StoreFactory) CreateRedisStores(client redis.UniversalClient) *Stores {
	prefix := f.redisConfig.KeyPrefix
	return &Stores{
		Idempotency: NewRedisIdempotencyStore(client, prefix),
		Sessions:    NewRedisWebhookSessionStore(client, prefix, f.sessionTTL),
		Progress:    NewRedisProgressTracker(client, prefix, f.progressRetention),
		client:      client,
	}
}

// CreateStores uses Redis when it is enabled and reachable, and falls back to
// in-memory stores otherwise when fallback is allowed.
func (f *StoreFactory) CreateStores(ctx context.Context) (*Stores, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-memory stores")
		return f.CreateInMemoryStores(), nil
	}

	client, err := NewRedisClient(ctx, f.redisConfig)
	if err == nil {
		f.logger.Info("using Redis stores", zap.String("addr", f.redisConfig.Addr()))
		return f.CreateRedisStores(client), nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory stores. "+
		"Webhook deduplication and progress are not shared across instances.",
		zap.Error(err),
	)
	return f.CreateInMemoryStores(), nil
}
