package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client, "crmsync:")
	ctx := context.Background()

	isNew, err := store.MarkProcessed(ctx, "conn-1:evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = store.MarkProcessed(ctx, "conn-1:evt-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, isNew)

	assert.True(t, mr.Exists("crmsync:webhook:event:conn-1:evt-1"))

	processed, err := store.IsProcessed(ctx, "conn-1:evt-1")
	require.NoError(t, err)
	assert.True(t, processed)

	mr.FastForward(2 * time.Hour)

	processed, err = store.IsProcessed(ctx, "conn-1:evt-1")
	require.NoError(t, err)
	assert.False(t, processed)

	isNew, err = store.MarkProcessed(ctx, "conn-1:evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, isNew, "expired event should be reprocessable")

	require.NoError(t, store.Release(ctx, "conn-1:evt-1"))
	assert.False(t, mr.Exists("crmsync:webhook:event:conn-1:evt-1"))
	isNew, err = store.MarkProcessed(ctx, "conn-1:evt-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, isNew, "released event should be claimable again")
}

func TestRedisIdempotencyStore_ConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisIdempotencyStore(client, "")
	mr.Close()

	_, err := store.MarkProcessed(context.Background(), "evt", time.Minute)
	assert.Error(t, err)
}

func TestRedisWebhookSessionStore(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisWebhookSessionStore(client, "crmsync:", time.Hour)
	ctx := context.Background()

	session, err := crm.NewWebhookSession(uuid.New(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, session))

	key := "crmsync:webhook:session:" + session.Token
	assert.True(t, mr.Exists(key))

	t.Run("get slides the expiry", func(t *testing.T) {
		mr.FastForward(50 * time.Minute)

		got, err := store.Get(ctx, session.Token)
		require.NoError(t, err)
		assert.Equal(t, session.ConnectionID, got.ConnectionID)
		assert.False(t, got.ExpiresAt.Before(session.ExpiresAt))

		mr.FastForward(50 * time.Minute)
		_, err = store.Get(ctx, session.Token)
		require.NoError(t, err, "session should survive past its original expiry")
	})

	t.Run("expired session", func(t *testing.T) {
		mr.FastForward(2 * time.Hour)
		_, err := store.Get(ctx, session.Token)
		assert.ErrorIs(t, err, crm.ErrWebhookSessionExpired)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, crm.ErrWebhookSessionExpired)
	})

	t.Run("corrupted entry is dropped", func(t *testing.T) {
		require.NoError(t, mr.Set("crmsync:webhook:session:bad", "{not json"))
		_, err := store.Get(ctx, "bad")
		assert.ErrorIs(t, err, crm.ErrWebhookSessionExpired)
		assert.False(t, mr.Exists("crmsync:webhook:session:bad"))
	})

	t.Run("delete", func(t *testing.T) {
		other, err := crm.NewWebhookSession(uuid.New(), time.Hour)
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, other))
		require.NoError(t, store.Delete(ctx, other.Token))
		_, err = store.Get(ctx, other.Token)
		assert.ErrorIs(t, err, crm.ErrWebhookSessionExpired)
	})
}

func TestRedisProgressTracker(t *testing.T) {
	mr, client := newTestRedis(t)
	tracker := NewRedisProgressTracker(client, "crmsync:", 10*time.Minute)
	ctx := context.Background()
	mappingID := uuid.New()

	syncID, err := tracker.StartSync(ctx, mappingID, "User -> contact", 10)
	require.NoError(t, err)
	require.NotEmpty(t, syncID)

	require.NoError(t, tracker.ReportProgress(ctx, syncID, 4, "4 of 10"))
	// a stale tick never moves progress backwards
	require.NoError(t, tracker.ReportProgress(ctx, syncID, 2, ""))

	snap, err := tracker.Get(ctx, syncID)
	require.NoError(t, err)
	assert.Equal(t, mappingID, snap.MappingID)
	assert.Equal(t, int64(4), snap.Processed)
	assert.Equal(t, "4 of 10", snap.Message)
	assert.Equal(t, crm.ProgressRunning, snap.State)
	assert.InDelta(t, 40.0, snap.Percent(), 0.001)

	require.NoError(t, tracker.CompleteSync(ctx, syncID, false, "auth failed"))
	snap, err = tracker.Get(ctx, syncID)
	require.NoError(t, err)
	assert.Equal(t, crm.ProgressFailed, snap.State)
	require.NotNil(t, snap.FinishedAt)

	// finished syncs ignore late ticks
	require.NoError(t, tracker.ReportProgress(ctx, syncID, 9, "late"))
	snap, err = tracker.Get(ctx, syncID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Processed)

	mr.FastForward(11 * time.Minute)
	_, err = tracker.Get(ctx, syncID)
	assert.ErrorIs(t, err, crm.ErrSyncProgressNotFound)
	assert.ErrorIs(t, tracker.ReportProgress(ctx, syncID, 1, ""), crm.ErrSyncProgressNotFound)
}

func TestStoreFactory_CreateStores(t *testing.T) {
	webhookCfg := config.WebhookConfig{SessionTTL: time.Hour}
	syncCfg := config.SyncConfig{ProgressRetention: time.Hour}

	t.Run("redis disabled", func(t *testing.T) {
		f := NewStoreFactory(config.RedisConfig{Enabled: false}, webhookCfg, syncCfg)
		stores, err := f.CreateStores(context.Background())
		require.NoError(t, err)
		defer stores.Close()

		assert.False(t, stores.Distributed())
		assert.IsType(t, &InMemoryIdempotencyStore{}, stores.Idempotency)
		assert.NoError(t, stores.Ping(context.Background()))
	})

	t.Run("redis available", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := redisConfigFor(t, mr)
		f := NewStoreFactory(cfg, webhookCfg, syncCfg)

		stores, err := f.CreateStores(context.Background())
		require.NoError(t, err)
		defer stores.Close()

		assert.True(t, stores.Distributed())
		assert.IsType(t, &RedisProgressTracker{}, stores.Progress)
		require.NoError(t, stores.Ping(context.Background()))

		mr.Close()
		assert.Error(t, stores.Ping(context.Background()))
	})

	t.Run("redis unreachable with fallback", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := redisConfigFor(t, mr)
		mr.Close()

		stores, err := NewStoreFactory(cfg, webhookCfg, syncCfg).CreateStores(context.Background())
		require.NoError(t, err)
		defer stores.Close()
		assert.False(t, stores.Distributed())
	})

	t.Run("redis unreachable without fallback", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := redisConfigFor(t, mr)
		mr.Close()

		_, err := NewStoreFactory(cfg, webhookCfg, syncCfg, WithInMemoryFallback(false)).
			CreateStores(context.Background())
		assert.Error(t, err)
	})
}

func redisConfigFor(t *testing.T, mr *miniredis.Miniredis) config.RedisConfig {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return config.RedisConfig{Enabled: true, Host: mr.Host(), Port: port, KeyPrefix: "crmsync:"}
}
