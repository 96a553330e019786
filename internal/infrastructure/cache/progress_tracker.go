package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	progressPrefix           = "sync:progress:"
	defaultProgressRetention = time.Hour
)

func newSnapshot(mappingID uuid.UUID, label string, total int64, now time.Time) crm.ProgressSnapshot {
	return crm.ProgressSnapshot{
		SyncID:    uuid.NewString(),
		MappingID: mappingID,
		Label:     label,
		Total:     total,
		State:     crm.ProgressRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
}

func applyTick(p crm.ProgressSnapshot, processed int64, message string, now time.Time) crm.ProgressSnapshot {
	if p.State != crm.ProgressRunning {
		return p
	}
	// ticks may arrive out of order from concurrent workers
	if processed > p.Processed {
		p.Processed = processed
	}
	if message != "" {
		p.Message = message
	}
	p.UpdatedAt = now
	return p
}

func applyCompletion(p crm.ProgressSnapshot, success bool, message string, now time.Time) crm.ProgressSnapshot {
	if p.State != crm.ProgressRunning {
		return p
	}
	if success {
		p.State = crm.ProgressCompleted
	} else {
		p.State = crm.ProgressFailed
	}
	if message != "" {
		p.Message = message
	}
	p.UpdatedAt = now
	p.FinishedAt = &now
	return p
}

// ---------------------------------------------------------------------------
// In-memory
// ---------------------------------------------------------------------------

// InMemoryProgressTracker keeps sync progress for retention after the last
// update.
type InMemoryProgressTracker struct {
	syncs     *ttlMap[crm.ProgressSnapshot]
	retention time.Duration
}

// NewInMemoryProgressTracker creates a tracker; a non-positive retention
// means one hour.
func NewInMemoryProgressTracker(retention time.Duration) *InMemoryProgressTracker {
	if retention <= 0 {
		retention = defaultProgressRetention
	}
	return &InMemoryProgressTracker{
		syncs:     newTTLMap[crm.ProgressSnapshot](defaultCleanupInterval),
		retention: retention,
	}
}

func (t *InMemoryProgressTracker) StartSync(ctx context.Context, mappingID uuid.UUID, label string, totalEstimate int64) (string, error) {
	snap := newSnapshot(mappingID, label, totalEstimate, t.syncs.now())
	t.syncs.set(snap.SyncID, snap, t.retention)
	return snap.SyncID, nil
}

func (t *InMemoryProgressTracker) ReportProgress(ctx context.Context, syncID string, processed int64, message string) error {
	_, ok := t.syncs.update(syncID, t.retention, func(p crm.ProgressSnapshot) crm.ProgressSnapshot {
		return applyTick(p, processed, message, t.syncs.now())
	})
	if !ok {
		return crm.ErrSyncProgressNotFound
	}
	return nil
}

func (t *InMemoryProgressTracker) CompleteSync(ctx context.Context, syncID string, success bool, message string) error {
	_, ok := t.syncs.update(syncID, t.retention, func(p crm.ProgressSnapshot) crm.ProgressSnapshot {
		return applyCompletion(p, success, message, t.syncs.now())
	})
	if !ok {
		return crm.ErrSyncProgressNotFound
	}
	return nil
}

func (t *InMemoryProgressTracker) Get(ctx context.Context, syncID string) (*crm.ProgressSnapshot, error) {
	snap, ok := t.syncs.get(syncID)
	if !ok {
		return nil, crm.ErrSyncProgressNotFound
	}
	return &snap, nil
}

// Close stops the sweeper
func (t *InMemoryProgressTracker) Close() error {
	t.syncs.close()
	return nil
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisProgressTracker stores progress snapshots as JSON so any instance can
// answer progress queries for a sync running elsewhere.
type RedisProgressTracker struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// NewRedisProgressTracker creates a tracker on a shared client
func NewRedisProgressTracker(client redis.UniversalClient, keyPrefix string, retention time.Duration) *RedisProgressTracker {
	if retention <= 0 {
		retention = defaultProgressRetention
	}
	return &RedisProgressTracker{
		client:    client,
		keyPrefix: keyPrefix + progressPrefix,
		retention: retention,
	}
}

func (t *RedisProgressTracker) key(syncID string) string {
	return t.keyPrefix + syncID
}

func (t *RedisProgressTracker) save(ctx context.Context, snap crm.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := t.client.Set(ctx, t.key(snap.SyncID), data, t.retention).Err(); err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	return nil
}

func (t *RedisProgressTracker) load(ctx context.Context, syncID string) (crm.ProgressSnapshot, error) {
	var snap crm.ProgressSnapshot
	data, err := t.client.Get(ctx, t.key(syncID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, crm.ErrSyncProgressNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("failed to load progress: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return snap, nil
}

func (t *RedisProgressTracker) StartSync(ctx context.Context, mappingID uuid.UUID, label string, totalEstimate int64) (string, error) {
	snap := newSnapshot(mappingID, label, totalEstimate, time.Now())
	if err := t.save(ctx, snap); err != nil {
		return "", err
	}
	return snap.SyncID, nil
}

// ReportProgress is a read-modify-write without a transaction. A sync has a
// single writer so lost updates only arise between its own workers, and
// applyTick keeps the highest count.
func (t *RedisProgressTracker) ReportProgress(ctx context.Context, syncID string, processed int64, message string) error {
	snap, err := t.load(ctx, syncID)
	if err != nil {
		return err
	}
	return t.save(ctx, applyTick(snap, processed, message, time.Now()))
}

func (t *RedisProgressTracker) CompleteSync(ctx context.Context, syncID string, success bool, message string) error {
	snap, err := t.load(ctx, syncID)
	if err != nil {
		return err
	}
	return t.save(ctx, applyCompletion(snap, success, message, time.Now()))
}

func (t *RedisProgressTracker) Get(ctx context.Context, syncID string) (*crm.ProgressSnapshot, error) {
	snap, err := t.load(ctx, syncID)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close is a no-op; the client is closed by its owner
func (t *RedisProgressTracker) Close() error {
	return nil
}

var (
	_ crm.ProgressTracker = (*InMemoryProgressTracker)(nil)
	_ crm.ProgressTracker = (*RedisProgressTracker)(nil)
)
