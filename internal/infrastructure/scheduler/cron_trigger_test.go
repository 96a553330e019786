package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	calls map[uuid.UUID][]SyncMode
	busy  map[uuid.UUID]bool
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{calls: map[uuid.UUID][]SyncMode{}, busy: map[uuid.UUID]bool{}}
}

func (r *recordingSubmitter) ScheduleSync(id uuid.UUID, mode SyncMode) (*ConnectionSyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy[id] {
		return nil, ErrSyncAlreadyInProgress
	}
	r.calls[id] = append(r.calls[id], mode)
	return NewConnectionSyncJob(id, mode, 0), nil
}

func TestNewCronTrigger_InvalidSpec(t *testing.T) {
	cfg := DefaultCronTriggerConfig()
	cfg.FullSyncSchedule = "every night"

	_, err := NewCronTrigger(cfg, newRecordingSubmitter(), ConnectionListerFunc(nil), zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "invalid full schedule")
}

func TestCronTrigger_Fire(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	sub := newRecordingSubmitter()
	sub.busy[c] = true
	lister := ConnectionListerFunc(func(context.Context) ([]uuid.UUID, error) {
		return []uuid.UUID{a, b, c}, nil
	})

	trigger, err := NewCronTrigger(DefaultCronTriggerConfig(), sub, lister, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 2, trigger.Fire(context.Background(), SyncModeIncremental))
	assert.Equal(t, 2, trigger.Fire(context.Background(), SyncModeFull))
	assert.Equal(t, []SyncMode{SyncModeIncremental, SyncModeFull}, sub.calls[a])
	assert.Empty(t, sub.calls[c])
}

func TestCronTrigger_Fire_ListError(t *testing.T) {
	sub := newRecordingSubmitter()
	lister := ConnectionListerFunc(func(context.Context) ([]uuid.UUID, error) {
		return nil, errors.New("db down")
	})
	trigger, err := NewCronTrigger(DefaultCronTriggerConfig(), sub, lister, nil)
	require.NoError(t, err)

	assert.Zero(t, trigger.Fire(context.Background(), SyncModeFull))
	assert.Empty(t, sub.calls)
}

func TestCronTrigger_StartStop(t *testing.T) {
	connID := uuid.New()
	sub := newRecordingSubmitter()
	lister := ConnectionListerFunc(func(context.Context) ([]uuid.UUID, error) {
		return []uuid.UUID{connID}, nil
	})
	cfg := CronTriggerConfig{IncrementalSchedule: "@every 1s"}
	trigger, err := NewCronTrigger(cfg, sub, lister, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, trigger.NextRun(SyncModeFull).IsZero(), "empty spec disables the full trigger")

	require.NoError(t, trigger.Start(context.Background()))
	require.NoError(t, trigger.Start(context.Background()))
	assert.False(t, trigger.NextRun(SyncModeIncremental).IsZero())

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.calls[connID]) > 0
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, trigger.Stop(ctx))
	require.NoError(t, trigger.Stop(ctx))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, SyncModeIncremental, sub.calls[connID][0])
}
