package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ConnectionLister lists the connections the trigger enqueues passes for.
type ConnectionLister interface {
	EnabledConnectionIDs(ctx context.Context) ([]uuid.UUID, error)
}

// ConnectionListerFunc adapts a function to ConnectionLister
type ConnectionListerFunc func(ctx context.Context) ([]uuid.UUID, error)

// EnabledConnectionIDs calls f
func (f ConnectionListerFunc) EnabledConnectionIDs(ctx context.Context) ([]uuid.UUID, error) {
	return f(ctx)
}

// JobSubmitter enqueues connection passes
type JobSubmitter interface {
	ScheduleSync(connectionID uuid.UUID, mode SyncMode) (*ConnectionSyncJob, error)
}

// CronTriggerConfig holds the cron specs. Both accept standard five-field
// expressions and descriptors such as "@every 15m"; an empty spec disables
// that trigger.
type CronTriggerConfig struct {
	IncrementalSchedule string
	FullSyncSchedule    string
	// ListTimeout bounds the connection listing on each tick
	ListTimeout time.Duration
}

// DefaultCronTriggerConfig returns default cron trigger configuration
func DefaultCronTriggerConfig() CronTriggerConfig {
	return CronTriggerConfig{
		IncrementalSchedule: "@every 15m",
		FullSyncSchedule:    "0 3 * * *",
		ListTimeout:         30 * time.Second,
	}
}

// CronTrigger enqueues incremental and full connection passes on cron schedules.
type CronTrigger struct {
	config    CronTriggerConfig
	submitter JobSubmitter
	lister    ConnectionLister
	logger    *zap.Logger

	mu        sync.Mutex
	cron      *cron.Cron
	entries   map[SyncMode]cron.EntryID
	baseCtx   context.Context
	cancel    context.CancelFunc
	isRunning bool
}

// NewCronTrigger validates the specs and registers the entries. The cron
// does not tick until Start.
func NewCronTrigger(config CronTriggerConfig, submitter JobSubmitter, lister ConnectionLister, logger *zap.Logger) (*CronTrigger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ListTimeout <= 0 {
		config.ListTimeout = 30 * time.Second
	}
	logger = logger.Named("sync_cron")

	t := &CronTrigger{
		config:    config,
		submitter: submitter,
		lister:    lister,
		logger:    logger,
		entries:   make(map[SyncMode]cron.EntryID),
		baseCtx:   context.Background(),
	}
	t.cron = cron.New(
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)

	specs := []struct {
		mode SyncMode
		spec string
	}{
		{SyncModeIncremental, config.IncrementalSchedule},
		{SyncModeFull, config.FullSyncSchedule},
	}
	for _, s := range specs {
		if s.spec == "" {
			continue
		}
		mode := s.mode
		id, err := t.cron.AddFunc(s.spec, func() { t.Fire(t.context(), mode) })
		if err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", mode, s.spec, err)
		}
		t.entries[mode] = id
	}
	return t, nil
}

// Start begins ticking
func (t *CronTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isRunning {
		return nil
	}
	t.baseCtx, t.cancel = context.WithCancel(ctx)
	t.isRunning = true
	t.cron.Start()

	fields := []zap.Field{zap.Int("entries", len(t.entries))}
	for mode, id := range t.entries {
		fields = append(fields, zap.Time("next_"+string(mode), t.cron.Entry(id).Next))
	}
	t.logger.Info("Sync cron trigger started", fields...)
	return nil
}

// Stop halts ticking and waits for a running tick, bounded by ctx
func (t *CronTrigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return nil
	}
	t.isRunning = false
	t.cancel()
	t.mu.Unlock()

	select {
	case <-t.cron.Stop().Done():
		t.logger.Info("Sync cron trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun returns the next scheduled tick for a mode, zero when not scheduled or not started.
func (t *CronTrigger) NextRun(mode SyncMode) time.Time {
	id, ok := t.entries[mode]
	if !ok {
		return time.Time{}
	}
	return t.cron.Entry(id).Next
}

func (t *CronTrigger) context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseCtx
}

// Fire enqueues one pass of the given mode per enabled connection and
// returns how many were enqueued. Connections with a job already queued or
// running are skipped.
func (t *CronTrigger) Fire(ctx context.Context, mode SyncMode) int {
	listCtx, cancel := context.WithTimeout(ctx, t.config.ListTimeout)
	ids, err := t.lister.EnabledConnectionIDs(listCtx)
	cancel()
	if err != nil {
		t.logger.Error("Failed to list enabled connections", zap.String("mode", string(mode)), zap.Error(err))
		return 0
	}

	scheduled := 0
	for _, id := range ids {
		_, err := t.submitter.ScheduleSync(id, mode)
		switch {
		case err == nil:
			scheduled++
		case errors.Is(err, ErrSyncAlreadyInProgress):
			t.logger.Debug("Skipping connection with sync in progress",
				zap.String("connection_id", id.String()), zap.String("mode", string(mode)))
		default:
			t.logger.Error("Failed to schedule connection sync",
				zap.String("connection_id", id.String()),
				zap.String("mode", string(mode)),
				zap.Error(err))
		}
	}

	t.logger.Info("Sync cron fired",
		zap.String("mode", string(mode)),
		zap.Int("connections", len(ids)),
		zap.Int("scheduled", scheduled))
	return scheduled
}

// cronLogger routes robfig/cron's logging to zap
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
