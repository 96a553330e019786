package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// maxRetryDelay caps the exponential retry backoff.
const maxRetryDelay = 30 * time.Minute

// ---------------------------------------------------------------------------
// Connection Sync Job Types
// ---------------------------------------------------------------------------

// SyncMode selects which connection pass a job runs
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// IsValid reports whether the mode is known
func (m SyncMode) IsValid() bool {
	return m == SyncModeFull || m == SyncModeIncremental
}

// JobStatus represents the status of a connection sync job
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusPartial JobStatus = "PARTIAL"
	JobStatusFailed  JobStatus = "FAILED"
)

// ConnectionSyncJob is one queued connection pass
type ConnectionSyncJob struct {
	ID           uuid.UUID
	ConnectionID uuid.UUID
	Mode         SyncMode
	Status       JobStatus
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	MaxRetries   int
	NextRetryAt  *time.Time

	// Filled from the pass result
	SyncID string
	Stats  crm.SyncStats
}

// NewConnectionSyncJob creates a pending job
func NewConnectionSyncJob(connectionID uuid.UUID, mode SyncMode, maxRetries int) *ConnectionSyncJob {
	return &ConnectionSyncJob{
		ID:           uuid.New(),
		ConnectionID: connectionID,
		Mode:         mode,
		Status:       JobStatusPending,
		MaxRetries:   maxRetries,
	}
}

// Start marks the job as running
func (j *ConnectionSyncJob) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.Error = ""
}

// Complete records the pass result. A pass with record failures but some
// successful records is PARTIAL; one where nothing succeeded is FAILED.
func (j *ConnectionSyncJob) Complete(result *crm.SyncResult) {
	now := time.Now()
	j.CompletedAt = &now
	j.SyncID = result.CorrelationID
	j.Stats = result.Snapshot()

	switch {
	case result.Success:
		j.Status = JobStatusSuccess
	case j.Stats.Processed > j.Stats.Failed:
		j.Status = JobStatusPartial
		j.Error = result.Message
	default:
		j.Status = JobStatusFailed
		j.Error = result.Message
	}
}

// Fail marks the job as failed
func (j *ConnectionSyncJob) Fail(err string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.Error = err
}

// ShouldRetry returns true if the job should be retried
func (j *ConnectionSyncJob) ShouldRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// ScheduleRetry re-arms the job with exponential backoff: baseDelay * 2^(retryCount-1)
func (j *ConnectionSyncJob) ScheduleRetry(baseDelay time.Duration) {
	j.RetryCount++
	j.Status = JobStatusPending
	delay := baseDelay * time.Duration(1<<(j.RetryCount-1))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	nextRetry := time.Now().Add(delay)
	j.NextRetryAt = &nextRetry
	j.Error = ""
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// ConnectionSyncExecutor runs a job's pass
type ConnectionSyncExecutor interface {
	Execute(ctx context.Context, job *ConnectionSyncJob) error
}

// ConnectionSyncer is the slice of the sync service a scheduler drives.
type ConnectionSyncer interface {
	SyncAll(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult
	SyncIncremental(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult
}

// SyncServiceExecutor adapts a ConnectionSyncer to ConnectionSyncExecutor.
type SyncServiceExecutor struct {
	syncer ConnectionSyncer
}

// NewSyncServiceExecutor creates an executor backed by syncer
func NewSyncServiceExecutor(syncer ConnectionSyncer) *SyncServiceExecutor {
	return &SyncServiceExecutor{syncer: syncer}
}

// Execute runs the pass and completes the job. It returns an error only when
// the whole pass failed, which is what makes the job eligible for retry.
func (e *SyncServiceExecutor) Execute(ctx context.Context, job *ConnectionSyncJob) error {
	var result *crm.SyncResult
	switch job.Mode {
	case SyncModeFull:
		result = e.syncer.SyncAll(ctx, job.ConnectionID)
	case SyncModeIncremental:
		result = e.syncer.SyncIncremental(ctx, job.ConnectionID)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSyncMode, job.Mode)
	}

	job.Complete(result)
	if job.Status == JobStatusFailed {
		return fmt.Errorf("%w: %s", ErrConnectionSyncFailed, result.Message)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ConnectionSyncSchedulerConfig
// ---------------------------------------------------------------------------

// ConnectionSyncSchedulerConfig holds configuration for the sync scheduler
type ConnectionSyncSchedulerConfig struct {
	// MaxConcurrentJobs is the number of workers
	MaxConcurrentJobs int
	// JobTimeout bounds a single pass
	JobTimeout time.Duration
	// RetryAttempts is the number of retries for failed jobs
	RetryAttempts int
	// RetryDelay is the base delay between retries
	RetryDelay time.Duration
	// QueueSize is the job channel capacity
	QueueSize int
	// MaxHistory is the number of finished jobs kept for monitoring
	MaxHistory int
}

// DefaultConnectionSyncSchedulerConfig returns default configuration
func DefaultConnectionSyncSchedulerConfig() ConnectionSyncSchedulerConfig {
	return ConnectionSyncSchedulerConfig{
		MaxConcurrentJobs: 3,
		JobTimeout:        30 * time.Minute,
		RetryAttempts:     3,
		RetryDelay:        5 * time.Minute,
		QueueSize:         100,
		MaxHistory:        100,
	}
}

// Validate validates the configuration
func (c *ConnectionSyncSchedulerConfig) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return ErrInvalidConfig
	}
	if c.JobTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.RetryAttempts < 0 {
		return ErrInvalidConfig
	}
	if c.RetryAttempts > 0 && c.RetryDelay <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// ConnectionSyncScheduler
// ---------------------------------------------------------------------------

// ConnectionSyncScheduler runs connection passes on a bounded worker pool.
// At most one job per connection is queued or running at a time.
type ConnectionSyncScheduler struct {
	config   ConnectionSyncSchedulerConfig
	executor ConnectionSyncExecutor
	logger   *zap.Logger

	jobs      chan *ConnectionSyncJob
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	inFlight  map[uuid.UUID]uuid.UUID // connection ID -> job ID

	historyMu sync.RWMutex
	history   []*ConnectionSyncJob
}

// NewConnectionSyncScheduler creates a new scheduler
func NewConnectionSyncScheduler(config ConnectionSyncSchedulerConfig, executor ConnectionSyncExecutor, logger *zap.Logger) (*ConnectionSyncScheduler, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = 100
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConnectionSyncScheduler{
		config:   config,
		executor: executor,
		logger:   logger.Named("sync_scheduler"),
		jobs:     make(chan *ConnectionSyncJob, config.QueueSize),
		inFlight: make(map[uuid.UUID]uuid.UUID),
		history:  make([]*ConnectionSyncJob, 0, config.MaxHistory),
	}, nil
}

// Start starts the worker pool
func (s *ConnectionSyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.MaxConcurrentJobs; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info("Connection sync scheduler started",
		zap.Int("workers", s.config.MaxConcurrentJobs),
		zap.Duration("job_timeout", s.config.JobTimeout),
	)
	return nil
}

// Stop cancels running passes and waits for workers, bounded by ctx
func (s *ConnectionSyncScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	if s.cancel != nil {
		s.cancel()
	}
	close(s.jobs)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Connection sync scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Connection sync scheduler stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether workers are accepting jobs
func (s *ConnectionSyncScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// ScheduleSync enqueues a pass for a connection
func (s *ConnectionSyncScheduler) ScheduleSync(connectionID uuid.UUID, mode SyncMode) (*ConnectionSyncJob, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSyncMode, mode)
	}
	job := NewConnectionSyncJob(connectionID, mode, s.config.RetryAttempts)
	if err := s.SubmitJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitJob submits a job for execution
func (s *ConnectionSyncScheduler) SubmitJob(job *ConnectionSyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return ErrSchedulerNotRunning
	}
	if _, busy := s.inFlight[job.ConnectionID]; busy {
		return ErrSyncAlreadyInProgress
	}

	select {
	case s.jobs <- job:
		s.inFlight[job.ConnectionID] = job.ID
		s.logger.Debug("Connection sync job submitted",
			zap.String("job_id", job.ID.String()),
			zap.String("connection_id", job.ConnectionID.String()),
			zap.String("mode", string(job.Mode)),
		)
		return nil
	default:
		return ErrJobQueueFull
	}
}

func (s *ConnectionSyncScheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			s.processJob(ctx, job, workerID)
		}
	}
}

func (s *ConnectionSyncScheduler) processJob(ctx context.Context, job *ConnectionSyncJob, workerID int) {
	if job.NextRetryAt != nil && time.Now().Before(*job.NextRetryAt) {
		s.requeue(ctx, job)
		return
	}

	job.Start()
	log := s.logger.With(
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID.String()),
		zap.String("connection_id", job.ConnectionID.String()),
		zap.String("mode", string(job.Mode)),
	)
	log.Info("Processing connection sync job", zap.Int("retry_count", job.RetryCount))

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	err := s.executor.Execute(jobCtx, job)
	cancel()

	if err != nil {
		if job.Status != JobStatusFailed {
			job.Fail(err.Error())
		}
		log.Error("Connection sync job failed", zap.Error(err))

		if job.ShouldRetry() && ctx.Err() == nil {
			s.addToHistory(job.snapshot())
			job.ScheduleRetry(s.config.RetryDelay)
			log.Info("Connection sync job scheduled for retry",
				zap.Int("retry_count", job.RetryCount),
				zap.Int("max_retries", job.MaxRetries),
				zap.Time("next_retry_at", *job.NextRetryAt),
			)
			s.requeue(ctx, job)
			return
		}
		s.release(job)
		s.addToHistory(job)
		return
	}

	log.Info("Connection sync job completed",
		zap.String("status", string(job.Status)),
		zap.String("sync_id", job.SyncID),
		zap.Int("processed", job.Stats.Processed),
		zap.Int("failed", job.Stats.Failed),
	)
	s.release(job)
	s.addToHistory(job)
}

// requeue puts a pending retry back on the queue. The job keeps its
// in-flight slot; it is released if the queue cannot take it.
func (s *ConnectionSyncScheduler) requeue(ctx context.Context, job *ConnectionSyncJob) {
	if ctx.Err() == nil && job.NextRetryAt != nil {
		// Avoid spinning on a job that is not due yet.
		wait := time.Until(*job.NextRetryAt)
		if wait > time.Second {
			wait = time.Second
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		select {
		case s.jobs <- job:
			return
		default:
		}
	}
	s.logger.Warn("Failed to re-queue connection sync job",
		zap.String("job_id", job.ID.String()),
		zap.String("connection_id", job.ConnectionID.String()),
	)
	delete(s.inFlight, job.ConnectionID)
}

func (s *ConnectionSyncScheduler) release(job *ConnectionSyncJob) {
	s.mu.Lock()
	if s.inFlight[job.ConnectionID] == job.ID {
		delete(s.inFlight, job.ConnectionID)
	}
	s.mu.Unlock()
}

// snapshot copies the job for history before a retry mutates it
func (j *ConnectionSyncJob) snapshot() *ConnectionSyncJob {
	cp := *j
	return &cp
}

func (s *ConnectionSyncScheduler) addToHistory(job *ConnectionSyncJob) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.history = append([]*ConnectionSyncJob{job}, s.history...)
	if len(s.history) > s.config.MaxHistory {
		s.history = s.history[:s.config.MaxHistory]
	}
}

// GetJobHistory returns recent finished jobs, newest first
func (s *ConnectionSyncScheduler) GetJobHistory(limit int) []*ConnectionSyncJob {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	result := make([]*ConnectionSyncJob, limit)
	copy(result, s.history[:limit])
	return result
}

// GetJobHistoryByConnection returns finished jobs for one connection
func (s *ConnectionSyncScheduler) GetJobHistoryByConnection(connectionID uuid.UUID, limit int) []*ConnectionSyncJob {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	result := make([]*ConnectionSyncJob, 0)
	for _, job := range s.history {
		if job.ConnectionID != connectionID {
			continue
		}
		result = append(result, job)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}
