package scheduler

import "errors"

var (
	// ErrSchedulerNotRunning is returned when trying to submit a job to a stopped scheduler
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrJobQueueFull is returned when the job queue is full
	ErrJobQueueFull = errors.New("job queue is full")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")

	// ErrInvalidSyncMode is returned for unknown sync modes
	ErrInvalidSyncMode = errors.New("invalid sync mode")

	// ErrConnectionSyncFailed is returned when a whole connection pass fails
	ErrConnectionSyncFailed = errors.New("connection sync failed")

	// ErrSyncAlreadyInProgress is returned when a job for the connection is already queued or running
	ErrSyncAlreadyInProgress = errors.New("sync already in progress for this connection")
)
