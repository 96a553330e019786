package crm

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProgressReporter receives coarse progress ticks. Failures are ignored by
// the sync engine.
type ProgressReporter interface {
	StartSync(ctx context.Context, mappingID uuid.UUID, label string, totalEstimate int64) (string, error)
	ReportProgress(ctx context.Context, syncID string, processed int64, message string) error
	CompleteSync(ctx context.Context, syncID string, success bool, message string) error
}

// ProgressState is the lifecycle state of a tracked sync.
type ProgressState string

const (
	ProgressRunning   ProgressState = "running"
	ProgressCompleted ProgressState = "completed"
	ProgressFailed    ProgressState = "failed"
)

// ProgressSnapshot is the last known state of a tracked sync.
type ProgressSnapshot struct {
	SyncID     string        `json:"sync_id"`
	MappingID  uuid.UUID     `json:"mapping_id"`
	Label      string        `json:"label"`
	Total      int64         `json:"total"`
	Processed  int64         `json:"processed"`
	Message    string        `json:"message"`
	State      ProgressState `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Percent returns completion in [0,100]; zero when the total is unknown.
func (p ProgressSnapshot) Percent() float64 {
	if p.Total <= 0 {
		if p.State == ProgressCompleted {
			return 100
		}
		return 0
	}
	pct := float64(p.Processed) * 100 / float64(p.Total)
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressTracker is a ProgressReporter whose state can be queried.
type ProgressTracker interface {
	ProgressReporter
	Get(ctx context.Context, syncID string) (*ProgressSnapshot, error)
}
