package crm

import (
	"fmt"
	"sync"
	"time"
)

// SyncStats are the per-run counters.
type SyncStats struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Inbound   int `json:"inbound"`
	Outbound  int `json:"outbound"`
}

// SyncResult aggregates one orchestration run. Safe for concurrent use by record workers.
type SyncResult struct {
	mu sync.Mutex

	CorrelationID string        `json:"correlation_id"`
	Stats         SyncStats     `json:"stats"`
	Errors        []string      `json:"errors"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	Message       string        `json:"message"`

	started time.Time
}

// NewSyncResult starts a result clock
func NewSyncResult(correlationID string) *SyncResult {
	return &SyncResult{
		CorrelationID: correlationID,
		Errors:        make([]string, 0),
		started:       time.Now(),
	}
}

// AddError appends a formatted error message.
func (r *SyncResult) AddError(format string, args ...any) {
	r.mu.Lock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

// Count applies a mutation to the stats under the lock.
func (r *SyncResult) Count(fn func(s *SyncStats)) {
	r.mu.Lock()
	fn(&r.Stats)
	r.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (r *SyncResult) Snapshot() SyncStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Stats
}

// ErrorCount returns the number of accumulated errors
func (r *SyncResult) ErrorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Errors)
}

// Merge folds another result into r.
func (r *SyncResult) Merge(o *SyncResult) {
	if o == nil || o == r {
		return
	}
	o.mu.Lock()
	stats := o.Stats
	errs := append([]string(nil), o.Errors...)
	o.mu.Unlock()

	r.mu.Lock()
	r.Stats.Processed += stats.Processed
	r.Stats.Created += stats.Created
	r.Stats.Updated += stats.Updated
	r.Stats.Deleted += stats.Deleted
	r.Stats.Failed += stats.Failed
	r.Stats.Skipped += stats.Skipped
	r.Stats.Inbound += stats.Inbound
	r.Stats.Outbound += stats.Outbound
	r.Errors = append(r.Errors, errs...)
	r.mu.Unlock()
}

// Finish sets Duration and Success, and a default message when none was set.
func (r *SyncResult) Finish() *SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Duration = time.Since(r.started)
	r.Success = len(r.Errors) == 0
	if r.Message == "" {
		if r.Success {
			r.Message = fmt.Sprintf("Sync completed: %d processed, %d created, %d updated, %d deleted, %d skipped",
				r.Stats.Processed, r.Stats.Created, r.Stats.Updated, r.Stats.Deleted, r.Stats.Skipped)
		} else {
			r.Message = fmt.Sprintf("Sync completed with %d error(s): %d processed, %d failed, %d skipped",
				len(r.Errors), r.Stats.Processed, r.Stats.Failed, r.Stats.Skipped)
		}
	}
	return r
}

// Abort records a pass-level failure before any record was touched.
func (r *SyncResult) Abort(err error) *SyncResult {
	r.mu.Lock()
	r.Errors = append(r.Errors, err.Error())
	r.Message = err.Error()
	r.mu.Unlock()
	return r.Finish()
}
