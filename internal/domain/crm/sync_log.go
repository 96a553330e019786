package crm

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SyncAction is the write attempted for a record.
type SyncAction string

const (
	ActionCreate SyncAction = "Create"
	ActionUpdate SyncAction = "Update"
	ActionDelete SyncAction = "Delete"
)

// SyncStatus is the outcome of one record sync attempt.
type SyncStatus string

const (
	StatusSuccess  SyncStatus = "Success"
	StatusFailed   SyncStatus = "Failed"
	StatusConflict SyncStatus = "Conflict"
	StatusSkipped  SyncStatus = "Skipped"
)

// SyncLog is an append-only audit row for one attempted record sync.
type SyncLog struct {
	ID               uuid.UUID
	ConnectionID     uuid.UUID
	EntityMappingID  *uuid.UUID
	SyncID           string
	LocalEntityType  EntityType
	LocalID          int64
	RemoteEntityName string
	RemoteID         string
	Direction        Direction
	Action           SyncAction
	Status           SyncStatus
	Duration         time.Duration
	Error            string
	// Details holds structured notes such as unresolved relationships
	Details   map[string]string
	CreatedAt time.Time
}

// SyncLogFilter narrows log queries
type SyncLogFilter struct {
	Status SyncStatus
	Since  *time.Time
	Limit  int

	// SortBy and SortOrder are validated against a whitelist by the store
	SortBy    string
	SortOrder string
}

// SyncLogRepository persists audit rows. There is no update operation.
type SyncLogRepository interface {
	Append(ctx context.Context, log *SyncLog) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID, filter SyncLogFilter) ([]SyncLog, error)
	CountByStatus(ctx context.Context, connectionID uuid.UUID) (map[SyncStatus]int64, error)
}
