package crm

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CorrelationEntry links one local record to one remote record.
type CorrelationEntry struct {
	ID                uuid.UUID
	ConnectionID      uuid.UUID
	LocalEntityType   EntityType
	LocalID           int64
	RemoteEntityName  string
	RemoteID          string
	LastSyncedAt      time.Time
	LastSyncDirection Direction
	// RemoteModifiedAt is the remote modification stamp seen at the last sync
	RemoteModifiedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewCorrelationEntry creates an entry stamped as synced now.
func NewCorrelationEntry(connectionID uuid.UUID, localType EntityType, localID int64, remoteEntity, remoteID string, direction Direction) *CorrelationEntry {
	now := time.Now().UTC()
	return &CorrelationEntry{
		ID:                uuid.New(),
		ConnectionID:      connectionID,
		LocalEntityType:   localType,
		LocalID:           localID,
		RemoteEntityName:  remoteEntity,
		RemoteID:          NormalizeRemoteID(remoteID),
		LastSyncedAt:      now,
		LastSyncDirection: direction,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// NormalizeRemoteID returns the canonical form of a remote record id.
// Remote GUIDs compare case-insensitively and are stored lower-cased.
func NormalizeRemoteID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Touch records a successful sync in the given direction.
func (e *CorrelationEntry) Touch(direction Direction, remoteModified *time.Time) {
	now := time.Now().UTC()
	e.LastSyncedAt = now
	e.LastSyncDirection = direction
	if remoteModified != nil {
		t := remoteModified.UTC()
		e.RemoteModifiedAt = &t
	}
	e.UpdatedAt = now
}

// LocalUnchanged reports whether a local record modified at t needs no outbound push.
func (e *CorrelationEntry) LocalUnchanged(modifiedAt *time.Time) bool {
	return modifiedAt != nil && !modifiedAt.After(e.LastSyncedAt)
}

// RemoteUnchanged reports whether a remote record modified at t needs no inbound pull.
func (e *CorrelationEntry) RemoteUnchanged(modifiedOn *time.Time) bool {
	if modifiedOn == nil {
		return false
	}
	if e.RemoteModifiedAt != nil && !modifiedOn.After(*e.RemoteModifiedAt) {
		return true
	}
	return !modifiedOn.After(e.LastSyncedAt)
}

// CorrelationStore is the durable source of truth for record linkage.
// Reads observe writes made earlier through the same store.
type CorrelationStore interface {
	// GetByLocal returns ErrCorrelationNotFound when the local record is unlinked.
	GetByLocal(ctx context.Context, connectionID uuid.UUID, localType EntityType, localID int64) (*CorrelationEntry, error)
	// GetByRemote returns ErrCorrelationNotFound when unlinked and
	// ErrDuplicateCorrelation when more than one entry references the remote record.
	GetByRemote(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) (*CorrelationEntry, error)
	// Upsert inserts or updates the entry keyed by (connection, local type, local id).
	Upsert(ctx context.Context, entry *CorrelationEntry) error
	DeleteByLocal(ctx context.Context, connectionID uuid.UUID, localType EntityType, localID int64) error
	DeleteByRemote(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) error
	ListByConnectionAndType(ctx context.Context, connectionID uuid.UUID, localType EntityType) ([]CorrelationEntry, error)
	DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error
}
