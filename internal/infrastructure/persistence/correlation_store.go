package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCorrelationStore implements crm.CorrelationStore on the crm_external_ids table.
type GormCorrelationStore struct {
	db *gorm.DB
}

// NewGormCorrelationStore creates a new GormCorrelationStore
func NewGormCorrelationStore(db *gorm.DB) *GormCorrelationStore {
	return &GormCorrelationStore{db: db}
}

var _ crm.CorrelationStore = (*GormCorrelationStore)(nil)

// GetByLocal finds the entry linked to a local record
func (s *GormCorrelationStore) GetByLocal(ctx context.Context, connectionID uuid.UUID, localType crm.EntityType, localID int64) (*crm.CorrelationEntry, error) {
	var model models.CorrelationEntryModel
	err := s.db.WithContext(ctx).
		Where("connection_id = ? AND local_entity_type = ? AND local_id = ?", connectionID, string(localType), localID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crm.ErrCorrelationNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// GetByRemote finds the entry linked to a remote record. The id is
// compared in its normalized form.
func (s *GormCorrelationStore) GetByRemote(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) (*crm.CorrelationEntry, error) {
	remoteID = crm.NormalizeRemoteID(remoteID)
	var rows []models.CorrelationEntryModel
	err := s.db.WithContext(ctx).
		Where("connection_id = ? AND remote_entity_name = ? AND remote_id = ?", connectionID, remoteEntity, remoteID).
		Order("created_at ASC").
		Limit(2).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, crm.ErrCorrelationNotFound
	case 1:
		return rows[0].ToDomain(), nil
	default:
		return rows[0].ToDomain(), crm.ErrDuplicateCorrelation
	}
}

// Upsert inserts the entry or updates the row with the same local key.
func (s *GormCorrelationStore) Upsert(ctx context.Context, entry *crm.CorrelationEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.RemoteID = crm.NormalizeRemoteID(entry.RemoteID)

	model := models.CorrelationEntryModelFromDomain(entry)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "connection_id"}, {Name: "local_entity_type"}, {Name: "local_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remote_entity_name",
			"remote_id",
			"last_synced_at",
			"last_sync_direction",
			"remote_modified_at",
			"updated_at",
		}),
	}).Create(model).Error
}

// DeleteByLocal removes the entry of a local record
func (s *GormCorrelationStore) DeleteByLocal(ctx context.Context, connectionID uuid.UUID, localType crm.EntityType, localID int64) error {
	return s.db.WithContext(ctx).
		Where("connection_id = ? AND local_entity_type = ? AND local_id = ?", connectionID, string(localType), localID).
		Delete(&models.CorrelationEntryModel{}).Error
}

// DeleteByRemote removes every entry referencing a remote record
func (s *GormCorrelationStore) DeleteByRemote(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) error {
	return s.db.WithContext(ctx).
		Where("connection_id = ? AND remote_entity_name = ? AND remote_id = ?", connectionID, remoteEntity, crm.NormalizeRemoteID(remoteID)).
		Delete(&models.CorrelationEntryModel{}).Error
}

// ListByConnectionAndType returns entries of one local type ordered by local id
func (s *GormCorrelationStore) ListByConnectionAndType(ctx context.Context, connectionID uuid.UUID, localType crm.EntityType) ([]crm.CorrelationEntry, error) {
	var rows []models.CorrelationEntryModel
	err := s.db.WithContext(ctx).
		Where("connection_id = ? AND local_entity_type = ?", connectionID, string(localType)).
		Order("local_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]crm.CorrelationEntry, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out, nil
}

// DeleteByConnection removes every entry of a connection
func (s *GormCorrelationStore) DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Delete(&models.CorrelationEntryModel{}).Error
}
