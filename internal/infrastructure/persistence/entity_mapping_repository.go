package persistence

import (
	"context"
	"errors"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormEntityMappingRepository implements crm.EntityMappingRepository using GORM
type GormEntityMappingRepository struct {
	db *gorm.DB
}

// NewGormEntityMappingRepository creates a new GormEntityMappingRepository
func NewGormEntityMappingRepository(db *gorm.DB) *GormEntityMappingRepository {
	return &GormEntityMappingRepository{db: db}
}

var _ crm.EntityMappingRepository = (*GormEntityMappingRepository)(nil)

func (r *GormEntityMappingRepository) withChildren(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("FieldMappings", func(db *gorm.DB) *gorm.DB {
			return db.Order("sort_order ASC")
		}).
		Preload("RelationshipMappings")
}

// FindByID finds a mapping with its field and relationship mappings
func (r *GormEntityMappingRepository) FindByID(ctx context.Context, id uuid.UUID) (*crm.EntityMapping, error) {
	var model models.EntityMappingModel
	if err := r.withChildren(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crm.ErrEntityMappingNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByConnection returns all mappings of a connection
func (r *GormEntityMappingRepository) FindByConnection(ctx context.Context, connectionID uuid.UUID) ([]*crm.EntityMapping, error) {
	return r.find(r.withChildren(ctx).Where("connection_id = ?", connectionID))
}

// FindEnabledByConnection returns enabled mappings of a connection in creation order
func (r *GormEntityMappingRepository) FindEnabledByConnection(ctx context.Context, connectionID uuid.UUID) ([]*crm.EntityMapping, error) {
	return r.find(r.withChildren(ctx).Where("connection_id = ? AND enabled = ?", connectionID, true))
}

func (r *GormEntityMappingRepository) find(query *gorm.DB) ([]*crm.EntityMapping, error) {
	var rows []models.EntityMappingModel
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*crm.EntityMapping, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// Save upserts the mapping row and replaces its children in one transaction.
func (r *GormEntityMappingRepository) Save(ctx context.Context, mapping *crm.EntityMapping) error {
	model := models.EntityMappingModelFromDomain(mapping)
	fields := model.FieldMappings
	relationships := model.RelationshipMappings
	model.FieldMappings = nil
	model.RelationshipMappings = nil

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("FieldMappings", "RelationshipMappings").Save(model).Error; err != nil {
			return err
		}
		if err := tx.Where("entity_mapping_id = ?", model.ID).Delete(&models.FieldMappingModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("entity_mapping_id = ?", model.ID).Delete(&models.RelationshipMappingModel{}).Error; err != nil {
			return err
		}
		if len(fields) > 0 {
			if err := tx.Create(&fields).Error; err != nil {
				return err
			}
		}
		if len(relationships) > 0 {
			if err := tx.Create(&relationships).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a mapping and its children
func (r *GormEntityMappingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entity_mapping_id = ?", id).Delete(&models.FieldMappingModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("entity_mapping_id = ?", id).Delete(&models.RelationshipMappingModel{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.EntityMappingModel{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return crm.ErrEntityMappingNotFound
		}
		return nil
	})
}
