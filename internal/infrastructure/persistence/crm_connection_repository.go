package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GormConnectionRepository implements crm.ConnectionRepository using GORM.
// Credentials are sealed with the cipher when one is configured.
type GormConnectionRepository struct {
	db     *gorm.DB
	cipher *CredentialCipher
}

// NewGormConnectionRepository creates a new GormConnectionRepository
func NewGormConnectionRepository(db *gorm.DB, cipher *CredentialCipher) *GormConnectionRepository {
	return &GormConnectionRepository{db: db, cipher: cipher}
}

var _ crm.ConnectionRepository = (*GormConnectionRepository)(nil)

// FindByID finds a connection by its ID
func (r *GormConnectionRepository) FindByID(ctx context.Context, id uuid.UUID) (*crm.Connection, error) {
	var model models.CRMConnectionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crm.ErrConnectionNotFound
		}
		return nil, err
	}
	return r.toDomain(&model)
}

// FindAll returns every connection ordered by name
func (r *GormConnectionRepository) FindAll(ctx context.Context) ([]*crm.Connection, error) {
	return r.find(r.db.WithContext(ctx).Order("name ASC"))
}

// FindEnabled returns enabled connections ordered by name
func (r *GormConnectionRepository) FindEnabled(ctx context.Context) ([]*crm.Connection, error) {
	return r.find(r.db.WithContext(ctx).Where("enabled = ?", true).Order("name ASC"))
}

func (r *GormConnectionRepository) find(query *gorm.DB) ([]*crm.Connection, error) {
	var rows []models.CRMConnectionModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*crm.Connection, 0, len(rows))
	for i := range rows {
		conn, err := r.toDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// Save inserts or updates a connection including its secrets.
func (r *GormConnectionRepository) Save(ctx context.Context, conn *crm.Connection) error {
	model := &models.CRMConnectionModel{}
	model.FromDomain(conn)

	secrets, err := r.encodeSecrets(conn)
	if err != nil {
		return err
	}
	model.Secrets = secrets

	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return err
	}
	conn.MarkPersisted()
	return nil
}

// Delete removes a connection with its mappings and correlation entries.
// Sync logs are kept as audit history.
func (r *GormConnectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", id).Delete(&models.CorrelationEntryModel{}).Error; err != nil {
			return err
		}
		mappingIDs := tx.Model(&models.EntityMappingModel{}).Select("id").Where("connection_id = ?", id)
		if err := tx.Where("entity_mapping_id IN (?)", mappingIDs).Delete(&models.FieldMappingModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("entity_mapping_id IN (?)", mappingIDs).Delete(&models.RelationshipMappingModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("connection_id = ?", id).Delete(&models.EntityMappingModel{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.CRMConnectionModel{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return crm.ErrConnectionNotFound
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Secrets
// ---------------------------------------------------------------------------

func (r *GormConnectionRepository) encodeSecrets(conn *crm.Connection) (datatypes.JSON, error) {
	plain := &models.ConnectionSecrets{
		Credentials:   conn.Credentials(),
		WebhookSecret: conn.WebhookSecret,
	}
	envelope := models.SecretEnvelope{}
	if r.cipher == nil {
		envelope.Plain = plain
	} else {
		data, err := json.Marshal(plain)
		if err != nil {
			return nil, err
		}
		sealed, err := r.cipher.Seal(data)
		if err != nil {
			return nil, err
		}
		envelope.Sealed = sealed
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func (r *GormConnectionRepository) toDomain(model *models.CRMConnectionModel) (*crm.Connection, error) {
	conn := model.ToDomain()
	if len(model.Secrets) == 0 {
		return conn, nil
	}

	var envelope models.SecretEnvelope
	if err := json.Unmarshal(model.Secrets, &envelope); err != nil {
		return nil, fmt.Errorf("connection %s: malformed secrets: %w", model.ID, err)
	}

	secrets := envelope.Plain
	if envelope.Sealed != "" {
		if r.cipher == nil {
			return nil, fmt.Errorf("connection %s: %w: no credential key configured", model.ID, ErrCredentialDecrypt)
		}
		data, err := r.cipher.Open(envelope.Sealed)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", model.ID, err)
		}
		secrets = &models.ConnectionSecrets{}
		if err := json.Unmarshal(data, secrets); err != nil {
			return nil, fmt.Errorf("connection %s: malformed secrets: %w", model.ID, err)
		}
	}
	if secrets != nil {
		conn.RestoreCredentials(secrets.Credentials)
		conn.WebhookSecret = secrets.WebhookSecret
	}
	return conn, nil
}
