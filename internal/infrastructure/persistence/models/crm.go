package models

import (
	"encoding/json"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// CRMConnectionModel is the persistence model for crm.Connection. Secrets holds
// the credential envelope written by the repository.
type CRMConnectionModel struct {
	ID            uuid.UUID      `gorm:"type:uuid;primary_key"`
	Name          string         `gorm:"type:varchar(200);not null"`
	ProviderType  string         `gorm:"type:varchar(50);not null"`
	Enabled       bool           `gorm:"not null;index"`
	BaseURL       string         `gorm:"type:varchar(500);not null"`
	Secrets       datatypes.JSON `gorm:"column:secrets"`
	LastSyncAt    *time.Time
	LastSyncError string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CRMConnectionModel) TableName() string {
	return "crm_connections"
}

// ToDomain converts the model to a connection without credentials.
func (m *CRMConnectionModel) ToDomain() *crm.Connection {
	return &crm.Connection{
		ID:            m.ID,
		Name:          m.Name,
		ProviderType:  crm.ProviderType(m.ProviderType),
		Enabled:       m.Enabled,
		BaseURL:       m.BaseURL,
		LastSyncAt:    m.LastSyncAt,
		LastSyncError: m.LastSyncError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// FromDomain populates every column except Secrets.
func (m *CRMConnectionModel) FromDomain(c *crm.Connection) {
	m.ID = c.ID
	m.Name = c.Name
	m.ProviderType = string(c.ProviderType)
	m.Enabled = c.Enabled
	m.BaseURL = c.BaseURL
	m.LastSyncAt = c.LastSyncAt
	m.LastSyncError = c.LastSyncError
	m.CreatedAt = c.CreatedAt
	m.UpdatedAt = c.UpdatedAt
}

// ConnectionSecrets is the plaintext form of the Secrets column.
type ConnectionSecrets struct {
	Credentials   crm.Credentials `json:"credentials"`
	WebhookSecret string          `json:"webhook_secret,omitempty"`
}

// SecretEnvelope is the stored form of the Secrets column. Exactly one of
// Sealed or Plain is set.
type SecretEnvelope struct {
	Sealed string             `json:"sealed,omitempty"`
	Plain  *ConnectionSecrets `json:"plain,omitempty"`
}

// ---------------------------------------------------------------------------
// Entity mapping
// ---------------------------------------------------------------------------

// EntityMappingModel is the persistence model for crm.EntityMapping.
type EntityMappingModel struct {
	ID                   uuid.UUID                  `gorm:"type:uuid;primary_key"`
	ConnectionID         uuid.UUID                  `gorm:"type:uuid;not null;index:idx_crm_entity_mappings_connection"`
	LocalEntityType      string                     `gorm:"type:varchar(50);not null"`
	RemoteEntityName     string                     `gorm:"type:varchar(100);not null"`
	Direction            string                     `gorm:"type:varchar(20);not null"`
	Enabled              bool                       `gorm:"not null"`
	Filter               string                     `gorm:"type:text"`
	FieldMappings        []FieldMappingModel        `gorm:"foreignKey:EntityMappingID;constraint:OnDelete:CASCADE"`
	RelationshipMappings []RelationshipMappingModel `gorm:"foreignKey:EntityMappingID;constraint:OnDelete:CASCADE"`
	CreatedAt            time.Time                  `gorm:"not null"`
	UpdatedAt            time.Time                  `gorm:"not null"`
}

// TableName returns the table name for GORM
func (EntityMappingModel) TableName() string {
	return "crm_entity_mappings"
}

// FieldMappingModel is the persistence model for crm.FieldMapping.
type FieldMappingModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primary_key"`
	EntityMappingID uuid.UUID `gorm:"type:uuid;not null;index"`
	LocalField      string    `gorm:"type:varchar(100);not null"`
	RemoteField     string    `gorm:"type:varchar(100);not null"`
	Direction       string    `gorm:"type:varchar(20)"`
	SortOrder       int       `gorm:"not null;default:0"`
}

// TableName returns the table name for GORM
func (FieldMappingModel) TableName() string {
	return "crm_field_mappings"
}

// RelationshipMappingModel is the persistence model for crm.RelationshipMapping.
type RelationshipMappingModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key"`
	EntityMappingID   uuid.UUID `gorm:"type:uuid;not null;index"`
	LocalField        string    `gorm:"type:varchar(100);not null"`
	RelatedEntityType string    `gorm:"type:varchar(50);not null"`
	RemoteEntityName  string    `gorm:"type:varchar(100);not null"`
	LookupHint        string    `gorm:"type:varchar(100)"`
	SyncNullValues    bool      `gorm:"not null;default:false"`
}

// TableName returns the table name for GORM
func (RelationshipMappingModel) TableName() string {
	return "crm_relationship_mappings"
}

// ToDomain converts the model and its preloaded children.
func (m *EntityMappingModel) ToDomain() *crm.EntityMapping {
	em := &crm.EntityMapping{
		ID:                   m.ID,
		ConnectionID:         m.ConnectionID,
		LocalEntityType:      crm.EntityType(m.LocalEntityType),
		RemoteEntityName:     m.RemoteEntityName,
		Direction:            crm.Direction(m.Direction),
		Enabled:              m.Enabled,
		Filter:               m.Filter,
		FieldMappings:        make([]crm.FieldMapping, 0, len(m.FieldMappings)),
		RelationshipMappings: make([]crm.RelationshipMapping, 0, len(m.RelationshipMappings)),
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
	for _, f := range m.FieldMappings {
		em.FieldMappings = append(em.FieldMappings, crm.FieldMapping{
			ID:          f.ID,
			LocalField:  f.LocalField,
			RemoteField: f.RemoteField,
			Direction:   crm.Direction(f.Direction),
			Order:       f.SortOrder,
		})
	}
	for _, r := range m.RelationshipMappings {
		em.RelationshipMappings = append(em.RelationshipMappings, crm.RelationshipMapping{
			ID:                r.ID,
			LocalField:        r.LocalField,
			RelatedEntityType: crm.EntityType(r.RelatedEntityType),
			RemoteEntityName:  r.RemoteEntityName,
			LookupHint:        r.LookupHint,
			SyncNullValues:    r.SyncNullValues,
		})
	}
	return em
}

// FromDomain populates the model and its children.
func (m *EntityMappingModel) FromDomain(em *crm.EntityMapping) {
	m.ID = em.ID
	m.ConnectionID = em.ConnectionID
	m.LocalEntityType = string(em.LocalEntityType)
	m.RemoteEntityName = em.RemoteEntityName
	m.Direction = string(em.Direction)
	m.Enabled = em.Enabled
	m.Filter = em.Filter
	m.CreatedAt = em.CreatedAt
	m.UpdatedAt = em.UpdatedAt

	m.FieldMappings = make([]FieldMappingModel, 0, len(em.FieldMappings))
	for _, f := range em.FieldMappings {
		id := f.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		m.FieldMappings = append(m.FieldMappings, FieldMappingModel{
			ID:              id,
			EntityMappingID: em.ID,
			LocalField:      f.LocalField,
			RemoteField:     f.RemoteField,
			Direction:       string(f.Direction),
			SortOrder:       f.Order,
		})
	}
	m.RelationshipMappings = make([]RelationshipMappingModel, 0, len(em.RelationshipMappings))
	for _, r := range em.RelationshipMappings {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		m.RelationshipMappings = append(m.RelationshipMappings, RelationshipMappingModel{
			ID:                id,
			EntityMappingID:   em.ID,
			LocalField:        r.LocalField,
			RelatedEntityType: string(r.RelatedEntityType),
			RemoteEntityName:  r.RemoteEntityName,
			LookupHint:        r.LookupHint,
			SyncNullValues:    r.SyncNullValues,
		})
	}
}

// EntityMappingModelFromDomain creates a new persistence model from a domain mapping.
func EntityMappingModelFromDomain(em *crm.EntityMapping) *EntityMappingModel {
	m := &EntityMappingModel{}
	m.FromDomain(em)
	return m
}

// ---------------------------------------------------------------------------
// Correlation entry
// ---------------------------------------------------------------------------

// CorrelationEntryModel is the persistence model for crm.CorrelationEntry.
type CorrelationEntryModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key"`
	ConnectionID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_crm_external_ids_local,priority:1;index:idx_crm_external_ids_remote,priority:1"`
	LocalEntityType   string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_crm_external_ids_local,priority:2"`
	LocalID           int64     `gorm:"not null;uniqueIndex:idx_crm_external_ids_local,priority:3"`
	RemoteEntityName  string    `gorm:"type:varchar(100);not null;index:idx_crm_external_ids_remote,priority:2"`
	RemoteID          string    `gorm:"type:varchar(100);not null;index:idx_crm_external_ids_remote,priority:3"`
	LastSyncedAt      time.Time `gorm:"not null"`
	LastSyncDirection string    `gorm:"type:varchar(20);not null"`
	RemoteModifiedAt  *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CorrelationEntryModel) TableName() string {
	return "crm_external_ids"
}

// ToDomain converts the model to a correlation entry
func (m *CorrelationEntryModel) ToDomain() *crm.CorrelationEntry {
	return &crm.CorrelationEntry{
		ID:                m.ID,
		ConnectionID:      m.ConnectionID,
		LocalEntityType:   crm.EntityType(m.LocalEntityType),
		LocalID:           m.LocalID,
		RemoteEntityName:  m.RemoteEntityName,
		RemoteID:          m.RemoteID,
		LastSyncedAt:      m.LastSyncedAt,
		LastSyncDirection: crm.Direction(m.LastSyncDirection),
		RemoteModifiedAt:  m.RemoteModifiedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// CorrelationEntryModelFromDomain creates a new persistence model from a domain entry.
func CorrelationEntryModelFromDomain(e *crm.CorrelationEntry) *CorrelationEntryModel {
	return &CorrelationEntryModel{
		ID:                e.ID,
		ConnectionID:      e.ConnectionID,
		LocalEntityType:   string(e.LocalEntityType),
		LocalID:           e.LocalID,
		RemoteEntityName:  e.RemoteEntityName,
		RemoteID:          e.RemoteID,
		LastSyncedAt:      e.LastSyncedAt,
		LastSyncDirection: string(e.LastSyncDirection),
		RemoteModifiedAt:  e.RemoteModifiedAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Sync log
// ---------------------------------------------------------------------------

// SyncLogModel is the persistence model for crm.SyncLog.
type SyncLogModel struct {
	ID               uuid.UUID  `gorm:"type:uuid;primary_key"`
	ConnectionID     uuid.UUID  `gorm:"type:uuid;not null;index:idx_crm_sync_logs_connection,priority:1"`
	EntityMappingID  *uuid.UUID `gorm:"type:uuid"`
	SyncID           string     `gorm:"type:varchar(64);index"`
	LocalEntityType  string     `gorm:"type:varchar(50)"`
	LocalID          int64
	RemoteEntityName string `gorm:"type:varchar(100)"`
	RemoteID         string `gorm:"type:varchar(100)"`
	Direction        string `gorm:"type:varchar(20);not null"`
	Action           string `gorm:"type:varchar(20);not null"`
	Status           string `gorm:"type:varchar(20);not null"`
	DurationMs       int64
	Error            string         `gorm:"type:text"`
	Details          datatypes.JSON `gorm:"column:details"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_crm_sync_logs_connection,priority:2"`
}

// TableName returns the table name for GORM
func (SyncLogModel) TableName() string {
	return "crm_sync_logs"
}

// ToDomain converts the model to a sync log
func (m *SyncLogModel) ToDomain() *crm.SyncLog {
	l := &crm.SyncLog{
		ID:               m.ID,
		ConnectionID:     m.ConnectionID,
		EntityMappingID:  m.EntityMappingID,
		SyncID:           m.SyncID,
		LocalEntityType:  crm.EntityType(m.LocalEntityType),
		LocalID:          m.LocalID,
		RemoteEntityName: m.RemoteEntityName,
		RemoteID:         m.RemoteID,
		Direction:        crm.Direction(m.Direction),
		Action:           crm.SyncAction(m.Action),
		Status:           crm.SyncStatus(m.Status),
		Duration:         time.Duration(m.DurationMs) * time.Millisecond,
		Error:            m.Error,
		CreatedAt:        m.CreatedAt,
	}
	if len(m.Details) > 0 {
		var details map[string]string
		if err := json.Unmarshal(m.Details, &details); err == nil {
			l.Details = details
		}
	}
	return l
}

// SyncLogModelFromDomain creates a new persistence model from a domain log.
func SyncLogModelFromDomain(l *crm.SyncLog) *SyncLogModel {
	m := &SyncLogModel{
		ID:               l.ID,
		ConnectionID:     l.ConnectionID,
		EntityMappingID:  l.EntityMappingID,
		SyncID:           l.SyncID,
		LocalEntityType:  string(l.LocalEntityType),
		LocalID:          l.LocalID,
		RemoteEntityName: l.RemoteEntityName,
		RemoteID:         l.RemoteID,
		Direction:        string(l.Direction),
		Action:           string(l.Action),
		Status:           string(l.Status),
		DurationMs:       l.Duration.Milliseconds(),
		Error:            l.Error,
		CreatedAt:        l.CreatedAt,
	}
	if len(l.Details) > 0 {
		if data, err := json.Marshal(l.Details); err == nil {
			m.Details = datatypes.JSON(data)
		}
	}
	return m
}
