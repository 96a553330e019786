package crm

import (
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

// CredentialsRequest carries connection credential material. Secrets are
// write-only: responses never echo them.
type CredentialsRequest struct {
	TenantID     string `json:"tenant_id" binding:"max=100"`
	ClientID     string `json:"client_id" binding:"max=200"`
	ClientSecret string `json:"client_secret" binding:"max=500"`
	RefreshToken string `json:"refresh_token" binding:"max=4000"`
	Scope        string `json:"scope" binding:"max=500"`
	TokenURL     string `json:"token_url" binding:"omitempty,url"`
}

func (r CredentialsRequest) toDomain() crm.Credentials {
	return crm.Credentials{
		TenantID:     r.TenantID,
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		RefreshToken: r.RefreshToken,
		Scope:        r.Scope,
		TokenURL:     r.TokenURL,
	}
}

// CreateConnectionRequest represents a request to create a CRM connection
type CreateConnectionRequest struct {
	Name          string             `json:"name" binding:"required,min=1,max=100"`
	ProviderType  string             `json:"provider_type" binding:"required,oneof=dynamics365"`
	BaseURL       string             `json:"base_url" binding:"required,url"`
	Credentials   CredentialsRequest `json:"credentials"`
	WebhookSecret string             `json:"webhook_secret" binding:"max=200"`
	Enabled       *bool              `json:"enabled"`
}

// UpdateConnectionRequest represents a request to update a CRM connection.
// Nil fields are left unchanged; non-nil credentials replace the stored ones.
type UpdateConnectionRequest struct {
	Name          *string             `json:"name" binding:"omitempty,min=1,max=100"`
	BaseURL       *string             `json:"base_url" binding:"omitempty,url"`
	Credentials   *CredentialsRequest `json:"credentials"`
	WebhookSecret *string             `json:"webhook_secret" binding:"omitempty,max=200"`
	Enabled       *bool               `json:"enabled"`
}

// ConnectionResponse represents a connection in API responses
type ConnectionResponse struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	ProviderType     string     `json:"provider_type"`
	BaseURL          string     `json:"base_url"`
	Enabled          bool       `json:"enabled"`
	TenantID         string     `json:"tenant_id,omitempty"`
	ClientID         string     `json:"client_id,omitempty"`
	HasClientSecret  bool       `json:"has_client_secret"`
	HasRefreshToken  bool       `json:"has_refresh_token"`
	HasWebhookSecret bool       `json:"has_webhook_secret"`
	TokenExpiresAt   *time.Time `json:"token_expires_at,omitempty"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastSyncError    string     `json:"last_sync_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ToConnectionResponse converts a domain Connection to a response
func ToConnectionResponse(c *crm.Connection) ConnectionResponse {
	creds := c.Credentials()
	return ConnectionResponse{
		ID:               c.ID,
		Name:             c.Name,
		ProviderType:     string(c.ProviderType),
		BaseURL:          c.BaseURL,
		Enabled:          c.Enabled,
		TenantID:         creds.TenantID,
		ClientID:         creds.ClientID,
		HasClientSecret:  creds.ClientSecret != "",
		HasRefreshToken:  creds.RefreshToken != "",
		HasWebhookSecret: c.WebhookSecret != "",
		TokenExpiresAt:   creds.TokenExpiresAt,
		LastSyncAt:       c.LastSyncAt,
		LastSyncError:    c.LastSyncError,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

// TestConnectionResponse is the outcome of a connectivity check
type TestConnectionResponse struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
}

// ---------------------------------------------------------------------------
// Mappings
// ---------------------------------------------------------------------------

// FieldMappingRequest describes one field pair
type FieldMappingRequest struct {
	LocalField  string `json:"local_field" binding:"required,max=100"`
	RemoteField string `json:"remote_field" binding:"required,max=100"`
	Direction   string `json:"direction" binding:"omitempty,oneof=Outbound Inbound Bidirectional"`
	Order       int    `json:"order"`
}

// CreateMappingRequest represents a request to create an entity mapping
type CreateMappingRequest struct {
	LocalEntityType  string                `json:"local_entity_type" binding:"required,oneof=User Company Location"`
	RemoteEntityName string                `json:"remote_entity_name" binding:"required,min=1,max=100"`
	Direction        string                `json:"direction" binding:"omitempty,oneof=Outbound Inbound Bidirectional"`
	Filter           string                `json:"filter" binding:"max=1000"`
	Enabled          *bool                 `json:"enabled"`
	FieldMappings    []FieldMappingRequest `json:"field_mappings" binding:"omitempty,dive"`
}

// UpdateMappingRequest represents a request to update an entity mapping
type UpdateMappingRequest struct {
	Direction *string `json:"direction" binding:"omitempty,oneof=Outbound Inbound Bidirectional"`
	Filter    *string `json:"filter" binding:"omitempty,max=1000"`
	Enabled   *bool   `json:"enabled"`
}

// ReplaceFieldMappingsRequest replaces the whole field mapping set
type ReplaceFieldMappingsRequest struct {
	Fields []FieldMappingRequest `json:"fields" binding:"dive"`
}

// RelationshipMappingRequest represents a request to add a relationship mapping
type RelationshipMappingRequest struct {
	LocalField        string `json:"local_field" binding:"required,max=100"`
	RelatedEntityType string `json:"related_entity_type" binding:"required,oneof=User Company Location"`
	RemoteEntityName  string `json:"remote_entity_name" binding:"required,max=100"`
	LookupHint        string `json:"lookup_hint" binding:"max=100"`
	SyncNullValues    bool   `json:"sync_null_values"`
}

// FieldMappingResponse represents a field mapping in API responses
type FieldMappingResponse struct {
	ID          uuid.UUID `json:"id"`
	LocalField  string    `json:"local_field"`
	RemoteField string    `json:"remote_field"`
	Direction   string    `json:"direction,omitempty"`
	Order       int       `json:"order"`
}

// RelationshipMappingResponse represents a relationship mapping in API responses
type RelationshipMappingResponse struct {
	ID                uuid.UUID `json:"id"`
	LocalField        string    `json:"local_field"`
	RelatedEntityType string    `json:"related_entity_type"`
	RemoteEntityName  string    `json:"remote_entity_name"`
	LookupHint        string    `json:"lookup_hint,omitempty"`
	SyncNullValues    bool      `json:"sync_null_values"`
}

// MappingResponse represents an entity mapping in API responses
type MappingResponse struct {
	ID                   uuid.UUID                     `json:"id"`
	ConnectionID         uuid.UUID                     `json:"connection_id"`
	LocalEntityType      string                        `json:"local_entity_type"`
	RemoteEntityName     string                        `json:"remote_entity_name"`
	Direction            string                        `json:"direction"`
	Enabled              bool                          `json:"enabled"`
	Filter               string                        `json:"filter,omitempty"`
	FieldMappings        []FieldMappingResponse        `json:"field_mappings"`
	RelationshipMappings []RelationshipMappingResponse `json:"relationship_mappings"`
	// DroppedFields lists remote fields removed by sanitation
	DroppedFields []string  `json:"dropped_fields,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ToMappingResponse converts a domain EntityMapping to a response
func ToMappingResponse(m *crm.EntityMapping) MappingResponse {
	resp := MappingResponse{
		ID:                   m.ID,
		ConnectionID:         m.ConnectionID,
		LocalEntityType:      string(m.LocalEntityType),
		RemoteEntityName:     m.RemoteEntityName,
		Direction:            string(m.Direction),
		Enabled:              m.Enabled,
		Filter:               m.Filter,
		FieldMappings:        make([]FieldMappingResponse, 0, len(m.FieldMappings)),
		RelationshipMappings: make([]RelationshipMappingResponse, 0, len(m.RelationshipMappings)),
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
	for _, f := range m.FieldMappings {
		resp.FieldMappings = append(resp.FieldMappings, FieldMappingResponse{
			ID:          f.ID,
			LocalField:  f.LocalField,
			RemoteField: f.RemoteField,
			Direction:   string(f.Direction),
			Order:       f.Order,
		})
	}
	for _, r := range m.RelationshipMappings {
		resp.RelationshipMappings = append(resp.RelationshipMappings, toRelationshipResponse(r))
	}
	return resp
}

func toRelationshipResponse(r crm.RelationshipMapping) RelationshipMappingResponse {
	return RelationshipMappingResponse{
		ID:                r.ID,
		LocalField:        r.LocalField,
		RelatedEntityType: string(r.RelatedEntityType),
		RemoteEntityName:  r.RemoteEntityName,
		LookupHint:        r.LookupHint,
		SyncNullValues:    r.SyncNullValues,
	}
}

// ---------------------------------------------------------------------------
// Sync requests and logs
// ---------------------------------------------------------------------------

// SyncConnectionRequest selects the kind of connection pass. Async passes
// are queued on the scheduler instead of running in the request.
type SyncConnectionRequest struct {
	Mode  string `json:"mode" binding:"omitempty,oneof=full incremental"`
	Async bool   `json:"async"`
}

// SyncMappingRequest selects a full or incremental mapping pass
type SyncMappingRequest struct {
	FullSync bool `json:"full_sync"`
}

// SyncOutboundRequest addresses one local record
type SyncOutboundRequest struct {
	EntityType string `json:"entity_type" binding:"required,oneof=User Company Location"`
	EntityID   int64  `json:"entity_id" binding:"required,min=1"`
}

// SyncInboundRequest addresses one remote record
type SyncInboundRequest struct {
	RemoteEntity string `json:"remote_entity" binding:"required,max=100"`
	RemoteID     string `json:"remote_id" binding:"required,max=100"`
}

// SyncResultResponse is a SyncResult in API responses
type SyncResultResponse struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	CorrelationID string        `json:"correlation_id"`
	Stats         crm.SyncStats `json:"stats"`
	Errors        []string      `json:"errors"`
	DurationMs    int64         `json:"duration_ms"`
}

// ToSyncResultResponse converts a SyncResult to a response
func ToSyncResultResponse(r *crm.SyncResult) SyncResultResponse {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return SyncResultResponse{
		Success:       r.Success,
		Message:       r.Message,
		CorrelationID: r.CorrelationID,
		Stats:         r.Snapshot(),
		Errors:        errs,
		DurationMs:    r.Duration.Milliseconds(),
	}
}

// SyncLogListFilter narrows a log listing
type SyncLogListFilter struct {
	Status string     `form:"status" binding:"omitempty,oneof=Success Failed Conflict Skipped"`
	Since  *time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit  int        `form:"limit" binding:"omitempty,min=1,max=500"`

	// SortBy is one of created_at, duration_ms, status, action, direction
	SortBy    string `form:"sort_by" binding:"omitempty,max=50"`
	SortOrder string `form:"sort_order" binding:"omitempty,oneof=asc desc ASC DESC"`
}

// SyncLogResponse represents one audit row in API responses
type SyncLogResponse struct {
	ID               uuid.UUID         `json:"id"`
	EntityMappingID  *uuid.UUID        `json:"entity_mapping_id,omitempty"`
	SyncID           string            `json:"sync_id"`
	LocalEntityType  string            `json:"local_entity_type"`
	LocalID          int64             `json:"local_id,omitempty"`
	RemoteEntityName string            `json:"remote_entity_name"`
	RemoteID         string            `json:"remote_id,omitempty"`
	Direction        string            `json:"direction"`
	Action           string            `json:"action"`
	Status           string            `json:"status"`
	DurationMs       int64             `json:"duration_ms"`
	Error            string            `json:"error,omitempty"`
	Details          map[string]string `json:"details,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// SyncLogSummaryResponse counts audit rows per status
type SyncLogSummaryResponse struct {
	Counts map[string]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

func toSyncLogResponse(l crm.SyncLog) SyncLogResponse {
	return SyncLogResponse{
		ID:               l.ID,
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
		Details:          l.Details,
		CreatedAt:        l.CreatedAt,
	}
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

// WebhookSessionResponse is an issued webhook session
type WebhookSessionResponse struct {
	Token        string    `json:"token"`
	ConnectionID uuid.UUID `json:"connection_id"`
	Path         string    `json:"path"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// WebhookDeliveryResponse is the outcome of one webhook delivery
type WebhookDeliveryResponse struct {
	Accepted  bool                `json:"accepted"`
	Duplicate bool                `json:"duplicate,omitempty"`
	Ignored   bool                `json:"ignored,omitempty"`
	EventID   string              `json:"event_id,omitempty"`
	Result    *SyncResultResponse `json:"result,omitempty"`
}
