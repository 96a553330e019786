package crm

import (
	"context"
	"net/http"
	"time"
)

// EntitySchema describes one remote entity.
type EntitySchema struct {
	LogicalName          string `json:"logical_name"`
	DisplayName          string `json:"display_name"`
	EntitySetName        string `json:"entity_set_name"`
	PrimaryIDAttribute   string `json:"primary_id_attribute"`
	PrimaryNameAttribute string `json:"primary_name_attribute"`
}

// FieldSchema describes one remote attribute.
type FieldSchema struct {
	LogicalName  string    `json:"logical_name"`
	DisplayName  string    `json:"display_name"`
	Type         FieldType `json:"type"`
	IsPrimaryKey bool      `json:"is_primary_key"`
	IsLookup     bool      `json:"is_lookup"`
	IsReadOnly   bool      `json:"is_read_only"`
	Required     bool      `json:"required"`
	Targets      []string  `json:"targets,omitempty"`
}

// LookupField is a relationship attribute as seen by the Lookup Resolver.
// LogicalName is the wire-level name used to bind writes; for polymorphic
// lookups there is one LookupField per target, each with its own name.
type LookupField struct {
	LogicalName   string   `json:"logical_name"`
	AttributeName string   `json:"attribute_name"`
	DisplayName   string   `json:"display_name"`
	Targets       []string `json:"targets"`
}

// Condition is an equality test added to a ListRecords filter.
type Condition struct {
	Field string
	Value Value
}

// ListQuery parameterises ListRecords. A nil ModifiedSince lists all records.
type ListQuery struct {
	EntityName    string
	ModifiedSince *time.Time
	// Filter is a provider-specific expression ANDed with the other clauses
	Filter     string
	Conditions []Condition
	// Top limits the result; zero means no limit
	Top    int
	Select []string
}

// WebhookOperation is the remote change carried by a webhook.
type WebhookOperation string

const (
	WebhookCreate WebhookOperation = "Create"
	WebhookUpdate WebhookOperation = "Update"
	WebhookDelete WebhookOperation = "Delete"
)

// WebhookEvent is a decoded webhook delivery.
type WebhookEvent struct {
	EntityName string
	RecordID   string
	Operation  WebhookOperation
	// EventID identifies the delivery for de-duplication
	EventID    string
	OccurredAt time.Time
}

// Provider is the capability contract every CRM backend implements. All
// remote failures are returned as *ProviderError. Providers may refresh
// tokens on the connection they are given.
type Provider interface {
	// ValidateConnection checks reachability and auth; it never fails, only returns false.
	ValidateConnection(ctx context.Context, conn *Connection) bool
	DiscoverEntities(ctx context.Context, conn *Connection) ([]EntitySchema, error)
	DiscoverFields(ctx context.Context, conn *Connection, entityName string) ([]FieldSchema, error)
	// GetRecord returns an error matching ErrRecordNotFound when the record is gone.
	GetRecord(ctx context.Context, conn *Connection, entityName, id string) (*Record, error)
	// ListRecords returns records ordered by remote modification time, newest first.
	ListRecords(ctx context.Context, conn *Connection, q ListQuery) ([]*Record, error)
	CreateRecord(ctx context.Context, conn *Connection, entityName string, rec *Record) (string, error)
	UpdateRecord(ctx context.Context, conn *Connection, entityName, id string, rec *Record) error
	DeleteRecord(ctx context.Context, conn *Connection, entityName, id string) error
	// DiscoverLookupFields lists lookup attributes of entityName, narrowed to
	// those that can target targetEntity when it is not empty.
	DiscoverLookupFields(ctx context.Context, conn *Connection, entityName, targetEntity string) ([]LookupField, error)
	// ParseWebhook returns nil, nil for payloads that carry no record change.
	ParseWebhook(payload []byte, headers http.Header) (*WebhookEvent, error)
	ValidateWebhookSignature(conn *Connection, payload []byte, headers http.Header) bool
}

// RecordCounter is an optional Provider capability used for progress estimates.
type RecordCounter interface {
	CountRecords(ctx context.Context, conn *Connection, q ListQuery) (int64, error)
}

// ProviderFactory returns the Provider implementation for a connection.
type ProviderFactory interface {
	ProviderFor(conn *Connection) (Provider, error)
}
