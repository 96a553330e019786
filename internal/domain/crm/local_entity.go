package crm

import (
	"context"
	"strings"
	"time"
)

// EntityType is the discriminator of a local entity.
type EntityType string

const (
	EntityTypeUser     EntityType = "User"
	EntityTypeCompany  EntityType = "Company"
	EntityTypeLocation EntityType = "Location"
)

// AllEntityTypes lists the local entity types that can be mapped.
var AllEntityTypes = []EntityType{EntityTypeUser, EntityTypeCompany, EntityTypeLocation}

// IsValid reports whether t is a known local entity type
func (t EntityType) IsValid() bool {
	switch t {
	case EntityTypeUser, EntityTypeCompany, EntityTypeLocation:
		return true
	}
	return false
}

// String returns the string value
func (t EntityType) String() string {
	return string(t)
}

// ParseEntityType accepts the canonical name case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range AllEntityTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", ErrInvalidEntityType
}

// LocalEntity is a snapshot of one local record.
type LocalEntity struct {
	Type       EntityType
	ID         int64
	Fields     map[string]Value
	ModifiedAt *time.Time
}

// NewLocalEntity creates an empty snapshot
func NewLocalEntity(t EntityType, id int64) *LocalEntity {
	return &LocalEntity{Type: t, ID: id, Fields: make(map[string]Value)}
}

// Get returns a field; absent fields read as Null.
func (e *LocalEntity) Get(field string) Value {
	if e.Fields == nil {
		return NullValue()
	}
	return e.Fields[field]
}

// Set stores a field
func (e *LocalEntity) Set(field string, v Value) {
	if e.Fields == nil {
		e.Fields = make(map[string]Value)
	}
	e.Fields[field] = v
}

// LocalEntityStore gives the sync engine read/write access to local records.
type LocalEntityStore interface {
	// Get loads a snapshot; returns ErrLocalEntityNotFound when missing.
	Get(ctx context.Context, t EntityType, id int64) (*LocalEntity, error)
	// Create inserts a record from the given fields and returns its id.
	Create(ctx context.Context, t EntityType, fields map[string]Value) (int64, error)
	// Update writes the given fields only; fields not present are left untouched.
	Update(ctx context.Context, t EntityType, id int64, fields map[string]Value) error
	Delete(ctx context.Context, t EntityType, id int64) error
	// ListIDs enumerates all ids of a type in ascending order.
	ListIDs(ctx context.Context, t EntityType) ([]int64, error)
	Count(ctx context.Context, t EntityType) (int64, error)
	// FindByNaturalKey finds a record whose natural key field equals value
	// (case-insensitive). Returns ErrLocalEntityNotFound when there is none.
	FindByNaturalKey(ctx context.Context, t EntityType, value string) (*LocalEntity, error)
}

// ---------------------------------------------------------------------------
// Natural keys
// ---------------------------------------------------------------------------

// NaturalKey names the fields used for identity matching of one entity type.
type NaturalKey struct {
	LocalField  string
	RemoteField string
}

var naturalKeys = map[EntityType]NaturalKey{
	EntityTypeUser:     {LocalField: "Email", RemoteField: "emailaddress1"},
	EntityTypeCompany:  {LocalField: "Title", RemoteField: "name"},
	EntityTypeLocation: {LocalField: "Title", RemoteField: "name"},
}

// NaturalKeyFor returns the natural key of an entity type.
func NaturalKeyFor(t EntityType) (NaturalKey, bool) {
	k, ok := naturalKeys[t]
	return k, ok
}

// Projection is a built-in inbound convenience mapping applied when the local
// field is not explicitly mapped.
type Projection struct {
	RemoteField string
	LocalField  string
}

var inboundProjections = map[EntityType][]Projection{
	EntityTypeUser: {
		{RemoteField: "emailaddress1", LocalField: "Email"},
		{RemoteField: "firstname", LocalField: "FirstName"},
		{RemoteField: "lastname", LocalField: "LastName"},
		{RemoteField: "telephone1", LocalField: "PhoneNumber"},
	},
	EntityTypeCompany: {
		{RemoteField: "name", LocalField: "Title"},
	},
	EntityTypeLocation: {
		{RemoteField: "name", LocalField: "Title"},
	},
}

// InboundProjections returns the convenience projections of an entity type.
func InboundProjections(t EntityType) []Projection {
	return inboundProjections[t]
}
