package crm

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction is the sync direction of a mapping.
type Direction string

const (
	DirectionInbound       Direction = "Inbound"
	DirectionOutbound      Direction = "Outbound"
	DirectionBidirectional Direction = "Bidirectional"
)

// IsValid reports whether d is a known direction
func (d Direction) IsValid() bool {
	switch d {
	case DirectionInbound, DirectionOutbound, DirectionBidirectional:
		return true
	}
	return false
}

// AllowsInbound reports whether remote-to-local flow is permitted
func (d Direction) AllowsInbound() bool {
	return d == DirectionInbound || d == DirectionBidirectional
}

// AllowsOutbound reports whether local-to-remote flow is permitted
func (d Direction) AllowsOutbound() bool {
	return d == DirectionOutbound || d == DirectionBidirectional
}

// Narrow returns the intersection of two directions, or "" when they are disjoint.
func (d Direction) Narrow(other Direction) Direction {
	if other == "" {
		return d
	}
	in := d.AllowsInbound() && other.AllowsInbound()
	out := d.AllowsOutbound() && other.AllowsOutbound()
	switch {
	case in && out:
		return DirectionBidirectional
	case in:
		return DirectionInbound
	case out:
		return DirectionOutbound
	}
	return ""
}

// ---------------------------------------------------------------------------
// EntityMapping Aggregate
// ---------------------------------------------------------------------------

// EntityMapping declares that a local entity type syncs to a remote entity.
type EntityMapping struct {
	ID                   uuid.UUID
	ConnectionID         uuid.UUID
	LocalEntityType      EntityType
	RemoteEntityName     string
	Direction            Direction
	Enabled              bool
	Filter               string
	FieldMappings        []FieldMapping
	RelationshipMappings []RelationshipMapping
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// FieldMapping pairs a local field with a remote field.
type FieldMapping struct {
	ID          uuid.UUID
	LocalField  string
	RemoteField string
	// Direction may be narrower than the owning mapping's; empty inherits it.
	Direction Direction
	Order     int
}

// RelationshipMapping pairs a local identifier field with a remote lookup.
type RelationshipMapping struct {
	ID uuid.UUID
	// LocalField holds the id of the related local entity, e.g. "CompanyId"
	LocalField string
	// RelatedEntityType is the local type LocalField points at
	RelatedEntityType EntityType
	// RemoteEntityName is the remote entity the lookup targets, e.g. "account"
	RemoteEntityName string
	// LookupHint disambiguates polymorphic lookups, e.g. "parentcustomerid"
	LookupHint string
	// SyncNullValues makes an absent source value clear the other side
	SyncNullValues bool
}

// NewEntityMapping creates an enabled mapping
func NewEntityMapping(connectionID uuid.UUID, localType EntityType, remoteEntity string, direction Direction) (*EntityMapping, error) {
	m := &EntityMapping{
		ID:               uuid.New(),
		ConnectionID:     connectionID,
		LocalEntityType:  localType,
		RemoteEntityName: strings.ToLower(strings.TrimSpace(remoteEntity)),
		Direction:        direction,
		Enabled:          true,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	return m, nil
}

// Validate validates the mapping
func (m *EntityMapping) Validate() error {
	if !m.LocalEntityType.IsValid() {
		return ErrInvalidEntityType
	}
	if m.RemoteEntityName == "" {
		return ErrInvalidRemoteEntity
	}
	if !m.Direction.IsValid() {
		return ErrInvalidDirection
	}
	for _, f := range m.FieldMappings {
		if f.LocalField == "" || f.RemoteField == "" {
			return ErrInvalidFieldMapping
		}
		if f.Direction != "" && !f.Direction.IsValid() {
			return ErrInvalidDirection
		}
	}
	for _, r := range m.RelationshipMappings {
		if r.LocalField == "" || r.RemoteEntityName == "" || !r.RelatedEntityType.IsValid() {
			return ErrInvalidRelationshipMapping
		}
	}
	return nil
}

// AllowsInbound reports whether the mapping pulls remote changes
func (m *EntityMapping) AllowsInbound() bool {
	return m.Enabled && m.Direction.AllowsInbound()
}

// AllowsOutbound reports whether the mapping pushes local changes
func (m *EntityMapping) AllowsOutbound() bool {
	return m.Enabled && m.Direction.AllowsOutbound()
}

// EffectiveDirection is the field direction narrowed by the mapping direction.
func (m *EntityMapping) EffectiveDirection(f FieldMapping) Direction {
	return m.Direction.Narrow(f.Direction)
}

// OutboundFields returns field mappings that may flow local to remote, in display order.
func (m *EntityMapping) OutboundFields() []FieldMapping {
	return m.fieldsWhere(func(d Direction) bool { return d.AllowsOutbound() })
}

// InboundFields returns field mappings that may flow remote to local, in display order.
func (m *EntityMapping) InboundFields() []FieldMapping {
	return m.fieldsWhere(func(d Direction) bool { return d.AllowsInbound() })
}

func (m *EntityMapping) fieldsWhere(pred func(Direction) bool) []FieldMapping {
	out := make([]FieldMapping, 0, len(m.FieldMappings))
	for _, f := range m.FieldMappings {
		if pred(m.EffectiveDirection(f)) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// MapsLocalField reports whether any inbound field mapping or relationship
// mapping writes the given local field.
func (m *EntityMapping) MapsLocalField(field string) bool {
	for _, f := range m.InboundFields() {
		if strings.EqualFold(f.LocalField, field) {
			return true
		}
	}
	for _, r := range m.RelationshipMappings {
		if strings.EqualFold(r.LocalField, field) {
			return true
		}
	}
	return false
}

// ReplaceFieldMappings replaces the field mappings, stripping protected
// remote fields. It returns the remote names that were dropped.
func (m *EntityMapping) ReplaceFieldMappings(fields []FieldMapping, extraProtected map[string]bool) ([]string, error) {
	kept, dropped := SanitizeFieldMappings(m.RemoteEntityName, fields, extraProtected)
	for i := range kept {
		if kept[i].LocalField == "" || kept[i].RemoteField == "" {
			return nil, ErrInvalidFieldMapping
		}
		if kept[i].Direction != "" && !kept[i].Direction.IsValid() {
			return nil, ErrInvalidDirection
		}
		if kept[i].ID == uuid.Nil {
			kept[i].ID = uuid.New()
		}
	}
	m.FieldMappings = kept
	m.UpdatedAt = time.Now()
	return dropped, nil
}

// AddRelationship appends a relationship mapping
func (m *EntityMapping) AddRelationship(r RelationshipMapping) (*RelationshipMapping, error) {
	if r.LocalField == "" || strings.TrimSpace(r.RemoteEntityName) == "" || !r.RelatedEntityType.IsValid() {
		return nil, ErrInvalidRelationshipMapping
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.RemoteEntityName = strings.ToLower(strings.TrimSpace(r.RemoteEntityName))
	r.LookupHint = strings.ToLower(strings.TrimSpace(r.LookupHint))
	m.RelationshipMappings = append(m.RelationshipMappings, r)
	m.UpdatedAt = time.Now()
	return &m.RelationshipMappings[len(m.RelationshipMappings)-1], nil
}

// RemoveRelationship removes a relationship mapping by id
func (m *EntityMapping) RemoveRelationship(id uuid.UUID) error {
	for i, r := range m.RelationshipMappings {
		if r.ID == id {
			m.RelationshipMappings = append(m.RelationshipMappings[:i], m.RelationshipMappings[i+1:]...)
			m.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrRelationshipMappingNotFound
}

// ---------------------------------------------------------------------------
// Protected remote fields
// ---------------------------------------------------------------------------

// systemFields are remote attributes that may never be written through a field mapping.
var systemFields = map[string]bool{
	"ownerid":                true,
	"owninguser":             true,
	"owningteam":             true,
	"owningbusinessunit":     true,
	"createdby":              true,
	"modifiedby":             true,
	"createdonbehalfby":      true,
	"modifiedonbehalfby":     true,
	"createdon":              true,
	"modifiedon":             true,
	"transactioncurrencyid":  true,
	"organizationid":         true,
	"versionnumber":          true,
	"statecode":              true,
	"importsequencenumber":   true,
	"overriddencreatedon":    true,
}

// IsProtectedRemoteField reports whether a remote field may not appear in a
// field-mapping write: the entity's primary key, owner and system lookups,
// lookup value projections ("_x_value") and binding annotations.
func IsProtectedRemoteField(entityName, field string) bool {
	f := strings.ToLower(strings.TrimSpace(field))
	if f == "" {
		return true
	}
	if entityName != "" && f == strings.ToLower(entityName)+"id" {
		return true
	}
	if systemFields[f] {
		return true
	}
	if strings.HasPrefix(f, "_") && strings.HasSuffix(f, "_value") {
		return true
	}
	return strings.Contains(f, "@odata.") || strings.Contains(f, "@")
}

// SanitizeFieldMappings drops field mappings that name protected remote fields.
// extraProtected carries names learned from schema metadata (primary keys and
// lookups); keys must be lower case.
func SanitizeFieldMappings(entityName string, fields []FieldMapping, extraProtected map[string]bool) ([]FieldMapping, []string) {
	kept := make([]FieldMapping, 0, len(fields))
	var dropped []string
	for _, f := range fields {
		name := strings.ToLower(strings.TrimSpace(f.RemoteField))
		if IsProtectedRemoteField(entityName, name) || extraProtected[name] {
			dropped = append(dropped, f.RemoteField)
			continue
		}
		f.RemoteField = name
		f.LocalField = strings.TrimSpace(f.LocalField)
		kept = append(kept, f)
	}
	return kept, dropped
}

// StripProtectedFields removes protected fields from a write payload in place
// and returns the removed names.
func StripProtectedFields(rec *Record) []string {
	var removed []string
	for _, name := range rec.Fields() {
		if IsProtectedRemoteField(rec.EntityName, name) {
			rec.Delete(name)
			removed = append(removed, name)
		}
	}
	return removed
}
