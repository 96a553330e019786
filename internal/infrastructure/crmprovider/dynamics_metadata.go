package crmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/authscape/crmsync/internal/domain/crm"
)

const (
	entitySelect       = "LogicalName,EntitySetName,PrimaryIdAttribute,PrimaryNameAttribute,DisplayName"
	attributeSelect    = "LogicalName,AttributeType,IsPrimaryId,IsValidForCreate,IsValidForUpdate,AttributeOf,DisplayName,RequiredLevel"
	relationshipSelect = "SchemaName,ReferencingAttribute,ReferencedEntity,ReferencingEntityNavigationPropertyName"
)

// ---------------------------------------------------------------------------
// Metadata cache
// ---------------------------------------------------------------------------

type cached[T any] struct {
	value   T
	expires time.Time
}

// metadataCache keeps entity definitions and lookup relationships per
// connection for a TTL.
type metadataCache struct {
	ttl time.Duration
	now func() time.Time

	mu            sync.RWMutex
	entities      map[string]cached[entityDefinition]
	relationships map[string]cached[[]relationshipDefinition]
}

func newMetadataCache(ttl time.Duration, now func() time.Time) *metadataCache {
	return &metadataCache{
		ttl:           ttl,
		now:           now,
		entities:      make(map[string]cached[entityDefinition]),
		relationships: make(map[string]cached[[]relationshipDefinition]),
	}
}

func metadataKey(connectionID uuid.UUID, entity string) string {
	return connectionID.String() + "/" + strings.ToLower(entity)
}

func (c *metadataCache) entity(connectionID uuid.UUID, name string) (entityDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[metadataKey(connectionID, name)]
	if !ok || c.now().After(e.expires) {
		return entityDefinition{}, false
	}
	return e.value, true
}

func (c *metadataCache) putEntity(connectionID uuid.UUID, def entityDefinition) {
	c.mu.Lock()
	c.entities[metadataKey(connectionID, def.LogicalName)] = cached[entityDefinition]{value: def, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *metadataCache) relationshipsOf(connectionID uuid.UUID, name string) ([]relationshipDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.relationships[metadataKey(connectionID, name)]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *metadataCache) putRelationships(connectionID uuid.UUID, name string, rels []relationshipDefinition) {
	c.mu.Lock()
	c.relationships[metadataKey(connectionID, name)] = cached[[]relationshipDefinition]{value: rels, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *metadataCache) invalidate(connectionID uuid.UUID) {
	prefix := connectionID.String() + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entities {
		if strings.HasPrefix(k, prefix) {
			delete(c.entities, k)
		}
	}
	for k := range c.relationships {
		if strings.HasPrefix(k, prefix) {
			delete(c.relationships, k)
		}
	}
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// DiscoverEntities lists the entity definitions of the organization
func (a *DynamicsAdapter) DiscoverEntities(ctx context.Context, conn *crm.Connection) ([]crm.EntitySchema, error) {
	pages, err := a.listAll(ctx, conn, a.config.apiRoot(conn.BaseURL)+"EntityDefinitions?$select="+entitySelect, 0)
	if err != nil {
		return nil, err
	}

	out := make([]crm.EntitySchema, 0, len(pages))
	for _, raw := range pages {
		var def entityDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("dynamics: malformed entity definition: %w", err)
		}
		if def.EntitySetName == "" {
			continue
		}
		a.metadata.putEntity(conn.ID, def)
		out = append(out, toEntitySchema(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out, nil
}

// DiscoverFields lists the attributes of one entity. Lookup attributes carry
// their target entities.
func (a *DynamicsAdapter) DiscoverFields(ctx context.Context, conn *crm.Connection, entityName string) ([]crm.FieldSchema, error) {
	path := fmt.Sprintf("EntityDefinitions(LogicalName='%s')/Attributes?$select=%s", odataName(entityName), attributeSelect)
	rows, err := a.listAll(ctx, conn, a.config.apiRoot(conn.BaseURL)+path, 0)
	if err != nil {
		return nil, metadataError(entityName, err)
	}

	rels, err := a.relationships(ctx, conn, entityName)
	if err != nil {
		return nil, err
	}
	targets := make(map[string][]string)
	for _, r := range rels {
		targets[r.ReferencingAttribute] = append(targets[r.ReferencingAttribute], r.ReferencedEntity)
	}

	out := make([]crm.FieldSchema, 0, len(rows))
	for _, raw := range rows {
		var attr attributeDefinition
		if err := json.Unmarshal(raw, &attr); err != nil {
			return nil, fmt.Errorf("dynamics: malformed attribute definition: %w", err)
		}
		if attr.AttributeOf != "" {
			continue
		}
		field := crm.FieldSchema{
			LogicalName:  attr.LogicalName,
			DisplayName:  attr.DisplayName.text(),
			Type:         fieldType(attr.AttributeType),
			IsPrimaryKey: attr.IsPrimaryID,
			IsReadOnly:   isFalse(attr.IsValidForCreate) && isFalse(attr.IsValidForUpdate),
		}
		if attr.RequiredLevelInfo != nil {
			switch attr.RequiredLevelInfo.Value {
			case "ApplicationRequired", "SystemRequired":
				field.Required = true
			}
		}
		if field.Type == crm.FieldTypeLookup {
			field.IsLookup = true
			field.Targets = targets[attr.LogicalName]
			if len(field.Targets) == 0 {
				field.Targets = attr.Targets
			}
		}
		out = append(out, field)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out, nil
}

// DiscoverLookupFields returns one LookupField per many-to-one relationship of
// entityName. The LogicalName is the navigation property used for binding.
func (a *DynamicsAdapter) DiscoverLookupFields(ctx context.Context, conn *crm.Connection, entityName, targetEntity string) ([]crm.LookupField, error) {
	rels, err := a.relationships(ctx, conn, entityName)
	if err != nil {
		return nil, err
	}

	out := make([]crm.LookupField, 0, len(rels))
	for _, r := range rels {
		if targetEntity != "" && !strings.EqualFold(r.ReferencedEntity, targetEntity) {
			continue
		}
		if r.ReferencingEntityNavigationPropertyName == "" {
			continue
		}
		out = append(out, crm.LookupField{
			LogicalName:   r.ReferencingEntityNavigationPropertyName,
			AttributeName: r.ReferencingAttribute,
			DisplayName:   r.SchemaName,
			Targets:       []string{r.ReferencedEntity},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out, nil
}

// entity returns the cached definition of one entity, fetching it on a miss.
func (a *DynamicsAdapter) entity(ctx context.Context, conn *crm.Connection, name string) (entityDefinition, error) {
	if def, ok := a.metadata.entity(conn.ID, name); ok {
		return def, nil
	}
	url := fmt.Sprintf("%sEntityDefinitions(LogicalName='%s')?$select=%s", a.config.apiRoot(conn.BaseURL), odataName(name), entitySelect)
	resp, err := a.do(ctx, conn, apiRequest{method: http.MethodGet, url: url})
	if err != nil {
		return entityDefinition{}, metadataError(name, err)
	}
	var def entityDefinition
	if err := json.Unmarshal(resp.body, &def); err != nil {
		return entityDefinition{}, fmt.Errorf("dynamics: malformed entity definition: %w", err)
	}
	if def.LogicalName == "" {
		def.LogicalName = strings.ToLower(name)
	}
	if def.PrimaryIDAttribute == "" {
		def.PrimaryIDAttribute = def.LogicalName + "id"
	}
	a.metadata.putEntity(conn.ID, def)
	return def, nil
}

func (a *DynamicsAdapter) relationships(ctx context.Context, conn *crm.Connection, name string) ([]relationshipDefinition, error) {
	if rels, ok := a.metadata.relationshipsOf(conn.ID, name); ok {
		return rels, nil
	}
	path := fmt.Sprintf("EntityDefinitions(LogicalName='%s')/ManyToOneRelationships?$select=%s", odataName(name), relationshipSelect)
	rows, err := a.listAll(ctx, conn, a.config.apiRoot(conn.BaseURL)+path, 0)
	if err != nil {
		return nil, metadataError(name, err)
	}
	rels := make([]relationshipDefinition, 0, len(rows))
	for _, raw := range rows {
		var r relationshipDefinition
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("dynamics: malformed relationship definition: %w", err)
		}
		rels = append(rels, r)
	}
	a.metadata.putRelationships(conn.ID, name, rels)
	return rels, nil
}

// metadataError reports an unknown entity as a configuration problem.
func metadataError(entity string, err error) error {
	if errors.Is(err, crm.ErrRecordNotFound) {
		return crm.ConfigurationError("dynamics metadata", fmt.Errorf("%w: unknown entity %q", crm.ErrInvalidRemoteEntity, entity))
	}
	return err
}

func toEntitySchema(def entityDefinition) crm.EntitySchema {
	return crm.EntitySchema{
		LogicalName:          def.LogicalName,
		DisplayName:          def.DisplayName.text(),
		EntitySetName:        def.EntitySetName,
		PrimaryIDAttribute:   def.PrimaryIDAttribute,
		PrimaryNameAttribute: def.PrimaryNameAttribute,
	}
}

func fieldType(attributeType string) crm.FieldType {
	switch attributeType {
	case "String", "Memo", "EntityName":
		return crm.FieldTypeString
	case "Integer", "BigInt", "Picklist", "State", "Status":
		return crm.FieldTypeInteger
	case "Decimal", "Money", "Double":
		return crm.FieldTypeDecimal
	case "Boolean":
		return crm.FieldTypeBoolean
	case "DateTime":
		return crm.FieldTypeDateTime
	case "Uniqueidentifier":
		return crm.FieldTypeGuid
	case "Lookup", "Customer", "Owner":
		return crm.FieldTypeLookup
	default:
		return crm.FieldTypeOther
	}
}

func isFalse(b *bool) bool {
	return b != nil && !*b
}

// odataName escapes a logical name for use inside a quoted key
func odataName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "'", "''")
}
