package crm

import (
	"context"
	"sort"
	"strings"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MappingService manages entity, field and relationship mappings.
type MappingService struct {
	mappings    crm.EntityMappingRepository
	connections crm.ConnectionRepository
	providers   crm.ProviderFactory
	logger      *zap.Logger
}

// NewMappingService creates a new MappingService
func NewMappingService(
	mappings crm.EntityMappingRepository,
	connections crm.ConnectionRepository,
	providers crm.ProviderFactory,
	logger *zap.Logger,
) *MappingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MappingService{
		mappings:    mappings,
		connections: connections,
		providers:   providers,
		logger:      logger.Named("crm_mappings"),
	}
}

// Create creates an entity mapping, optionally with its field mappings
func (s *MappingService) Create(ctx context.Context, connectionID uuid.UUID, req CreateMappingRequest) (*MappingResponse, error) {
	conn, err := s.connections.FindByID(ctx, connectionID)
	if err != nil {
		return nil, toDomainError(err)
	}
	localType, err := crm.ParseEntityType(req.LocalEntityType)
	if err != nil {
		return nil, toDomainError(err)
	}
	direction := crm.DirectionBidirectional
	if req.Direction != "" {
		direction = crm.Direction(req.Direction)
	}

	m, err := crm.NewEntityMapping(conn.ID, localType, req.RemoteEntityName, direction)
	if err != nil {
		return nil, toDomainError(err)
	}
	m.Filter = strings.TrimSpace(req.Filter)
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}

	var dropped []string
	if len(req.FieldMappings) > 0 {
		dropped, err = m.ReplaceFieldMappings(toFieldMappings(req.FieldMappings), s.schemaProtected(ctx, conn, m.RemoteEntityName))
		if err != nil {
			return nil, toDomainError(err)
		}
	}

	if err := s.mappings.Save(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Info("Entity mapping created",
		zap.String("mapping_id", m.ID.String()),
		zap.String("local_entity_type", string(m.LocalEntityType)),
		zap.String("remote_entity", m.RemoteEntityName),
		zap.Strings("dropped_fields", dropped))

	resp := ToMappingResponse(m)
	resp.DroppedFields = dropped
	return &resp, nil
}

// GetByID returns one mapping
func (s *MappingService) GetByID(ctx context.Context, id uuid.UUID) (*MappingResponse, error) {
	m, err := s.mappings.FindByID(ctx, id)
	if err != nil {
		return nil, toDomainError(err)
	}
	resp := ToMappingResponse(m)
	return &resp, nil
}

// ListByConnection returns the mappings of a connection, oldest first
func (s *MappingService) ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]MappingResponse, error) {
	if _, err := s.connections.FindByID(ctx, connectionID); err != nil {
		return nil, toDomainError(err)
	}
	list, err := s.mappings.FindByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	out := make([]MappingResponse, len(list))
	for i, m := range list {
		out[i] = ToMappingResponse(m)
	}
	return out, nil
}

// Update updates direction, filter or enabled state
func (s *MappingService) Update(ctx context.Context, id uuid.UUID, req UpdateMappingRequest) (*MappingResponse, error) {
	m, err := s.mappings.FindByID(ctx, id)
	if err != nil {
		return nil, toDomainError(err)
	}
	if req.Direction != nil {
		m.Direction = crm.Direction(*req.Direction)
	}
	if req.Filter != nil {
		m.Filter = strings.TrimSpace(*req.Filter)
	}
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
	if err := m.Validate(); err != nil {
		return nil, toDomainError(err)
	}
	if err := s.mappings.Save(ctx, m); err != nil {
		return nil, err
	}
	resp := ToMappingResponse(m)
	return &resp, nil
}

// Delete removes a mapping
func (s *MappingService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.mappings.FindByID(ctx, id); err != nil {
		return toDomainError(err)
	}
	if err := s.mappings.Delete(ctx, id); err != nil {
		return toDomainError(err)
	}
	s.logger.Info("Entity mapping deleted", zap.String("mapping_id", id.String()))
	return nil
}

// ReplaceFieldMappings replaces the field mappings of a mapping. Protected
// remote fields are dropped and reported in the response.
func (s *MappingService) ReplaceFieldMappings(ctx context.Context, id uuid.UUID, req ReplaceFieldMappingsRequest) (*MappingResponse, error) {
	m, err := s.mappings.FindByID(ctx, id)
	if err != nil {
		return nil, toDomainError(err)
	}
	conn, err := s.connections.FindByID(ctx, m.ConnectionID)
	if err != nil {
		return nil, toDomainError(err)
	}

	dropped, err := m.ReplaceFieldMappings(toFieldMappings(req.Fields), s.schemaProtected(ctx, conn, m.RemoteEntityName))
	if err != nil {
		return nil, toDomainError(err)
	}
	if err := s.mappings.Save(ctx, m); err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		s.logger.Info("Protected fields dropped from mapping",
			zap.String("mapping_id", m.ID.String()),
			zap.Strings("fields", dropped))
	}
	resp := ToMappingResponse(m)
	resp.DroppedFields = dropped
	return &resp, nil
}

// AddRelationship adds a relationship mapping
func (s *MappingService) AddRelationship(ctx context.Context, id uuid.UUID, req RelationshipMappingRequest) (*RelationshipMappingResponse, error) {
	m, err := s.mappings.FindByID(ctx, id)
	if err != nil {
		return nil, toDomainError(err)
	}
	related, err := crm.ParseEntityType(req.RelatedEntityType)
	if err != nil {
		return nil, toDomainError(err)
	}
	rel, err := m.AddRelationship(crm.RelationshipMapping{
		LocalField:        strings.TrimSpace(req.LocalField),
		RelatedEntityType: related,
		RemoteEntityName:  req.RemoteEntityName,
		LookupHint:        req.LookupHint,
		SyncNullValues:    req.SyncNullValues,
	})
	if err != nil {
		return nil, toDomainError(err)
	}
	if err := s.mappings.Save(ctx, m); err != nil {
		return nil, err
	}
	resp := toRelationshipResponse(*rel)
	return &resp, nil
}

// RemoveRelationship removes a relationship mapping
func (s *MappingService) RemoveRelationship(ctx context.Context, id, relationshipID uuid.UUID) error {
	m, err := s.mappings.FindByID(ctx, id)
	if err != nil {
		return toDomainError(err)
	}
	if err := m.RemoveRelationship(relationshipID); err != nil {
		return toDomainError(err)
	}
	return s.mappings.Save(ctx, m)
}

// schemaProtected returns the primary key and lookup attributes of a remote
// entity. Discovery is best effort: on failure only the static list applies.
func (s *MappingService) schemaProtected(ctx context.Context, conn *crm.Connection, entityName string) map[string]bool {
	protected := make(map[string]bool)
	provider, err := s.providers.ProviderFor(conn)
	if err != nil {
		s.logger.Warn("No provider for schema discovery", zap.Error(err))
		return protected
	}
	fields, err := provider.DiscoverFields(ctx, conn, entityName)
	if conn.CredentialsChanged() {
		if saveErr := s.connections.Save(context.WithoutCancel(ctx), conn); saveErr != nil {
			s.logger.Warn("Failed to persist refreshed token", zap.Error(saveErr))
		}
	}
	if err != nil {
		s.logger.Warn("Schema discovery failed, using static protected fields",
			zap.String("entity", entityName), zap.Error(err))
		return protected
	}
	for _, f := range fields {
		if f.IsPrimaryKey || f.IsLookup {
			protected[strings.ToLower(f.LogicalName)] = true
		}
	}
	return protected
}

func toFieldMappings(reqs []FieldMappingRequest) []crm.FieldMapping {
	out := make([]crm.FieldMapping, len(reqs))
	for i, r := range reqs {
		out[i] = crm.FieldMapping{
			LocalField:  r.LocalField,
			RemoteField: r.RemoteField,
			Direction:   crm.Direction(r.Direction),
			Order:       r.Order,
		}
		if out[i].Order == 0 {
			out[i].Order = i
		}
	}
	return out
}
