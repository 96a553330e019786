package crm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionService manages CRM connections, schema discovery and the
// sync audit trail.
type ConnectionService struct {
	connections crm.ConnectionRepository
	logs        crm.SyncLogRepository
	providers   crm.ProviderFactory
	logger      *zap.Logger
}

// NewConnectionService creates a new ConnectionService
func NewConnectionService(
	connections crm.ConnectionRepository,
	logs crm.SyncLogRepository,
	providers crm.ProviderFactory,
	logger *zap.Logger,
) *ConnectionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionService{
		connections: connections,
		logs:        logs,
		providers:   providers,
		logger:      logger.Named("crm_connections"),
	}
}

// Create creates a new connection
func (s *ConnectionService) Create(ctx context.Context, req CreateConnectionRequest) (*ConnectionResponse, error) {
	conn, err := crm.NewConnection(req.Name, crm.ProviderType(strings.ToLower(req.ProviderType)), req.BaseURL, req.Credentials.toDomain())
	if err != nil {
		return nil, toDomainError(err)
	}
	conn.WebhookSecret = req.WebhookSecret
	if req.Enabled != nil && !*req.Enabled {
		conn.Disable()
	}
	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("CRM connection created",
		zap.String("connection_id", conn.ID.String()),
		zap.String("provider_type", string(conn.ProviderType)))
	resp := ToConnectionResponse(conn)
	return &resp, nil
}

// GetByID returns one connection
func (s *ConnectionService) GetByID(ctx context.Context, id uuid.UUID) (*ConnectionResponse, error) {
	conn, err := s.connections.FindByID(ctx, id)
	if err != nil {
		return nil, toDomainError(err)
	}
	resp := ToConnectionResponse(conn)
	return &resp, nil
}

// List returns every connection ordered by name
func (s *ConnectionService) List(ctx context.Context) ([]ConnectionResponse, error) {
	conns, err := s.connections.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conns, func(i, j int) bool {
		return strings.ToLower(conns[i].Name) < strings.ToLower(conns[j].Name)
	})
	out := make([]ConnectionResponse, len(conns))
	for i, c := range conns {
		out[i] = ToConnectionResponse(c)
	}
	return out, nil
}

// Update updates a connection. Replacing credentials drops the cached token.
func (s *ConnectionService) Update(ctx context.Context, id uuid.UUID, req UpdateConnectionRequest) (*ConnectionResponse, error) {
	conn, err := s.connections.FindByID(ctx, id)
	if err != nil {
		return nil, toDomainError(err)
	}

	if req.Name != nil {
		conn.Name = strings.TrimSpace(*req.Name)
	}
	if req.BaseURL != nil {
		conn.BaseURL = strings.TrimRight(strings.TrimSpace(*req.BaseURL), "/")
	}
	if err := conn.Validate(); err != nil {
		return nil, toDomainError(err)
	}
	if req.Credentials != nil {
		conn.SetCredentials(req.Credentials.toDomain())
	}
	if req.WebhookSecret != nil {
		conn.WebhookSecret = *req.WebhookSecret
	}
	if req.Enabled != nil {
		if *req.Enabled {
			conn.Enable()
		} else {
			conn.Disable()
		}
	}

	if err := s.connections.Save(ctx, conn); err != nil {
		return nil, err
	}
	resp := ToConnectionResponse(conn)
	return &resp, nil
}

// Delete removes a connection with its mappings and correlation entries
func (s *ConnectionService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.connections.FindByID(ctx, id); err != nil {
		return toDomainError(err)
	}
	if err := s.connections.Delete(ctx, id); err != nil {
		return toDomainError(err)
	}
	s.logger.Info("CRM connection deleted", zap.String("connection_id", id.String()))
	return nil
}

// Test calls the remote with the stored credentials. A refreshed token is
// persisted.
func (s *ConnectionService) Test(ctx context.Context, id uuid.UUID) (*TestConnectionResponse, error) {
	conn, provider, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	ok := provider.ValidateConnection(ctx, conn)
	s.persistToken(ctx, conn)

	resp := &TestConnectionResponse{Connected: ok, Message: "Connection successful"}
	if !ok {
		resp.Message = fmt.Sprintf("Could not reach %s with the configured credentials", conn.BaseURL)
	}
	return resp, nil
}

// DiscoverEntities lists the remote entities
func (s *ConnectionService) DiscoverEntities(ctx context.Context, id uuid.UUID) ([]crm.EntitySchema, error) {
	conn, provider, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	entities, err := provider.DiscoverEntities(ctx, conn)
	s.persistToken(ctx, conn)
	if err != nil {
		return nil, toDomainError(err)
	}
	return entities, nil
}

// DiscoverFields lists the attributes of one remote entity
func (s *ConnectionService) DiscoverFields(ctx context.Context, id uuid.UUID, entityName string) ([]crm.FieldSchema, error) {
	entityName = strings.ToLower(strings.TrimSpace(entityName))
	if entityName == "" {
		return nil, toDomainError(crm.ErrInvalidRemoteEntity)
	}
	conn, provider, err := s.open(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := provider.DiscoverFields(ctx, conn, entityName)
	s.persistToken(ctx, conn)
	if err != nil {
		return nil, toDomainError(err)
	}
	return fields, nil
}

// ListLogs returns the most recent audit rows of a connection
func (s *ConnectionService) ListLogs(ctx context.Context, id uuid.UUID, filter SyncLogListFilter) ([]SyncLogResponse, error) {
	if _, err := s.connections.FindByID(ctx, id); err != nil {
		return nil, toDomainError(err)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	logs, err := s.logs.ListByConnection(ctx, id, crm.SyncLogFilter{
		Status:    crm.SyncStatus(filter.Status),
		Since:     filter.Since,
		Limit:     limit,
		SortBy:    filter.SortBy,
		SortOrder: filter.SortOrder,
	})
	if err != nil {
		return nil, err
	}
	out := make([]SyncLogResponse, len(logs))
	for i, l := range logs {
		out[i] = toSyncLogResponse(l)
	}
	return out, nil
}

// LogSummary counts the audit rows of a connection per status
func (s *ConnectionService) LogSummary(ctx context.Context, id uuid.UUID) (*SyncLogSummaryResponse, error) {
	if _, err := s.connections.FindByID(ctx, id); err != nil {
		return nil, toDomainError(err)
	}
	counts, err := s.logs.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := &SyncLogSummaryResponse{Counts: make(map[string]int64, len(counts))}
	for status, n := range counts {
		resp.Counts[string(status)] = n
		resp.Total += n
	}
	return resp, nil
}

func (s *ConnectionService) open(ctx context.Context, id uuid.UUID) (*crm.Connection, crm.Provider, error) {
	conn, err := s.connections.FindByID(ctx, id)
	if err != nil {
		return nil, nil, toDomainError(err)
	}
	provider, err := s.providers.ProviderFor(conn)
	if err != nil {
		return nil, nil, toDomainError(err)
	}
	return conn, provider, nil
}

func (s *ConnectionService) persistToken(ctx context.Context, conn *crm.Connection) {
	if !conn.CredentialsChanged() {
		return
	}
	if err := s.connections.Save(context.WithoutCancel(ctx), conn); err != nil {
		s.logger.Warn("Failed to persist refreshed token",
			zap.String("connection_id", conn.ID.String()), zap.Error(err))
	}
}
