package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	crmapp "github.com/authscape/crmsync/internal/application/crm"
	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/authscape/crmsync/internal/infrastructure/scheduler"
)

// MockConnectionAPI implements ConnectionAPI for testing
type MockConnectionAPI struct {
	mock.Mock
}

func (m *MockConnectionAPI) Create(ctx context.Context, req crmapp.CreateConnectionRequest) (*crmapp.ConnectionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.ConnectionResponse), args.Error(1)
}

func (m *MockConnectionAPI) GetByID(ctx context.Context, id uuid.UUID) (*crmapp.ConnectionResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.ConnectionResponse), args.Error(1)
}

func (m *MockConnectionAPI) List(ctx context.Context) ([]crmapp.ConnectionResponse, error) {
	args := m.Called(ctx)
	return args.Get(0).([]crmapp.ConnectionResponse), args.Error(1)
}

func (m *MockConnectionAPI) Update(ctx context.Context, id uuid.UUID, req crmapp.UpdateConnectionRequest) (*crmapp.ConnectionResponse, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.ConnectionResponse), args.Error(1)
}

func (m *MockConnectionAPI) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockConnectionAPI) Test(ctx context.Context, id uuid.UUID) (*crmapp.TestConnectionResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.TestConnectionResponse), args.Error(1)
}

func (m *MockConnectionAPI) DiscoverEntities(ctx context.Context, id uuid.UUID) ([]crm.EntitySchema, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]crm.EntitySchema), args.Error(1)
}

func (m *MockConnectionAPI) DiscoverFields(ctx context.Context, id uuid.UUID, entityName string) ([]crm.FieldSchema, error) {
	args := m.Called(ctx, id, entityName)
	return args.Get(0).([]crm.FieldSchema), args.Error(1)
}

func (m *MockConnectionAPI) ListLogs(ctx context.Context, id uuid.UUID, filter crmapp.SyncLogListFilter) ([]crmapp.SyncLogResponse, error) {
	args := m.Called(ctx, id, filter)
	return args.Get(0).([]crmapp.SyncLogResponse), args.Error(1)
}

func (m *MockConnectionAPI) LogSummary(ctx context.Context, id uuid.UUID) (*crmapp.SyncLogSummaryResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.SyncLogSummaryResponse), args.Error(1)
}

// MockMappingAPI implements MappingAPI for testing
type MockMappingAPI struct {
	mock.Mock
}

func (m *MockMappingAPI) Create(ctx context.Context, connectionID uuid.UUID, req crmapp.CreateMappingRequest) (*crmapp.MappingResponse, error) {
	args := m.Called(ctx, connectionID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.MappingResponse), args.Error(1)
}

func (m *MockMappingAPI) GetByID(ctx context.Context, id uuid.UUID) (*crmapp.MappingResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.MappingResponse), args.Error(1)
}

func (m *MockMappingAPI) ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]crmapp.MappingResponse, error) {
	args := m.Called(ctx, connectionID)
	return args.Get(0).([]crmapp.MappingResponse), args.Error(1)
}

func (m *MockMappingAPI) Update(ctx context.Context, id uuid.UUID, req crmapp.UpdateMappingRequest) (*crmapp.MappingResponse, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.MappingResponse), args.Error(1)
}

func (m *MockMappingAPI) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockMappingAPI) ReplaceFieldMappings(ctx context.Context, id uuid.UUID, req crmapp.ReplaceFieldMappingsRequest) (*crmapp.MappingResponse, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.MappingResponse), args.Error(1)
}

func (m *MockMappingAPI) AddRelationship(ctx context.Context, id uuid.UUID, req crmapp.RelationshipMappingRequest) (*crmapp.RelationshipMappingResponse, error) {
	args := m.Called(ctx, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.RelationshipMappingResponse), args.Error(1)
}

func (m *MockMappingAPI) RemoveRelationship(ctx context.Context, id, relationshipID uuid.UUID) error {
	return m.Called(ctx, id, relationshipID).Error(0)
}

// MockSyncAPI implements SyncAPI for testing
type MockSyncAPI struct {
	mock.Mock
}

func (m *MockSyncAPI) SyncAll(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult {
	return m.Called(ctx, connectionID).Get(0).(*crm.SyncResult)
}

func (m *MockSyncAPI) SyncIncremental(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult {
	return m.Called(ctx, connectionID).Get(0).(*crm.SyncResult)
}

func (m *MockSyncAPI) SyncEntityMapping(ctx context.Context, mappingID uuid.UUID, fullSync bool) *crm.SyncResult {
	return m.Called(ctx, mappingID, fullSync).Get(0).(*crm.SyncResult)
}

func (m *MockSyncAPI) SyncRelationships(ctx context.Context, mappingID uuid.UUID) *crm.SyncResult {
	return m.Called(ctx, mappingID).Get(0).(*crm.SyncResult)
}

func (m *MockSyncAPI) SyncOutbound(ctx context.Context, connectionID uuid.UUID, entityType crm.EntityType, entityID int64) *crm.SyncResult {
	return m.Called(ctx, connectionID, entityType, entityID).Get(0).(*crm.SyncResult)
}

func (m *MockSyncAPI) SyncInbound(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) *crm.SyncResult {
	return m.Called(ctx, connectionID, remoteEntity, remoteID).Get(0).(*crm.SyncResult)
}

// MockJobScheduler implements JobScheduler for testing
type MockJobScheduler struct {
	mock.Mock
}

func (m *MockJobScheduler) ScheduleSync(connectionID uuid.UUID, mode scheduler.SyncMode) (*scheduler.ConnectionSyncJob, error) {
	args := m.Called(connectionID, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scheduler.ConnectionSyncJob), args.Error(1)
}

func (m *MockJobScheduler) GetJobHistory(limit int) []*scheduler.ConnectionSyncJob {
	return m.Called(limit).Get(0).([]*scheduler.ConnectionSyncJob)
}

func (m *MockJobScheduler) GetJobHistoryByConnection(connectionID uuid.UUID, limit int) []*scheduler.ConnectionSyncJob {
	return m.Called(connectionID, limit).Get(0).([]*scheduler.ConnectionSyncJob)
}

// MockProgressReader implements ProgressReader for testing
type MockProgressReader struct {
	mock.Mock
}

func (m *MockProgressReader) Get(ctx context.Context, syncID string) (*crm.ProgressSnapshot, error) {
	args := m.Called(ctx, syncID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crm.ProgressSnapshot), args.Error(1)
}

// MockWebhookAPI implements WebhookAPI for testing
type MockWebhookAPI struct {
	mock.Mock
	maxPayload int64
}

func (m *MockWebhookAPI) MaxPayloadSize() int64 {
	return m.maxPayload
}

func (m *MockWebhookAPI) CreateSession(ctx context.Context, connectionID uuid.UUID) (*crmapp.WebhookSessionResponse, error) {
	args := m.Called(ctx, connectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.WebhookSessionResponse), args.Error(1)
}

func (m *MockWebhookAPI) RevokeSession(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

func (m *MockWebhookAPI) Deliver(ctx context.Context, token string, payload []byte, headers http.Header) (*crmapp.WebhookDeliveryResponse, error) {
	args := m.Called(ctx, token, payload, headers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*crmapp.WebhookDeliveryResponse), args.Error(1)
}

// MockTokenRevoker implements TokenRevoker for testing
type MockTokenRevoker struct {
	mock.Mock
}

func (m *MockTokenRevoker) Revoke(ctx context.Context, claims *auth.Claims) error {
	return m.Called(ctx, claims).Error(0)
}
