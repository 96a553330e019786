package crm

import (
	"context"
	"testing"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectionService(f *syncFixture) *ConnectionService {
	return NewConnectionService(f.connections, f.logs, fakeFactory{provider: f.provider}, nil)
}

func validCreateRequest(name string) CreateConnectionRequest {
	return CreateConnectionRequest{
		Name:         name,
		ProviderType: "Dynamics365",
		BaseURL:      "https://fabrikam.crm.dynamics.com/",
		Credentials: CredentialsRequest{
			ClientID:     "client",
			ClientSecret: "s3cret",
		},
		WebhookSecret: "hook",
	}
}

func TestConnectionService_Create(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newConnectionService(f)
	ctx := context.Background()

	resp, err := svc.Create(ctx, validCreateRequest("Fabrikam"))
	require.NoError(t, err)
	assert.Equal(t, "Fabrikam", resp.Name)
	assert.Equal(t, string(crm.ProviderDynamics365), resp.ProviderType)
	assert.True(t, resp.Enabled)
	assert.True(t, resp.HasClientSecret)
	assert.True(t, resp.HasWebhookSecret)

	stored, err := f.connections.FindByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", stored.Credentials().ClientSecret, "secrets survive the round trip")

	t.Run("created disabled", func(t *testing.T) {
		req := validCreateRequest("Disabled")
		off := false
		req.Enabled = &off
		resp, err := svc.Create(ctx, req)
		require.NoError(t, err)
		assert.False(t, resp.Enabled)
	})

	t.Run("unknown provider", func(t *testing.T) {
		req := validCreateRequest("Bad")
		req.ProviderType = "salesforce"
		_, err := svc.Create(ctx, req)
		requireDomainCode(t, err, "INVALID_INPUT")
	})
}

func TestConnectionService_List(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newConnectionService(f)
	ctx := context.Background()

	_, err := svc.Create(ctx, validCreateRequest("beta"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, validCreateRequest("Alpha"))
	require.NoError(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "Alpha", list[0].Name)
	assert.Equal(t, "beta", list[1].Name)
	assert.Equal(t, "Contoso", list[2].Name)
}

func TestConnectionService_Update(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newConnectionService(f)
	ctx := context.Background()

	name := "  Contoso EU  "
	off := false
	resp, err := svc.Update(ctx, f.conn.ID, UpdateConnectionRequest{
		Name:        &name,
		Enabled:     &off,
		Credentials: &CredentialsRequest{ClientID: "rotated", ClientSecret: "new-secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Contoso EU", resp.Name)
	assert.False(t, resp.Enabled)
	assert.Equal(t, "rotated", resp.ClientID)

	stored := f.reloadConnection(t)
	assert.Equal(t, "new-secret", stored.Credentials().ClientSecret)
	assert.False(t, stored.Enabled)

	t.Run("blank name is rejected", func(t *testing.T) {
		blank := " "
		_, err := svc.Update(ctx, f.conn.ID, UpdateConnectionRequest{Name: &blank})
		requireDomainCode(t, err, "INVALID_INPUT")
	})

	t.Run("unknown connection", func(t *testing.T) {
		_, err := svc.Update(ctx, uuid.New(), UpdateConnectionRequest{})
		requireDomainCode(t, err, "NOT_FOUND")
	})
}

func TestConnectionService_Delete(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newConnectionService(f)
	ctx := context.Background()

	m := f.userMapping(t, crm.DirectionOutbound)
	require.NoError(t, svc.Delete(ctx, f.conn.ID))

	_, err := svc.GetByID(ctx, f.conn.ID)
	requireDomainCode(t, err, "NOT_FOUND")
	_, err = f.mappings.FindByID(ctx, m.ID)
	assert.ErrorIs(t, err, crm.ErrEntityMappingNotFound)

	requireDomainCode(t, svc.Delete(ctx, f.conn.ID), "NOT_FOUND")
}

func TestConnectionService_Test(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newConnectionService(f)
	ctx := context.Background()

	resp, err := svc.Test(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.True(t, resp.Connected)

	f.provider.valid = false
	resp, err = svc.Test(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.False(t, resp.Connected)
	assert.Contains(t, resp.Message, "contoso.crm.dynamics.com")
}

func TestConnectionService_Discovery(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newConnectionService(f)
	ctx := context.Background()

	entities, err := svc.DiscoverEntities(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	fields, err := svc.DiscoverFields(ctx, f.conn.ID, " Contact ")
	require.NoError(t, err)
	assert.Equal(t, "contactid", fields[0].LogicalName)

	_, err = svc.DiscoverFields(ctx, f.conn.ID, "  ")
	requireDomainCode(t, err, "INVALID_INPUT")

	_, err = NewConnectionService(f.connections, f.logs, fakeFactory{}, nil).DiscoverEntities(ctx, f.conn.ID)
	requireDomainCode(t, err, "INVALID_INPUT")
}

func TestConnectionService_Logs(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newConnectionService(f)
	ctx := context.Background()

	for _, status := range []crm.SyncStatus{crm.StatusSuccess, crm.StatusSuccess, crm.StatusFailed} {
		require.NoError(t, f.logs.Append(ctx, &crm.SyncLog{
			ConnectionID:     f.conn.ID,
			LocalEntityType:  crm.EntityTypeUser,
			LocalID:          1,
			RemoteEntityName: "contact",
			Direction:        crm.DirectionOutbound,
			Action:           crm.ActionCreate,
			Status:           status,
		}))
	}

	logs, err := svc.ListLogs(ctx, f.conn.ID, SyncLogListFilter{Status: string(crm.StatusFailed)})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, string(crm.StatusFailed), logs[0].Status)

	summary, err := svc.LogSummary(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Total)
	assert.Equal(t, int64(2), summary.Counts[string(crm.StatusSuccess)])

	_, err = svc.ListLogs(ctx, uuid.New(), SyncLogListFilter{})
	requireDomainCode(t, err, "NOT_FOUND")
}
