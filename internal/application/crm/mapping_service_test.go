package crm

import (
	"context"
	"testing"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMappingService(f *syncFixture) *MappingService {
	return NewMappingService(f.mappings, f.connections, fakeFactory{provider: f.provider}, nil)
}

func TestMappingService_Create(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newMappingService(f)
	ctx := context.Background()

	resp, err := svc.Create(ctx, f.conn.ID, CreateMappingRequest{
		LocalEntityType:  "User",
		RemoteEntityName: "Contact",
		FieldMappings: []FieldMappingRequest{
			{LocalField: "Email", RemoteField: "EmailAddress1"},
			{LocalField: "Id", RemoteField: "contactid"},
			{LocalField: "CompanyId", RemoteField: "parentcustomerid"},
			{LocalField: "FirstName", RemoteField: "firstname", Direction: "Inbound"},
			{LocalField: "LastName", RemoteField: "ownerid"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "contact", resp.RemoteEntityName)
	assert.Equal(t, string(crm.DirectionBidirectional), resp.Direction)
	assert.True(t, resp.Enabled)
	assert.ElementsMatch(t, []string{"contactid", "parentcustomerid", "ownerid"}, resp.DroppedFields)
	require.Len(t, resp.FieldMappings, 2)
	assert.Equal(t, "emailaddress1", resp.FieldMappings[0].RemoteField)
	assert.Equal(t, "Inbound", resp.FieldMappings[1].Direction)

	stored, err := f.mappings.FindByID(ctx, resp.ID)
	require.NoError(t, err)
	assert.Len(t, stored.FieldMappings, 2)

	t.Run("invalid local type", func(t *testing.T) {
		_, err := svc.Create(ctx, f.conn.ID, CreateMappingRequest{LocalEntityType: "Invoice", RemoteEntityName: "invoice"})
		requireDomainCode(t, err, "INVALID_INPUT")
	})

	t.Run("unknown connection", func(t *testing.T) {
		_, err := svc.Create(ctx, uuid.New(), CreateMappingRequest{LocalEntityType: "User", RemoteEntityName: "contact"})
		requireDomainCode(t, err, "NOT_FOUND")
	})
}

func TestMappingService_CreateWithoutProvider(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := NewMappingService(f.mappings, f.connections, fakeFactory{}, nil)

	// discovery is best effort; the static protected list still applies
	resp, err := svc.Create(context.Background(), f.conn.ID, CreateMappingRequest{
		LocalEntityType:  "Company",
		RemoteEntityName: "account",
		FieldMappings: []FieldMappingRequest{
			{LocalField: "Title", RemoteField: "name"},
			{LocalField: "Id", RemoteField: "accountid"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"accountid"}, resp.DroppedFields)
	assert.Len(t, resp.FieldMappings, 1)
}

func TestMappingService_Update(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newMappingService(f)
	ctx := context.Background()
	m := f.userMapping(t, crm.DirectionOutbound)

	dir := "Inbound"
	off := false
	filter := "  statecode eq 0 "
	resp, err := svc.Update(ctx, m.ID, UpdateMappingRequest{Direction: &dir, Enabled: &off, Filter: &filter})
	require.NoError(t, err)
	assert.Equal(t, "Inbound", resp.Direction)
	assert.False(t, resp.Enabled)
	assert.Equal(t, "statecode eq 0", resp.Filter)

	bad := "Sideways"
	_, err = svc.Update(ctx, m.ID, UpdateMappingRequest{Direction: &bad})
	requireDomainCode(t, err, "INVALID_INPUT")
}

func TestMappingService_ListByConnection(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newMappingService(f)
	ctx := context.Background()

	companies := f.companyMapping(t, crm.DirectionOutbound)
	users := f.userMapping(t, crm.DirectionOutbound)

	list, err := svc.ListByConnection(ctx, f.conn.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, companies.ID, list[0].ID)
	assert.Equal(t, users.ID, list[1].ID)
}

func TestMappingService_ReplaceFieldMappings(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newMappingService(f)
	ctx := context.Background()
	m := f.userMapping(t, crm.DirectionOutbound)

	resp, err := svc.ReplaceFieldMappings(ctx, m.ID, ReplaceFieldMappingsRequest{
		Fields: []FieldMappingRequest{
			{LocalField: "PhoneNumber", RemoteField: "telephone1"},
			{LocalField: "Id", RemoteField: "_parentcustomerid_value"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"_parentcustomerid_value"}, resp.DroppedFields)
	require.Len(t, resp.FieldMappings, 1)
	assert.Equal(t, "telephone1", resp.FieldMappings[0].RemoteField)

	_, err = svc.ReplaceFieldMappings(ctx, m.ID, ReplaceFieldMappingsRequest{
		Fields: []FieldMappingRequest{{LocalField: " ", RemoteField: "telephone1"}},
	})
	requireDomainCode(t, err, "INVALID_INPUT")
}

func TestMappingService_Relationships(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newMappingService(f)
	ctx := context.Background()
	m := f.userMapping(t, crm.DirectionOutbound)

	rel, err := svc.AddRelationship(ctx, m.ID, RelationshipMappingRequest{
		LocalField:        "CompanyId",
		RelatedEntityType: "Company",
		RemoteEntityName:  "Account",
		LookupHint:        " ParentCustomerId ",
	})
	require.NoError(t, err)
	assert.Equal(t, "account", rel.RemoteEntityName)
	assert.Equal(t, "parentcustomerid", rel.LookupHint)

	got, err := svc.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, got.RelationshipMappings, 1)

	_, err = svc.AddRelationship(ctx, m.ID, RelationshipMappingRequest{
		LocalField: "CompanyId", RelatedEntityType: "Invoice", RemoteEntityName: "account",
	})
	requireDomainCode(t, err, "INVALID_INPUT")

	require.NoError(t, svc.RemoveRelationship(ctx, m.ID, rel.ID))
	requireDomainCode(t, svc.RemoveRelationship(ctx, m.ID, rel.ID), "NOT_FOUND")

	got, err = svc.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RelationshipMappings)
}

func TestMappingService_Delete(t *testing.T) {
	f := newSyncFixture(t, testOptions(1))
	svc := newMappingService(f)
	ctx := context.Background()
	m := f.companyMapping(t, crm.DirectionOutbound)

	require.NoError(t, svc.Delete(ctx, m.ID))
	_, err := svc.GetByID(ctx, m.ID)
	requireDomainCode(t, err, "NOT_FOUND")
	requireDomainCode(t, svc.Delete(ctx, m.ID), "NOT_FOUND")
}
