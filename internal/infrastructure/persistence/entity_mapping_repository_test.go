package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormEntityMappingRepository(t *testing.T) {
	ctx := context.Background()
	db := setupCRMTestDB(t)
	repo := NewGormEntityMappingRepository(db)
	connID := uuid.New()

	m, err := crm.NewEntityMapping(connID, crm.EntityTypeUser, "Contact", crm.DirectionBidirectional)
	require.NoError(t, err)
	dropped, err := m.ReplaceFieldMappings([]crm.FieldMapping{
		{LocalField: "LastName", RemoteField: "lastname", Order: 2},
		{LocalField: "Email", RemoteField: "emailaddress1", Order: 1},
		{LocalField: "FirstName", RemoteField: "firstname", Direction: crm.DirectionInbound, Order: 3},
		{LocalField: "CompanyId", RemoteField: "parentcustomerid"},
	}, map[string]bool{"parentcustomerid": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"parentcustomerid"}, dropped)
	_, err = m.AddRelationship(crm.RelationshipMapping{
		LocalField:        "CompanyId",
		RelatedEntityType: crm.EntityTypeCompany,
		RemoteEntityName:  "account",
		LookupHint:        "parentcustomerid",
		SyncNullValues:    true,
	})
	require.NoError(t, err)

	t.Run("save and load with children", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, m))

		found, err := repo.FindByID(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "contact", found.RemoteEntityName)
		assert.Equal(t, crm.DirectionBidirectional, found.Direction)
		assert.True(t, found.Enabled)
		require.Len(t, found.FieldMappings, 3)
		assert.Equal(t, "Email", found.FieldMappings[0].LocalField)
		assert.Equal(t, "LastName", found.FieldMappings[1].LocalField)
		assert.Equal(t, crm.DirectionInbound, found.FieldMappings[2].Direction)
		require.Len(t, found.RelationshipMappings, 1)
		rel := found.RelationshipMappings[0]
		assert.Equal(t, crm.EntityTypeCompany, rel.RelatedEntityType)
		assert.True(t, rel.SyncNullValues)
	})

	t.Run("save replaces children", func(t *testing.T) {
		_, err := m.ReplaceFieldMappings([]crm.FieldMapping{{LocalField: "Email", RemoteField: "emailaddress1"}}, nil)
		require.NoError(t, err)
		require.NoError(t, m.RemoveRelationship(m.RelationshipMappings[0].ID))
		require.NoError(t, repo.Save(ctx, m))

		found, err := repo.FindByID(ctx, m.ID)
		require.NoError(t, err)
		assert.Len(t, found.FieldMappings, 1)
		assert.Empty(t, found.RelationshipMappings)
	})

	t.Run("enabled mappings in creation order", func(t *testing.T) {
		second, err := crm.NewEntityMapping(connID, crm.EntityTypeCompany, "account", crm.DirectionOutbound)
		require.NoError(t, err)
		second.CreatedAt = m.CreatedAt.Add(time.Second)
		disabled, err := crm.NewEntityMapping(connID, crm.EntityTypeLocation, "site", crm.DirectionInbound)
		require.NoError(t, err)
		disabled.Enabled = false
		require.NoError(t, repo.Save(ctx, second))
		require.NoError(t, repo.Save(ctx, disabled))

		all, err := repo.FindByConnection(ctx, connID)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		enabled, err := repo.FindEnabledByConnection(ctx, connID)
		require.NoError(t, err)
		require.Len(t, enabled, 2)
		assert.Equal(t, m.ID, enabled[0].ID)
		assert.Equal(t, second.ID, enabled[1].ID)

		found, err := repo.FindByID(ctx, disabled.ID)
		require.NoError(t, err)
		assert.False(t, found.Enabled)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, m.ID))
		_, err := repo.FindByID(ctx, m.ID)
		assert.ErrorIs(t, err, crm.ErrEntityMappingNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, m.ID), crm.ErrEntityMappingNotFound)
	})
}
