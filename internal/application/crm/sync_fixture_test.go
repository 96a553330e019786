package crm

import (
	"context"
	"testing"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/persistence"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// syncFixture wires a SyncService to sqlite-backed stores and a fake CRM.
type syncFixture struct {
	provider     *fakeProvider
	connections  *persistence.GormConnectionRepository
	mappings     *persistence.GormEntityMappingRepository
	correlations *persistence.GormCorrelationStore
	logs         *persistence.GormSyncLogRepository
	locals       *persistence.GormLocalEntityStore
	deps         SyncDependencies
	svc          *SyncService
	conn         *crm.Connection

	mappingSeq int
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(persistence.AllModels()...))
	return db
}

func newSyncFixture(t *testing.T, opts SyncOptions) *syncFixture {
	t.Helper()
	db := openTestDB(t)
	f := &syncFixture{
		provider:     newFakeProvider(),
		connections:  persistence.NewGormConnectionRepository(db, persistence.NewCredentialCipher("test-credential-key")),
		mappings:     persistence.NewGormEntityMappingRepository(db),
		correlations: persistence.NewGormCorrelationStore(db),
		logs:         persistence.NewGormSyncLogRepository(db),
		locals:       persistence.NewGormLocalEntityStore(db),
	}
	f.deps = SyncDependencies{
		Connections:  f.connections,
		Mappings:     f.mappings,
		Correlations: f.correlations,
		Logs:         f.logs,
		Locals:       f.locals,
		Providers:    fakeFactory{provider: f.provider},
	}
	f.svc = NewSyncService(f.deps, opts, zap.NewNop())

	conn, err := crm.NewConnection("Contoso", crm.ProviderDynamics365, "https://contoso.crm.dynamics.com", crm.Credentials{
		ClientID:     "client",
		ClientSecret: "secret",
	})
	require.NoError(t, err)
	conn.WebhookSecret = "hook-secret"
	require.NoError(t, f.connections.Save(context.Background(), conn))
	f.conn = conn
	return f
}

type fieldPair struct {
	local, remote string
}

// addMapping saves a mapping; mappings run in the order they were added.
func (f *syncFixture) addMapping(t *testing.T, localType crm.EntityType, remote string, dir crm.Direction, fields ...fieldPair) *crm.EntityMapping {
	t.Helper()
	m, err := crm.NewEntityMapping(f.conn.ID, localType, remote, dir)
	require.NoError(t, err)
	f.mappingSeq++
	m.CreatedAt = time.Now().Add(-time.Hour).Add(time.Duration(f.mappingSeq) * time.Second)

	fms := make([]crm.FieldMapping, len(fields))
	for i, p := range fields {
		fms[i] = crm.FieldMapping{LocalField: p.local, RemoteField: p.remote, Order: i}
	}
	_, err = m.ReplaceFieldMappings(fms, nil)
	require.NoError(t, err)
	require.NoError(t, f.mappings.Save(context.Background(), m))
	return m
}

func (f *syncFixture) addRelationship(t *testing.T, m *crm.EntityMapping, r crm.RelationshipMapping) {
	t.Helper()
	_, err := m.AddRelationship(r)
	require.NoError(t, err)
	require.NoError(t, f.mappings.Save(context.Background(), m))
}

func (f *syncFixture) userMapping(t *testing.T, dir crm.Direction) *crm.EntityMapping {
	return f.addMapping(t, crm.EntityTypeUser, "contact", dir,
		fieldPair{"Email", "emailaddress1"},
		fieldPair{"FirstName", "firstname"})
}

func (f *syncFixture) companyMapping(t *testing.T, dir crm.Direction) *crm.EntityMapping {
	return f.addMapping(t, crm.EntityTypeCompany, "account", dir, fieldPair{"Title", "name"})
}

func (f *syncFixture) createLocal(t *testing.T, et crm.EntityType, fields map[string]crm.Value) int64 {
	t.Helper()
	id, err := f.locals.Create(context.Background(), et, fields)
	require.NoError(t, err)
	return id
}

func (f *syncFixture) createUser(t *testing.T, email, first string) int64 {
	return f.createLocal(t, crm.EntityTypeUser, map[string]crm.Value{
		"Email":     crm.StringValue(email),
		"FirstName": crm.StringValue(first),
	})
}

func (f *syncFixture) reloadConnection(t *testing.T) *crm.Connection {
	t.Helper()
	conn, err := f.connections.FindByID(context.Background(), f.conn.ID)
	require.NoError(t, err)
	return conn
}

func (f *syncFixture) correlationFor(t *testing.T, et crm.EntityType, id int64) *crm.CorrelationEntry {
	t.Helper()
	entry, err := f.correlations.GetByLocal(context.Background(), f.conn.ID, et, id)
	if err != nil {
		require.ErrorIs(t, err, crm.ErrCorrelationNotFound)
		return nil
	}
	return entry
}

func (f *syncFixture) syncLogs(t *testing.T) []crm.SyncLog {
	t.Helper()
	logs, err := f.logs.ListByConnection(context.Background(), f.conn.ID, crm.SyncLogFilter{Limit: 500})
	require.NoError(t, err)
	return logs
}

func testOptions(concurrency int) SyncOptions {
	opts := DefaultSyncOptions()
	opts.Concurrency = concurrency
	return opts
}
