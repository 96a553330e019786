package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Exec(`CREATE TABLE crm_external_ids (id TEXT PRIMARY KEY, connection_id TEXT NOT NULL)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE crm_sync_logs (id TEXT PRIMARY KEY, connection_id TEXT NOT NULL, status TEXT NOT NULL, created_at DATETIME NOT NULL)`).Error)
	return db
}

func setupSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestDBInstrumentation_Metrics(t *testing.T) {
	reader, provider := newTestMeter(t)
	db := newTestDB(t)

	inst, err := NewDBInstrumentation(DBInstrumentationConfig{SlowQueryThresh: time.Nanosecond}, provider.Meter("db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Use(inst))
	defer inst.Stop()

	ctx := context.Background()
	require.NoError(t, db.WithContext(ctx).Exec(`INSERT INTO crm_external_ids (id, connection_id) VALUES (?, ?)`, "a", "c").Error)
	var n int64
	require.NoError(t, db.WithContext(ctx).Table("crm_external_ids").Count(&n).Error)
	assert.Equal(t, int64(1), n)

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumWhere(t, metrics["db_query_total"], AttrDBOperation.String("INSERT")))
	assert.Equal(t, int64(1), sumWhere(t, metrics["db_query_total"], AttrDBOperation.String("SELECT")))
	assert.GreaterOrEqual(t, sumWhere(t, metrics["db_slow_query_total"], AttrDBTable.String("crm_external_ids")), int64(1))
}

func TestDBInstrumentation_WithoutMeter(t *testing.T) {
	db := newTestDB(t)
	inst, err := NewDBInstrumentation(DBInstrumentationConfig{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, db.Use(inst))

	assert.Equal(t, DefaultDBInstrumentationConfig().SlowQueryThresh, inst.config.SlowQueryThresh)
	require.NoError(t, db.Exec(`DELETE FROM crm_external_ids`).Error)
	inst.StartPoolStatsCollection(context.Background())
	inst.Stop()
}

func TestDBInstrumentation_SpanAttributes(t *testing.T) {
	sr := setupSpanRecorder(t)
	db := newTestDB(t)
	inst, err := NewDBInstrumentation(DBInstrumentationConfig{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, db.Use(inst))

	ctx, span := StartSpan(context.Background(), "parent")
	require.NoError(t, db.WithContext(ctx).Exec(`INSERT INTO crm_external_ids (id, connection_id) VALUES ('x', 'y')`).Error)
	span.End()

	got := sr.Ended()
	require.Len(t, got, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, int64(1), attrs["db.rows_affected"].AsInt64())
}

func TestDetectOperationType(t *testing.T) {
	assert.Equal(t, "SELECT", detectOperationType("  select 1"))
	assert.Equal(t, "DELETE", detectOperationType("DELETE FROM x"))
	assert.Equal(t, "OTHER", detectOperationType("PRAGMA foreign_keys"))
}

func TestGormCorrelationStatsProvider(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	connA, connB := uuid.New(), uuid.New()

	for i, conn := range []uuid.UUID{connA, connA, connB} {
		require.NoError(t, db.Exec(`INSERT INTO crm_external_ids (id, connection_id) VALUES (?, ?)`,
			uuid.NewString(), conn.String()).Error, i)
	}
	now := time.Now().UTC()
	logs := []struct {
		conn   uuid.UUID
		status string
		at     time.Time
	}{
		{connA, "Failed", now},
		{connA, "Success", now},
		{connB, "Failed", now.Add(-2 * time.Hour)},
	}
	for _, l := range logs {
		require.NoError(t, db.Exec(`INSERT INTO crm_sync_logs (id, connection_id, status, created_at) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), l.conn.String(), l.status, l.at).Error)
	}

	p := NewGormCorrelationStatsProvider(db)
	counts, err := p.CorrelationsByConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int64{connA: 2, connB: 1}, counts)

	failures, err := p.FailuresSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int64{connA: 1}, failures)
}
