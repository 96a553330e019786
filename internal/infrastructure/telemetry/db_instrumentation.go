package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBInstrumentationConfig controls query tracing and query metrics.
type DBInstrumentationConfig struct {
	TraceEnabled      bool
	LogFullSQL        bool // include bound variables in spans; development only
	SlowQueryThresh   time.Duration
	DBSystem          string
	PoolStatsInterval time.Duration
}

// DefaultDBInstrumentationConfig returns secure defaults.
func DefaultDBInstrumentationConfig() DBInstrumentationConfig {
	return DBInstrumentationConfig{
		SlowQueryThresh:   200 * time.Millisecond,
		DBSystem:          "postgresql",
		PoolStatsInterval: 15 * time.Second,
	}
}

type dbContextKey struct{}

// DBInstrumentation is a gorm plugin that enriches otelgorm spans with slow
// query markers and records per-operation query metrics.
type DBInstrumentation struct {
	config DBInstrumentationConfig
	logger *zap.Logger

	queryTotal     *Counter
	queryDuration  *Histogram
	slowQueryTotal *Counter
	poolConns      *Gauge

	db       *gorm.DB
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDBInstrumentation creates the plugin. meter may be nil to disable query metrics.
func NewDBInstrumentation(cfg DBInstrumentationConfig, meter metric.Meter, logger *zap.Logger) (*DBInstrumentation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultDBInstrumentationConfig()
	if cfg.SlowQueryThresh <= 0 {
		cfg.SlowQueryThresh = defaults.SlowQueryThresh
	}
	if cfg.DBSystem == "" {
		cfg.DBSystem = defaults.DBSystem
	}
	if cfg.PoolStatsInterval <= 0 {
		cfg.PoolStatsInterval = defaults.PoolStatsInterval
	}

	d := &DBInstrumentation{config: cfg, logger: logger.Named("db"), stopCh: make(chan struct{})}
	if meter == nil {
		return d, nil
	}

	var err error
	if d.queryTotal, err = NewCounter(meter, "db_query_total", "Database queries by operation", "{query}"); err != nil {
		return nil, err
	}
	if d.queryDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_query_duration_seconds",
		Description: "Database query latency",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if d.slowQueryTotal, err = NewCounter(meter, "db_slow_query_total", "Queries slower than the threshold", "{query}"); err != nil {
		return nil, err
	}
	if d.poolConns, err = NewGauge(meter, "db_pool_connections", "Connections in the pool by state", "{connection}"); err != nil {
		return nil, err
	}
	return d, nil
}

// Name implements gorm.Plugin.
func (d *DBInstrumentation) Name() string {
	return "crmsync:db_instrumentation"
}

// Initialize implements gorm.Plugin.
func (d *DBInstrumentation) Initialize(db *gorm.DB) error {
	if d.config.TraceEnabled {
		opts := []otelgorm.Option{otelgorm.WithDBName(d.config.DBSystem)}
		if !d.config.LogFullSQL {
			opts = append(opts, otelgorm.WithoutQueryVariables())
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return err
		}
	}

	cb := db.Callback()
	registrations := []struct {
		op       string
		register func(before, after func(*gorm.DB)) error
	}{
		{"INSERT", func(before, after func(*gorm.DB)) error {
			return errors.Join(
				cb.Create().Before("gorm:create").Register("crmsync:before_create", before),
				cb.Create().After("gorm:create").Register("crmsync:after_create", after))
		}},
		{"SELECT", func(before, after func(*gorm.DB)) error {
			return errors.Join(
				cb.Query().Before("gorm:query").Register("crmsync:before_query", before),
				cb.Query().After("gorm:query").Register("crmsync:after_query", after))
		}},
		{"UPDATE", func(before, after func(*gorm.DB)) error {
			return errors.Join(
				cb.Update().Before("gorm:update").Register("crmsync:before_update", before),
				cb.Update().After("gorm:update").Register("crmsync:after_update", after))
		}},
		{"DELETE", func(before, after func(*gorm.DB)) error {
			return errors.Join(
				cb.Delete().Before("gorm:delete").Register("crmsync:before_delete", before),
				cb.Delete().After("gorm:delete").Register("crmsync:after_delete", after))
		}},
		{"", func(before, after func(*gorm.DB)) error {
			return errors.Join(
				cb.Row().Before("gorm:row").Register("crmsync:before_row", before),
				cb.Row().After("gorm:row").Register("crmsync:after_row", after))
		}},
		{"", func(before, after func(*gorm.DB)) error {
			return errors.Join(
				cb.Raw().Before("gorm:raw").Register("crmsync:before_raw", before),
				cb.Raw().After("gorm:raw").Register("crmsync:after_raw", after))
		}},
	}
	for _, r := range registrations {
		op := r.op
		if err := r.register(d.before, func(tx *gorm.DB) { d.after(tx, op) }); err != nil {
			return err
		}
	}

	d.db = db
	d.logger.Info("Database instrumentation enabled",
		zap.Bool("tracing", d.config.TraceEnabled),
		zap.Bool("metrics", d.queryTotal != nil),
		zap.Duration("slow_query_threshold", d.config.SlowQueryThresh),
	)
	return nil
}

func (d *DBInstrumentation) before(tx *gorm.DB) {
	ctx := tx.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	tx.Statement.Context = context.WithValue(ctx, dbContextKey{}, time.Now())
}

func (d *DBInstrumentation) after(tx *gorm.DB, op string) {
	ctx := tx.Statement.Context
	if ctx == nil {
		return
	}
	if op == "" {
		op = detectOperationType(tx.Statement.SQL.String())
	}
	table := tx.Statement.Table
	if table == "" {
		table = "unknown"
	}

	var elapsed time.Duration
	if start, ok := ctx.Value(dbContextKey{}).(time.Time); ok {
		elapsed = time.Since(start)
	}
	slow := elapsed > d.config.SlowQueryThresh

	if d.queryTotal != nil {
		d.queryTotal.Inc(ctx, AttrDBOperation.String(op))
		d.queryDuration.RecordDuration(ctx, elapsed, AttrDBOperation.String(op))
		if slow {
			d.slowQueryTotal.Inc(ctx, AttrDBTable.String(table))
		}
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.Int64("db.rows_affected", tx.Statement.RowsAffected),
		attribute.String("db.sql.table", table),
	)
	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		span.SetStatus(codes.Error, tx.Error.Error())
		span.RecordError(tx.Error)
	}
	if slow {
		span.SetAttributes(attribute.Bool("db.slow_query", true))
		span.AddEvent("slow_query_warning", trace.WithAttributes(
			attribute.Int64("duration_ms", elapsed.Milliseconds()),
			attribute.Int64("threshold_ms", d.config.SlowQueryThresh.Milliseconds()),
		))
	}
}

func detectOperationType(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(sql, op) {
			return op
		}
	}
	return "OTHER"
}

// StartPoolStatsCollection samples connection pool state until Stop or ctx ends.
func (d *DBInstrumentation) StartPoolStatsCollection(ctx context.Context) {
	if d.poolConns == nil || d.db == nil {
		return
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		d.logger.Warn("Cannot collect pool stats", zap.Error(err))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.config.PoolStatsInterval)
		defer ticker.Stop()
		for {
			stats := sqlDB.Stats()
			d.poolConns.Record(ctx, int64(stats.Idle), attribute.String("db.pool.state", "idle"))
			d.poolConns.Record(ctx, int64(stats.InUse), attribute.String("db.pool.state", "in_use"))
			select {
			case <-ticker.C:
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends pool stats collection.
func (d *DBInstrumentation) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
	})
}
