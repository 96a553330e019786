package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	crmapp "github.com/authscape/crmsync/internal/application/crm"
	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/auth"
	"github.com/authscape/crmsync/internal/infrastructure/cache"
	"github.com/authscape/crmsync/internal/infrastructure/config"
	"github.com/authscape/crmsync/internal/infrastructure/crmprovider"
	"github.com/authscape/crmsync/internal/infrastructure/logger"
	"github.com/authscape/crmsync/internal/infrastructure/migration"
	"github.com/authscape/crmsync/internal/infrastructure/persistence"
	"github.com/authscape/crmsync/internal/infrastructure/scheduler"
	"github.com/authscape/crmsync/internal/infrastructure/telemetry"
	"github.com/authscape/crmsync/internal/interfaces/http/handler"
	"github.com/authscape/crmsync/internal/interfaces/http/middleware"
	"github.com/authscape/crmsync/internal/interfaces/http/router"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.App.Name,
		Env:     cfg.App.Env,
	}
	if cfg.App.Env == "production" {
		logCfg.SampleInitial, logCfg.SampleThereafter = 100, 100
	}
	baseLog, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Telemetry: traces, metrics, logs and profiles share one resource
	telCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	}
	tp, err := telemetry.NewTracerProvider(ctx, telCfg, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	mp, err := telemetry.NewMeterProvider(ctx, telCfg, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	logsCfg := telCfg
	logsCfg.Enabled = cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled
	lp, err := telemetry.NewLoggerProvider(ctx, logsCfg, baseLog)
	if err != nil {
		baseLog.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	log := telemetry.BridgeLogger(baseLog, lp, cfg.Telemetry.ServiceName, level)
	defer func() {
		_ = logger.Sync(log)
	}()

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           cfg.Telemetry.ProfilerEnabled,
		ServerAddress:     cfg.Telemetry.ProfilerAddress,
		ApplicationName:   cfg.Telemetry.ServiceName,
		BasicAuthUser:     cfg.Telemetry.ProfilerAuthUser,
		BasicAuthPassword: cfg.Telemetry.ProfilerAuthPass,
		ProfileTypes:      cfg.Telemetry.ProfileTypes,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if cfg.Telemetry.ProfilerEnabled && cfg.Telemetry.SpanProfiles {
		tp.EnableSpanProfiles()
	}

	log.Info("Starting CRM sync service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)

	// Database with zap-backed GORM logger and query instrumentation
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh))
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	dbCfg := telemetry.DefaultDBInstrumentationConfig()
	dbCfg.TraceEnabled = cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled
	dbCfg.LogFullSQL = cfg.Telemetry.DBLogFullSQL
	dbCfg.DBSystem = cfg.Database.Driver
	if cfg.Telemetry.DBSlowQueryThresh > 0 {
		dbCfg.SlowQueryThresh = cfg.Telemetry.DBSlowQueryThresh
	}
	var dbMeter = mp.Meter("crmsync/db")
	if !mp.IsEnabled() {
		dbMeter = nil
	}
	dbInstr, err := telemetry.NewDBInstrumentation(dbCfg, dbMeter, log)
	if err != nil {
		log.Fatal("Failed to create database instrumentation", zap.Error(err))
	}
	if err := db.DB.Use(dbInstr); err != nil {
		log.Fatal("Failed to register database instrumentation", zap.Error(err))
	}
	dbInstr.StartPoolStatsCollection(ctx)
	defer dbInstr.Stop()

	if err := migrateSchema(db, cfg.Database.Driver, log); err != nil {
		log.Fatal("Failed to migrate database schema", zap.Error(err))
	}
	log.Info("Database connected successfully", zap.String("driver", cfg.Database.Driver))

	// Short-lived state: webhook dedup, sessions, progress
	stores, err := cache.NewStoreFactory(cfg.Redis, cfg.Webhook, cfg.Sync, cache.WithLogger(log)).CreateStores(ctx)
	if err != nil {
		log.Fatal("Failed to create stores", zap.Error(err))
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("Error closing stores", zap.Error(err))
		}
	}()

	// Repositories
	cipher := persistence.NewCredentialCipher(cfg.Security.CredentialKey)
	connectionRepo := persistence.NewGormConnectionRepository(db.DB, cipher)
	mappingRepo := persistence.NewGormEntityMappingRepository(db.DB)
	correlationStore := persistence.NewGormCorrelationStore(db.DB)
	syncLogRepo := persistence.NewGormSyncLogRepository(db.DB)
	localStore := persistence.NewGormLocalEntityStore(db.DB)

	// Sync metrics
	syncMetrics, err := telemetry.NewSyncMetrics(telemetry.SyncMetricsConfig{
		Meter:  mp.Meter("crmsync/sync"),
		Logger: log,
		Stats:  telemetry.NewGormCorrelationStatsProvider(db.DB),
	})
	if err != nil {
		log.Fatal("Failed to create sync metrics", zap.Error(err))
	}
	if mp.IsEnabled() {
		syncMetrics.StartPeriodicCollection(ctx, cfg.Telemetry.MetricsInterval)
	}
	defer syncMetrics.Stop()

	// Providers
	providers := crmprovider.NewRegistry()
	dynamics, err := crmprovider.NewDynamicsAdapter(crmprovider.DynamicsConfigFrom(cfg.Dynamics), log,
		crmprovider.WithRequestObserver(func(method string, status int, d time.Duration) {
			syncMetrics.RecordProviderRequest(context.Background(), string(crm.ProviderDynamics365), method, status, d)
		}))
	if err != nil {
		log.Fatal("Failed to create Dynamics 365 provider", zap.Error(err))
	}
	providers.Register(crm.ProviderDynamics365, dynamics)

	// Application services
	syncService := crmapp.NewSyncService(crmapp.SyncDependencies{
		Connections:  connectionRepo,
		Mappings:     mappingRepo,
		Correlations: correlationStore,
		Logs:         syncLogRepo,
		Locals:       localStore,
		Providers:    providers,
		Progress:     stores.Progress,
	}, crmapp.SyncOptions{
		Concurrency:      cfg.Sync.Concurrency,
		ProgressInterval: cfg.Sync.ProgressInterval,
		ProgressBuffer:   cfg.Sync.ProgressBuffer,
	}, log)
	syncService.SetSyncMetrics(syncMetrics)

	connectionService := crmapp.NewConnectionService(connectionRepo, syncLogRepo, providers, log)
	mappingService := crmapp.NewMappingService(mappingRepo, connectionRepo, providers, log)
	webhookService := crmapp.NewWebhookService(stores.Sessions, connectionRepo, providers, stores.Idempotency, syncService,
		crmapp.WebhookOptions{
			SessionTTL:     cfg.Webhook.SessionTTL,
			DedupTTL:       cfg.Webhook.DedupTTL,
			MaxPayloadSize: cfg.Webhook.MaxPayloadSize,
		}, log)

	// Background connection passes
	var jobs handler.JobScheduler
	if cfg.Scheduler.Enabled {
		syncScheduler, cron := startScheduler(ctx, cfg.Scheduler, syncService, connectionRepo, log)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := cron.Stop(stopCtx); err != nil {
				log.Error("Error stopping sync cron trigger", zap.Error(err))
			}
			if err := syncScheduler.Stop(stopCtx); err != nil {
				log.Error("Error stopping sync scheduler", zap.Error(err))
			}
		}()
		jobs = syncScheduler
	}

	// Authentication
	jwtService := auth.NewJWTService(cfg.Security)
	revocations := auth.NewRevocationList(stores.Idempotency)

	// HTTP handlers
	systemHandler := handler.NewSystemHandler(cfg.App.Name, version)
	systemHandler.AddCheck("database", func(context.Context) error { return db.Ping() })
	systemHandler.AddCheck("cache", stores.Ping)

	handlers := router.Handlers{
		Connections: handler.NewConnectionHandler(connectionService),
		Mappings:    handler.NewMappingHandler(mappingService),
		Sync:        handler.NewSyncHandler(syncService, jobs, stores.Progress),
		Webhooks:    handler.NewWebhookHandler(webhookService),
		Auth:        handler.NewAuthHandler(revocations),
		System:      systemHandler,
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Middleware order:
	// 1. RequestID, Recovery, Logger
	// 2. Tracing, SpanErrorMarker, HTTPMetrics, Profiling
	// 3. Security headers, CORS, BodyLimit
	// 4. RateLimit (if enabled)
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	}))
	engine.Use(middleware.SpanErrorMarker())
	engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		MeterProvider: mp,
		Enabled:       mp.IsEnabled(),
		Logger:        log,
	}))
	profilingCfg := middleware.DefaultProfilingConfig()
	profilingCfg.Enabled = cfg.Telemetry.ProfilerEnabled
	engine.Use(middleware.ProfilingWithConfig(profilingCfg))
	engine.Use(middleware.Secure())

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	engine.Use(middleware.CORSWithConfig(corsCfg))
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	if cfg.HTTP.RateLimit > 0 {
		apiLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst)
		defer apiLimiter.Stop()
		engine.Use(middleware.RateLimit(apiLimiter))
		log.Info("Rate limiting enabled",
			zap.Float64("requests_per_second", cfg.HTTP.RateLimit),
			zap.Int("burst", cfg.HTTP.RateBurst),
		)
	}
	webhookLimiter := middleware.NewRateLimiter(cfg.Webhook.RateLimit, cfg.Webhook.RateBurst)
	defer webhookLimiter.Stop()

	jwtCfg := middleware.DefaultJWTConfig(jwtService)
	jwtCfg.Revocations = revocations
	jwtCfg.Logger = log
	groups := router.RegisterAPI(engine, handlers, router.APIConfig{
		Authenticate:    middleware.JWTAuthMiddlewareWithConfig(jwtCfg),
		PostAuth:        []gin.HandlerFunc{middleware.TracingAttributeInjector()},
		WebhookLimiter:  webhookLimiter,
		WebhookMaxBytes: cfg.Webhook.MaxPayloadSize,
		SyncTimeout:     cfg.Sync.PassTimeout,
		Logger:          log,
	})
	for _, g := range groups {
		log.Debug("Registered route group", zap.String("group", g.Name()), zap.Int("routes", len(g.Routes())))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	stop()

	if err := profiler.Stop(); err != nil {
		log.Warn("Error stopping profiler", zap.Error(err))
	}
	for name, shutdown := range map[string]func(context.Context) error{
		"tracer": tp.Shutdown,
		"meter":  mp.Shutdown,
		"logger": lp.Shutdown,
	} {
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn("Error shutting down telemetry provider", zap.String("provider", name), zap.Error(err))
		}
	}

	log.Info("Server exited gracefully")
}

// migrateSchema applies the embedded SQL migrations on postgres and
// auto-migrates the models on sqlite.
func migrateSchema(db *persistence.Database, driver string, log *zap.Logger) error {
	if driver == "sqlite" {
		return db.AutoMigrate()
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	// The migrator is not closed: closing it closes the shared *sql.DB.
	m, err := migration.NewEmbedded(sqlDB, log)
	if err != nil {
		return err
	}
	return m.Up()
}

func startScheduler(
	ctx context.Context,
	cfg config.SchedulerConfig,
	syncService *crmapp.SyncService,
	connections crm.ConnectionRepository,
	log *zap.Logger,
) (*scheduler.ConnectionSyncScheduler, *scheduler.CronTrigger) {
	schedCfg := scheduler.DefaultConnectionSyncSchedulerConfig()
	if cfg.MaxConcurrentJobs > 0 {
		schedCfg.MaxConcurrentJobs = cfg.MaxConcurrentJobs
	}
	if cfg.JobTimeout > 0 {
		schedCfg.JobTimeout = cfg.JobTimeout
	}
	if cfg.RetryAttempts >= 0 {
		schedCfg.RetryAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		schedCfg.RetryDelay = cfg.RetryDelay
	}

	syncScheduler, err := scheduler.NewConnectionSyncScheduler(schedCfg, scheduler.NewSyncServiceExecutor(syncService), log)
	if err != nil {
		log.Fatal("Failed to create sync scheduler", zap.Error(err))
	}
	if err := syncScheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start sync scheduler", zap.Error(err))
	}

	lister := scheduler.ConnectionListerFunc(func(ctx context.Context) ([]uuid.UUID, error) {
		conns, err := connections.FindEnabled(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, 0, len(conns))
		for _, c := range conns {
			ids = append(ids, c.ID)
		}
		return ids, nil
	})
	cron, err := scheduler.NewCronTrigger(scheduler.CronTriggerConfig{
		IncrementalSchedule: cfg.IncrementalSchedule,
		FullSyncSchedule:    cfg.FullSyncSchedule,
	}, syncScheduler, lister, log)
	if err != nil {
		log.Fatal("Failed to create sync cron trigger", zap.Error(err))
	}
	if err := cron.Start(ctx); err != nil {
		log.Fatal("Failed to start sync cron trigger", zap.Error(err))
	}

	log.Info("Sync scheduler started",
		zap.Int("max_concurrent_jobs", schedCfg.MaxConcurrentJobs),
		zap.Duration("job_timeout", schedCfg.JobTimeout),
		zap.String("incremental_schedule", cfg.IncrementalSchedule),
		zap.String("full_schedule", cfg.FullSyncSchedule),
	)
	return syncScheduler, cron
}
