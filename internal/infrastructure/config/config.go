package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Webhook   WebhookConfig
	Dynamics  DynamicsConfig
	Security  SecurityConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite
	Path            string // sqlite file path
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	// KeyPrefix namespaces every key this service writes
	KeyPrefix string
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	TrustedProxies   []string
	// RateLimit is requests per second per client IP on the admin API; 0 disables it
	RateLimit float64
	RateBurst int
}

// SyncConfig holds sync engine settings
type SyncConfig struct {
	Concurrency      int           // records processed in parallel within one mapping pass
	ProgressInterval int           // report progress every N records
	ProgressBuffer   int           // pending progress ticks before new ticks are dropped
	PassTimeout      time.Duration // upper bound for one manual sync request
	// ProgressRetention keeps finished progress snapshots queryable
	ProgressRetention time.Duration
}

// SchedulerConfig holds connection sync scheduler configuration
type SchedulerConfig struct {
	Enabled             bool
	IncrementalSchedule string
	FullSyncSchedule    string
	MaxConcurrentJobs   int
	JobTimeout          time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
}

// WebhookConfig holds webhook ingress settings
type WebhookConfig struct {
	SessionTTL     time.Duration
	DedupTTL       time.Duration
	MaxPayloadSize int64
	// RateLimit is deliveries per second per session token
	RateLimit float64
	RateBurst int
}

// DynamicsConfig holds Dynamics Web API adapter settings
type DynamicsConfig struct {
	APIVersion       string
	TokenURLTemplate string // %s is replaced by the connection tenant id
	RequestTimeout   time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RateLimit        float64 // requests per second per connection
	RateBurst        int
	PageSize         int
	MetadataTTL      time.Duration
}

// SecurityConfig holds secrets for the admin API and credential storage
type SecurityConfig struct {
	JWTSecret     string
	JWTIssuer     string
	CredentialKey string // encrypts connection credentials at rest
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
	MetricsInterval   time.Duration // Metric export interval
	LogsEnabled       bool          // Export zap logs over OTLP
	// Continuous profiling (Pyroscope)
	ProfilerEnabled   bool
	ProfilerAddress   string
	ProfilerAuthUser  string
	ProfilerAuthPass  string
	ProfileTypes      []string
	SpanProfiles      bool // link CPU profiles to spans
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with CRMSYNC_ prefix (e.g., CRMSYNC_DATABASE_PASSWORD)
// 2. .env file in the working directory
// 3. config.toml
// 4. Built-in defaults
func Load() (*Config, error) {
	// A missing .env is fine; variables already set in the environment win.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CRMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Path:            v.GetString("database.path"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Host:      v.GetString("redis.host"),
			Port:      v.GetInt("redis.port"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
			RateLimit:        v.GetFloat64("http.rate_limit"),
			RateBurst:        v.GetInt("http.rate_burst"),
		},
		Sync: SyncConfig{
			Concurrency:       v.GetInt("sync.concurrency"),
			ProgressInterval:  v.GetInt("sync.progress_interval"),
			ProgressBuffer:    v.GetInt("sync.progress_buffer"),
			PassTimeout:       v.GetDuration("sync.pass_timeout"),
			ProgressRetention: v.GetDuration("sync.progress_retention"),
		},
		Scheduler: SchedulerConfig{
			Enabled:             v.GetBool("scheduler.enabled"),
			IncrementalSchedule: v.GetString("scheduler.incremental_schedule"),
			FullSyncSchedule:    v.GetString("scheduler.full_sync_schedule"),
			MaxConcurrentJobs:   v.GetInt("scheduler.max_concurrent_jobs"),
			JobTimeout:          v.GetDuration("scheduler.job_timeout"),
			RetryAttempts:       v.GetInt("scheduler.retry_attempts"),
			RetryDelay:          v.GetDuration("scheduler.retry_delay"),
		},
		Webhook: WebhookConfig{
			SessionTTL:     v.GetDuration("webhook.session_ttl"),
			DedupTTL:       v.GetDuration("webhook.dedup_ttl"),
			MaxPayloadSize: v.GetInt64("webhook.max_payload_size"),
			RateLimit:      v.GetFloat64("webhook.rate_limit"),
			RateBurst:      v.GetInt("webhook.rate_burst"),
		},
		Dynamics: DynamicsConfig{
			APIVersion:       v.GetString("dynamics.api_version"),
			TokenURLTemplate: v.GetString("dynamics.token_url_template"),
			RequestTimeout:   v.GetDuration("dynamics.request_timeout"),
			MaxRetries:       v.GetInt("dynamics.max_retries"),
			RetryBaseDelay:   v.GetDuration("dynamics.retry_base_delay"),
			RateLimit:        v.GetFloat64("dynamics.rate_limit"),
			RateBurst:        v.GetInt("dynamics.rate_burst"),
			PageSize:         v.GetInt("dynamics.page_size"),
			MetadataTTL:      v.GetDuration("dynamics.metadata_ttl"),
		},
		Security: SecurityConfig{
			JWTSecret:     v.GetString("security.jwt_secret"),
			JWTIssuer:     v.GetString("security.jwt_issuer"),
			CredentialKey: v.GetString("security.credential_key"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			ProfilerEnabled:   v.GetBool("telemetry.profiler_enabled"),
			ProfilerAddress:   v.GetString("telemetry.profiler_address"),
			ProfilerAuthUser:  v.GetString("telemetry.profiler_auth_user"),
			ProfilerAuthPass:  v.GetString("telemetry.profiler_auth_password"),
			ProfileTypes:      v.GetStringSlice("telemetry.profile_types"),
			SpanProfiles:      v.GetBool("telemetry.span_profiles"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "crmsync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "crmsync.db"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "crmsync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "crmsync:"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 5 * time.Minute // manual syncs run inside the request
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 2 << 20 // 2MB
	}
	if cfg.Sync.Concurrency == 0 {
		cfg.Sync.Concurrency = 4
	}
	if cfg.Sync.ProgressInterval == 0 {
		cfg.Sync.ProgressInterval = 10
	}
	if cfg.Sync.ProgressBuffer == 0 {
		cfg.Sync.ProgressBuffer = 64
	}
	if cfg.Sync.PassTimeout == 0 {
		cfg.Sync.PassTimeout = 4 * time.Minute
	}
	if cfg.Sync.ProgressRetention == 0 {
		cfg.Sync.ProgressRetention = time.Hour
	}
	if cfg.Scheduler.IncrementalSchedule == "" {
		cfg.Scheduler.IncrementalSchedule = "@every 15m"
	}
	if cfg.Scheduler.FullSyncSchedule == "" {
		cfg.Scheduler.FullSyncSchedule = "0 3 * * *"
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 3
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 30 * time.Minute
	}
	if cfg.Scheduler.RetryAttempts == 0 {
		cfg.Scheduler.RetryAttempts = 3
	}
	if cfg.Scheduler.RetryDelay == 0 {
		cfg.Scheduler.RetryDelay = 5 * time.Minute
	}
	if cfg.Webhook.SessionTTL == 0 {
		cfg.Webhook.SessionTTL = 24 * time.Hour
	}
	if cfg.Webhook.DedupTTL == 0 {
		cfg.Webhook.DedupTTL = 24 * time.Hour
	}
	if cfg.Webhook.MaxPayloadSize == 0 {
		cfg.Webhook.MaxPayloadSize = 256 << 10 // 256KB
	}
	if cfg.Webhook.RateLimit == 0 {
		cfg.Webhook.RateLimit = 20
	}
	if cfg.Webhook.RateBurst == 0 {
		cfg.Webhook.RateBurst = 50
	}
	if cfg.HTTP.RateLimit > 0 && cfg.HTTP.RateBurst == 0 {
		cfg.HTTP.RateBurst = int(cfg.HTTP.RateLimit * 2)
	}
	if cfg.Dynamics.APIVersion == "" {
		cfg.Dynamics.APIVersion = "v9.2"
	}
	if cfg.Dynamics.TokenURLTemplate == "" {
		cfg.Dynamics.TokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	}
	if cfg.Dynamics.RequestTimeout == 0 {
		cfg.Dynamics.RequestTimeout = 30 * time.Second
	}
	if cfg.Dynamics.MaxRetries == 0 {
		cfg.Dynamics.MaxRetries = 3
	}
	if cfg.Dynamics.RetryBaseDelay == 0 {
		cfg.Dynamics.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Dynamics.RateLimit == 0 {
		cfg.Dynamics.RateLimit = 10
	}
	if cfg.Dynamics.RateBurst == 0 {
		cfg.Dynamics.RateBurst = 20
	}
	if cfg.Dynamics.PageSize == 0 {
		cfg.Dynamics.PageSize = 500
	}
	if cfg.Dynamics.MetadataTTL == 0 {
		cfg.Dynamics.MetadataTTL = time.Hour
	}
	if cfg.Security.JWTIssuer == "" {
		cfg.Security.JWTIssuer = "crmsync"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "crmsync"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}

	if c.App.Env == "production" {
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security.jwt_secret must be at least 32 characters in production")
		}
		if c.Security.CredentialKey == "" {
			return fmt.Errorf("security.credential_key is required in production")
		}
		if c.Database.Driver == "postgres" {
			if c.Database.Password == "" {
				return fmt.Errorf("database.password is required in production")
			}
			if c.Database.SSLMode == "disable" {
				return fmt.Errorf("database.sslmode cannot be 'disable' in production")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.Telemetry.ProfilerEnabled && c.Telemetry.ProfilerAddress == "" {
		return fmt.Errorf("telemetry.profiler_address is required when profiling is enabled")
	}

	return nil
}

// IsProduction reports whether the app runs in production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
