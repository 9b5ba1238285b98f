package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/seatkeeper/pkg/billing"
	"github.com/platinummonkey/seatkeeper/pkg/jobs"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
	"github.com/platinummonkey/seatkeeper/pkg/storage"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

// FileEnv names the optional YAML file loaded before environment overrides
const FileEnv = "SEATKEEPER_CONFIG"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Allocator     AllocatorConfig     `yaml:"allocator"`
	Saga          SagaConfig          `yaml:"saga"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Stripe        StripeConfig        `yaml:"stripe"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

// HealthAddr returns the health and metrics listen address
func (s ServerConfig) HealthAddr() string { return s.Host + ":" + s.HealthPort }

// DatabaseConfig selects and sizes the database pool
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// StatsInterval is how often pool stats are exported; 0 disables it
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// Storage converts to the storage package's config
func (d DatabaseConfig) Storage() storage.Config {
	return storage.Config{
		Driver:          d.Driver,
		DSN:             d.DSN,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

// RedisConfig is optional; without a URL counters stay in memory
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// RateLimitConfig caps invitation creation per tenant. A limit of 0
// disables it.
type RateLimitConfig struct {
	InvitesPerWindow int           `yaml:"invites_per_window"`
	Window           time.Duration `yaml:"window"`
	MemoryMaxKeys    int           `yaml:"memory_max_keys"`
}

// AllocatorConfig holds seat and invitation limits
type AllocatorConfig struct {
	MaxPendingPerTenant int           `yaml:"max_pending_per_tenant"`
	InvitationTTL       time.Duration `yaml:"invitation_ttl"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	LockTimeout         time.Duration `yaml:"lock_timeout"`
}

// Seats converts to the seats package's config
func (a AllocatorConfig) Seats() seats.Config {
	return seats.Config{
		MaxPendingPerTenant: a.MaxPendingPerTenant,
		InvitationTTL:       a.InvitationTTL,
		RetryAttempts:       a.RetryAttempts,
		LockTimeout:         a.LockTimeout,
	}
}

// SagaConfig holds subscription change timeouts and reconciliation settings
type SagaConfig struct {
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	SettleTimeout   time.Duration `yaml:"settle_timeout"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	Concurrency     int           `yaml:"reconcile_concurrency"`
}

// Billing converts to the billing package's saga config
func (s SagaConfig) Billing(alloc AllocatorConfig) billing.SagaConfig {
	return billing.SagaConfig{
		ProviderTimeout: s.ProviderTimeout,
		SettleTimeout:   s.SettleTimeout,
		RetryAttempts:   alloc.RetryAttempts,
		LockTimeout:     alloc.LockTimeout,
	}
}

// Reconciler converts to the billing package's reconciler config
func (s SagaConfig) Reconciler() billing.ReconcilerConfig {
	return billing.ReconcilerConfig{
		StaleAfter:  s.StaleAfter,
		Concurrency: s.Concurrency,
	}
}

// JobsConfig holds maintenance schedules
type JobsConfig struct {
	Enabled   bool           `yaml:"enabled"`
	Timeout   time.Duration  `yaml:"timeout"`
	Schedules jobs.Schedules `yaml:"schedules"`
}

// StripeConfig holds payment provider credentials. Without an API key the
// in-memory provider is used.
type StripeConfig struct {
	APIKey            string `yaml:"api_key"`
	WebhookSecret     string `yaml:"webhook_secret"`
	ProrationBehavior string `yaml:"proration_behavior"`
}

// Enabled reports whether Stripe is configured
func (s StripeConfig) Enabled() bool { return s.APIKey != "" }

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return parseLogLevel(o.LogLevel)
}

// OTel converts to the observability package's OTel config
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	reconciler := billing.DefaultReconcilerConfig()
	saga := billing.DefaultSagaConfig()
	alloc := seats.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			Driver:        "sqlite3",
			DSN:           "seatkeeper.db",
			StatsInterval: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			InvitesPerWindow: 100,
			Window:           time.Hour,
			MemoryMaxKeys:    10000,
		},
		Allocator: AllocatorConfig{
			MaxPendingPerTenant: alloc.MaxPendingPerTenant,
			InvitationTTL:       alloc.InvitationTTL,
			RetryAttempts:       txn.DefaultMaxAttempts,
			LockTimeout:         txn.DefaultTimeout,
		},
		Saga: SagaConfig{
			ProviderTimeout: saga.ProviderTimeout,
			SettleTimeout:   saga.SettleTimeout,
			StaleAfter:      reconciler.StaleAfter,
			Concurrency:     reconciler.Concurrency,
		},
		Jobs: JobsConfig{
			Enabled:   true,
			Timeout:   5 * time.Minute,
			Schedules: jobs.DefaultSchedules(),
		},
		Stripe: StripeConfig{
			ProrationBehavior: "create_prorations",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "seatkeeper",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// SEATKEEPER_CONFIG if set, then SEATKEEPER_* environment variables
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("SEATKEEPER_HOST", s.Host)
	s.Port = getEnv("SEATKEEPER_PORT", s.Port)
	s.HealthPort = getEnv("SEATKEEPER_HEALTH_PORT", s.HealthPort)
	s.ReadTimeout = getEnvDuration("SEATKEEPER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("SEATKEEPER_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("SEATKEEPER_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SEATKEEPER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	d := &c.Database
	d.Driver = getEnv("SEATKEEPER_DB_DRIVER", d.Driver)
	d.DSN = getEnv("SEATKEEPER_DB_DSN", d.DSN)
	d.MaxOpenConns = getEnvInt("SEATKEEPER_DB_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("SEATKEEPER_DB_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("SEATKEEPER_DB_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.StatsInterval = getEnvDuration("SEATKEEPER_DB_STATS_INTERVAL", d.StatsInterval)

	r := &c.Redis
	r.URL = getEnv("SEATKEEPER_REDIS_URL", r.URL)
	r.Password = getEnv("SEATKEEPER_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("SEATKEEPER_REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("SEATKEEPER_REDIS_POOL_SIZE", r.PoolSize)

	c.RateLimit.InvitesPerWindow = getEnvInt("SEATKEEPER_INVITE_RATE_LIMIT", c.RateLimit.InvitesPerWindow)
	c.RateLimit.Window = getEnvDuration("SEATKEEPER_INVITE_RATE_WINDOW", c.RateLimit.Window)

	a := &c.Allocator
	a.MaxPendingPerTenant = getEnvInt("SEATKEEPER_MAX_PENDING_INVITATIONS", a.MaxPendingPerTenant)
	a.InvitationTTL = getEnvDuration("SEATKEEPER_INVITATION_TTL", a.InvitationTTL)
	a.RetryAttempts = getEnvInt("SEATKEEPER_TX_RETRY_ATTEMPTS", a.RetryAttempts)
	a.LockTimeout = getEnvDuration("SEATKEEPER_TX_LOCK_TIMEOUT", a.LockTimeout)

	sg := &c.Saga
	sg.ProviderTimeout = getEnvDuration("SEATKEEPER_PROVIDER_TIMEOUT", sg.ProviderTimeout)
	sg.SettleTimeout = getEnvDuration("SEATKEEPER_SETTLE_TIMEOUT", sg.SettleTimeout)
	sg.StaleAfter = getEnvDuration("SEATKEEPER_RECONCILE_STALE_AFTER", sg.StaleAfter)
	sg.Concurrency = getEnvInt("SEATKEEPER_RECONCILE_CONCURRENCY", sg.Concurrency)

	j := &c.Jobs
	j.Enabled = getEnvBool("SEATKEEPER_JOBS_ENABLED", j.Enabled)
	j.Timeout = getEnvDuration("SEATKEEPER_JOBS_TIMEOUT", j.Timeout)
	j.Schedules.SagaReconcile = getEnv("SEATKEEPER_JOB_SAGA_RECONCILE", j.Schedules.SagaReconcile)
	j.Schedules.InvitationExpiry = getEnv("SEATKEEPER_JOB_INVITATION_EXPIRY", j.Schedules.InvitationExpiry)
	j.Schedules.SeatCountReconcile = getEnv("SEATKEEPER_JOB_SEAT_COUNT_RECONCILE", j.Schedules.SeatCountReconcile)

	st := &c.Stripe
	st.APIKey = getEnv("SEATKEEPER_STRIPE_API_KEY", st.APIKey)
	st.WebhookSecret = getEnv("SEATKEEPER_STRIPE_WEBHOOK_SECRET", st.WebhookSecret)
	st.ProrationBehavior = getEnv("SEATKEEPER_STRIPE_PRORATION_BEHAVIOR", st.ProrationBehavior)

	o := &c.Observability
	o.LogLevel = getEnv("SEATKEEPER_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("SEATKEEPER_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("SEATKEEPER_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("SEATKEEPER_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("SEATKEEPER_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("SEATKEEPER_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("SEATKEEPER_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("SEATKEEPER_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.HealthPort == "" {
		return errors.New("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return errors.New("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN is required")
	}

	if c.RateLimit.InvitesPerWindow < 0 {
		return errors.New("invite rate limit must not be negative")
	}
	if c.RateLimit.InvitesPerWindow > 0 && c.RateLimit.Window <= 0 {
		return errors.New("invite rate window must be positive")
	}
	if c.Allocator.RetryAttempts < 1 {
		return errors.New("transaction retry attempts must be at least 1")
	}
	if c.Saga.ProviderTimeout <= 0 {
		return errors.New("provider timeout must be positive")
	}

	if !validLogLevel(c.Observability.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
