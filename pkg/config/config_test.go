package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
)

// TestGetEnvHelpers tests the getEnv* helper functions
func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_FLOAT", "0.25")

	if got := getEnv("TEST_STR", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Errorf("getEnvBool() = %v, want true", got)
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with invalid value = %v, want default 7", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HealthAddr())
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 100, cfg.RateLimit.InvitesPerWindow)
	assert.Equal(t, 50, cfg.Allocator.MaxPendingPerTenant)
	assert.Equal(t, 10*time.Second, cfg.Saga.ProviderTimeout)
	assert.Equal(t, "@every 5m", cfg.Jobs.Schedules.SagaReconcile)
	assert.False(t, cfg.Stripe.Enabled())
	assert.Equal(t, observability.InfoLevel, cfg.Observability.Level())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SEATKEEPER_PORT", "8000")
	t.Setenv("SEATKEEPER_DB_DRIVER", "postgres")
	t.Setenv("SEATKEEPER_DB_DSN", "postgres://localhost/seatkeeper")
	t.Setenv("SEATKEEPER_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("SEATKEEPER_INVITE_RATE_LIMIT", "5")
	t.Setenv("SEATKEEPER_TX_LOCK_TIMEOUT", "250ms")
	t.Setenv("SEATKEEPER_JOB_INVITATION_EXPIRY", "")
	t.Setenv("SEATKEEPER_JOB_SEAT_COUNT_RECONCILE", "@daily")
	t.Setenv("SEATKEEPER_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("SEATKEEPER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Storage().Driver)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
	assert.Equal(t, 5, cfg.RateLimit.InvitesPerWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.Allocator.Seats().LockTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Saga.Billing(cfg.Allocator).LockTimeout)
	assert.Equal(t, "@every 15m", cfg.Jobs.Schedules.InvitationExpiry, "empty env keeps the default")
	assert.Equal(t, "@daily", cfg.Jobs.Schedules.SeatCountReconcile)
	assert.True(t, cfg.Stripe.Enabled())
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seatkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7000"
database:
  driver: postgres
  dsn: postgres://file/seatkeeper
  max_open_conns: 30
allocator:
  invitation_ttl: 72h
saga:
  stale_after: 30m
  reconcile_concurrency: 8
jobs:
  schedules:
    saga_reconcile: "@every 1m"
observability:
  otel_enabled: true
  otel_endpoint: collector:4317
`), 0o600))
	t.Setenv(FileEnv, path)
	t.Setenv("SEATKEEPER_PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7100", cfg.Server.Port, "env wins over file")
	assert.Equal(t, "9090", cfg.Server.HealthPort, "unset keys keep defaults")
	assert.Equal(t, 30, cfg.Database.MaxOpenConns)
	assert.Equal(t, 72*time.Hour, cfg.Allocator.InvitationTTL)
	assert.Equal(t, 30*time.Minute, cfg.Saga.Reconciler().StaleAfter)
	assert.Equal(t, 8, cfg.Saga.Reconciler().Concurrency)
	assert.Equal(t, "@every 1m", cfg.Jobs.Schedules.SagaReconcile)
	assert.Equal(t, "@every 15m", cfg.Jobs.Schedules.InvitationExpiry)

	otel := cfg.Observability.OTel()
	assert.True(t, otel.Enabled)
	assert.Equal(t, "collector:4317", otel.Endpoint)
	assert.Equal(t, "seatkeeper", otel.ServiceName)
}

func TestLoad_FileErrors(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	t.Setenv(FileEnv, path)
	_, err = Load()
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "invalid database driver"},
		{"no dsn", func(c *Config) { c.Database.DSN = "" }, "DSN is required"},
		{"negative rate", func(c *Config) { c.RateLimit.InvitesPerWindow = -1 }, "must not be negative"},
		{"rate without window", func(c *Config) { c.RateLimit.Window = 0 }, "window must be positive"},
		{"rate disabled without window", func(c *Config) { c.RateLimit.InvitesPerWindow = 0; c.RateLimit.Window = 0 }, ""},
		{"no retries", func(c *Config) { c.Allocator.RetryAttempts = 0 }, "at least 1"},
		{"no provider timeout", func(c *Config) { c.Saga.ProviderTimeout = 0 }, "provider timeout"},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "loud" }, "invalid log level"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "endpoint is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
