package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins: ["https://app.example.com"]

database:
  url: "postgres://localhost/engine?sslmode=disable"
  max_open_conns: 10

redis:
  addr: "localhost:6379"
  key_prefix: "ce"

delivery:
  send_timeout_seconds: 20
  ledger: "redis"
  retry_base_millis: 200
  retry_max_millis: 2000

drip:
  enabled: true
  tick_interval_seconds: 15
  workers: 8
  claim_ttl_seconds: 120

webhook:
  dedupe: "dynamodb"
  dynamodb_table: "webhook-dedupe"
  archive_bucket: "raw-webhooks"

segmentation:
  strict: true
  timezone: "America/New_York"
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Test server config
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)

	// Test database config
	assert.Equal(t, "postgres://localhost/engine?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime())

	// Test delivery config
	assert.Equal(t, 20*time.Second, cfg.Delivery.SendTimeout())
	assert.Equal(t, LedgerRedis, cfg.Delivery.Ledger)
	assert.Equal(t, 200*time.Millisecond, cfg.Delivery.RetryBase())
	assert.Equal(t, 2*time.Second, cfg.Delivery.RetryMax())

	// Test drip config
	assert.True(t, cfg.Drip.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Drip.TickInterval())
	assert.Equal(t, 8, cfg.Drip.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Drip.ClaimTTL())

	// Test webhook config
	assert.Equal(t, DedupeDynamoDB, cfg.Webhook.Dedupe)
	assert.Equal(t, "raw-webhooks", cfg.Webhook.ArchiveBucket)

	loc, err := cfg.Segmentation.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())

	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	// Verify defaults are applied
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout())
	assert.Equal(t, LedgerMemory, cfg.Delivery.Ledger)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Delivery.CounterResetInterval())
	assert.Equal(t, 10, cfg.Campaign.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Campaign.Interval())
	assert.Equal(t, time.Minute, cfg.Drip.TickInterval())
	assert.Equal(t, 5*time.Minute, cfg.ABTest.Interval())
	assert.Equal(t, int64(5<<20), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, 10*time.Second, cfg.Webhook.VerifyTimeout())
	assert.Equal(t, 72*time.Hour, cfg.Webhook.DedupeTTL())
	assert.Equal(t, 500, cfg.Segmentation.BatchSize)
	assert.Equal(t, 15*time.Minute, cfg.Render.FeedTTL())
	assert.Equal(t, "campaign-engine", cfg.Tracing.ServiceName)
	assert.Equal(t, "debug", cfg.Log.Level)

	loc, err := cfg.Segmentation.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	configPath := writeConfig(t, `
database:
  url: "postgres://file"
redis:
  addr: "file:6379"
`)

	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("REDIS_ADDR", "env:6379")
	t.Setenv("PORT", "7070")
	t.Setenv("QUOTA_LEDGER", "postgres")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.test,https://b.test")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("AWS_PROFILE_OVERRIDE", "iam")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.Equal(t, "env:6379", cfg.Redis.Addr)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, LedgerPostgres, cfg.Delivery.Ledger)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "http://collector:4318", cfg.Tracing.Endpoint)
	assert.Empty(t, cfg.AWS.Profile)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"redis ledger without redis", func(c *Config) { c.Delivery.Ledger = LedgerRedis }, true},
		{"postgres ledger without database", func(c *Config) { c.Delivery.Ledger = LedgerPostgres }, true},
		{"unknown ledger", func(c *Config) { c.Delivery.Ledger = "etcd" }, true},
		{"redis dedupe with redis", func(c *Config) {
			c.Webhook.Dedupe = DedupeRedis
			c.Redis.Addr = "localhost:6379"
		}, false},
		{"dynamodb dedupe without table", func(c *Config) { c.Webhook.Dedupe = DedupeDynamoDB }, true},
		{"bad timezone", func(c *Config) { c.Segmentation.Timezone = "Mars/Olympus" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.setDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 8081}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") == "" && os.Getenv("AWS_EXECUTION_ENV") == "" {
		assert.Equal(t, "127.0.0.1:8081", cfg.Addr())
	}
}
