package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	AWS          AWSConfig          `yaml:"aws"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Campaign     CampaignConfig     `yaml:"campaign"`
	Drip         DripConfig         `yaml:"drip"`
	ABTest       ABTestConfig       `yaml:"abtest"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Render       RenderConfig       `yaml:"render"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	Host                   string   `yaml:"host"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// DatabaseConfig holds PostgreSQL settings. An empty URL runs the engine on
// the in-memory store.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds Redis settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AWSConfig holds the region and profile used for S3 and DynamoDB clients.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// Quota ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

// DeliveryConfig tunes the orchestrator and provider clients.
type DeliveryConfig struct {
	SendTimeoutSeconds       int    `yaml:"send_timeout_seconds"`
	MaxRetries               int    `yaml:"max_retries"`
	RetryBaseMillis          int    `yaml:"retry_base_millis"`
	RetryMaxMillis           int    `yaml:"retry_max_millis"`
	Ledger                   string `yaml:"ledger"`
	CounterResetIntervalMins int    `yaml:"counter_reset_interval_mins"`
}

func (c DeliveryConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c DeliveryConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMillis) * time.Millisecond
}

func (c DeliveryConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMillis) * time.Millisecond
}

func (c DeliveryConfig) CounterResetInterval() time.Duration {
	return time.Duration(c.CounterResetIntervalMins) * time.Minute
}

// CampaignConfig tunes campaign sends and the scheduled-campaign poller.
type CampaignConfig struct {
	Concurrency     int `yaml:"concurrency"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Interval returns the scheduled-campaign polling interval
func (c CampaignConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// DripConfig tunes the drip scheduler and processor.
type DripConfig struct {
	Enabled             bool `yaml:"enabled"`
	TickIntervalSeconds int  `yaml:"tick_interval_seconds"`
	Workers             int  `yaml:"workers"`
	BatchSize           int  `yaml:"batch_size"`
	ClaimTTLSeconds     int  `yaml:"claim_ttl_seconds"`
	RetryBaseSeconds    int  `yaml:"retry_base_seconds"`
	RetryMaxSeconds     int  `yaml:"retry_max_seconds"`
}

func (c DripConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c DripConfig) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

func (c DripConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

func (c DripConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxSeconds) * time.Second
}

// ABTestConfig tunes the winner-selection worker.
type ABTestConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

func (c ABTestConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Webhook dedupe backends.
const (
	DedupeMemory   = "memory"
	DedupeRedis    = "redis"
	DedupeDynamoDB = "dynamodb"
)

// WebhookConfig holds ingestion settings.
type WebhookConfig struct {
	MaxBodyBytes         int64  `yaml:"max_body_bytes"`
	VerifyTimeoutSeconds int    `yaml:"verify_timeout_seconds"`
	Dedupe               string `yaml:"dedupe"`
	DedupeTTLHours       int    `yaml:"dedupe_ttl_hours"`
	DynamoDBTable        string `yaml:"dynamodb_table"`
	ArchiveBucket        string `yaml:"archive_bucket"`
	ArchivePrefix        string `yaml:"archive_prefix"`
}

func (c WebhookConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutSeconds) * time.Second
}

func (c WebhookConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLHours) * time.Hour
}

// SegmentationConfig tunes filter compilation and paging.
type SegmentationConfig struct {
	BatchSize int    `yaml:"batch_size"`
	Strict    bool   `yaml:"strict"`
	Timezone  string `yaml:"timezone"`
}

// Location resolves Timezone, defaulting to UTC.
func (c SegmentationConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// RenderConfig tunes the content renderer's feed cache.
type RenderConfig struct {
	FeedTTLSeconds     int `yaml:"feed_ttl_seconds"`
	FeedMaxItems       int `yaml:"feed_max_items"`
	FeedTimeoutSeconds int `yaml:"feed_timeout_seconds"`
}

func (c RenderConfig) FeedTTL() time.Duration {
	return time.Duration(c.FeedTTLSeconds) * time.Second
}

func (c RenderConfig) FeedTimeout() time.Duration {
	return time.Duration(c.FeedTimeoutSeconds) * time.Second
}

// TracingConfig holds OTLP exporter settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 30
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "engine"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-west-2"
	}
	if cfg.Delivery.SendTimeoutSeconds == 0 {
		cfg.Delivery.SendTimeoutSeconds = 30
	}
	if cfg.Delivery.MaxRetries == 0 {
		cfg.Delivery.MaxRetries = 3
	}
	if cfg.Delivery.Ledger == "" {
		cfg.Delivery.Ledger = LedgerMemory
	}
	if cfg.Delivery.CounterResetIntervalMins == 0 {
		cfg.Delivery.CounterResetIntervalMins = 10
	}
	if cfg.Campaign.Concurrency == 0 {
		cfg.Campaign.Concurrency = 10
	}
	if cfg.Campaign.IntervalSeconds == 0 {
		cfg.Campaign.IntervalSeconds = 30
	}
	if cfg.Drip.TickIntervalSeconds == 0 {
		cfg.Drip.TickIntervalSeconds = 60
	}
	if cfg.ABTest.IntervalSeconds == 0 {
		cfg.ABTest.IntervalSeconds = 300
	}
	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = 5 << 20
	}
	if cfg.Webhook.VerifyTimeoutSeconds == 0 {
		cfg.Webhook.VerifyTimeoutSeconds = 10
	}
	if cfg.Webhook.Dedupe == "" {
		cfg.Webhook.Dedupe = DedupeMemory
	}
	if cfg.Webhook.DedupeTTLHours == 0 {
		cfg.Webhook.DedupeTTLHours = 72
	}
	if cfg.Webhook.ArchivePrefix == "" {
		cfg.Webhook.ArchivePrefix = "webhooks"
	}
	if cfg.Segmentation.BatchSize == 0 {
		cfg.Segmentation.BatchSize = 500
	}
	if cfg.Render.FeedTTLSeconds == 0 {
		cfg.Render.FeedTTLSeconds = 900
	}
	if cfg.Render.FeedMaxItems == 0 {
		cfg.Render.FeedMaxItems = 10
	}
	if cfg.Render.FeedTimeoutSeconds == 0 {
		cfg.Render.FeedTimeoutSeconds = 15
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "campaign-engine"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks that the selected backends have what they need.
func (cfg *Config) Validate() error {
	switch cfg.Delivery.Ledger {
	case LedgerMemory:
	case LedgerRedis:
		if !cfg.Redis.Enabled() {
			return fmt.Errorf("delivery.ledger=redis requires redis.addr")
		}
	case LedgerPostgres:
		if cfg.Database.URL == "" {
			return fmt.Errorf("delivery.ledger=postgres requires database.url")
		}
	default:
		return fmt.Errorf("unknown delivery.ledger %q", cfg.Delivery.Ledger)
	}
	switch cfg.Webhook.Dedupe {
	case DedupeMemory:
	case DedupeRedis:
		if !cfg.Redis.Enabled() {
			return fmt.Errorf("webhook.dedupe=redis requires redis.addr")
		}
	case DedupeDynamoDB:
		if cfg.Webhook.DynamoDBTable == "" {
			return fmt.Errorf("webhook.dedupe=dynamodb requires webhook.dynamodb_table")
		}
	default:
		return fmt.Errorf("unknown webhook.dedupe %q", cfg.Webhook.Dedupe)
	}
	if _, err := cfg.Segmentation.Location(); err != nil {
		return fmt.Errorf("segmentation.timezone: %w", err)
	}
	return nil
}

// envOverrides lists the variables that win over the YAML file. Unset
// variables leave their pointer nil.
type envOverrides struct {
	ServerHost      *string  `env:"SERVER_HOST"`
	ServerPort      *int     `env:"PORT"`
	DatabaseURL     *string  `env:"DATABASE_URL"`
	RedisAddr       *string  `env:"REDIS_ADDR"`
	RedisPassword   *string  `env:"REDIS_PASSWORD"`
	AWSRegion       *string  `env:"AWS_REGION"`
	AWSProfile      *string  `env:"AWS_PROFILE_OVERRIDE"`
	Ledger          *string  `env:"QUOTA_LEDGER"`
	Dedupe          *string  `env:"WEBHOOK_DEDUPE"`
	DynamoDBTable   *string  `env:"WEBHOOK_DYNAMODB_TABLE"`
	ArchiveBucket   *string  `env:"WEBHOOK_ARCHIVE_BUCKET"`
	AllowedOrigins  []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	TracingEndpoint *string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel        *string  `env:"LOG_LEVEL"`
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v *string) {
		if v != nil && *v != "" {
			*dst = *v
		}
	}
	set(&cfg.Server.Host, o.ServerHost)
	if o.ServerPort != nil && *o.ServerPort > 0 {
		cfg.Server.Port = *o.ServerPort
	}
	set(&cfg.Database.URL, o.DatabaseURL)
	set(&cfg.Redis.Addr, o.RedisAddr)
	set(&cfg.Redis.Password, o.RedisPassword)
	set(&cfg.AWS.Region, o.AWSRegion)
	if o.AWSProfile != nil {
		if *o.AWSProfile == "none" || *o.AWSProfile == "iam" {
			cfg.AWS.Profile = "" // Use default credential chain (IAM role)
		} else {
			cfg.AWS.Profile = *o.AWSProfile
		}
	}
	set(&cfg.Delivery.Ledger, o.Ledger)
	set(&cfg.Webhook.Dedupe, o.Dedupe)
	set(&cfg.Webhook.DynamoDBTable, o.DynamoDBTable)
	set(&cfg.Webhook.ArchiveBucket, o.ArchiveBucket)
	if len(o.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = o.AllowedOrigins
	}
	if o.TracingEndpoint != nil && *o.TracingEndpoint != "" {
		cfg.Tracing.Endpoint = *o.TracingEndpoint
		cfg.Tracing.Enabled = true
	}
	set(&cfg.Log.Level, o.LogLevel)
	return nil
}
