package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Provider ProviderConfig `yaml:"provider"`
	Storage  StorageConfig  `yaml:"storage"`
	Verifier VerifierConfig `yaml:"verifier"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis connection settings for locks and progress
// snapshots. The engine degrades to Postgres advisory locks if disabled.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// ProviderConfig holds the external verification API settings.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig holds S3 object storage configuration.
type StorageConfig struct {
	S3Bucket   string `yaml:"s3_bucket"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // empty uses the default credential chain (IAM role on ECS)

	// Static keys take precedence over the profile when both are set.
	// Meant for S3-compatible stores outside AWS; leave empty on ECS.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	UploadURLTTLMinutes  int `yaml:"upload_url_ttl_minutes"`
	DownloadURLTTLHours  int `yaml:"download_url_ttl_hours"`
	MultipartPartSizeMiB int `yaml:"multipart_part_size_mib"`
	MultipartConcurrency int `yaml:"multipart_concurrency"`
}

// GetAWSProfile returns the AWS profile, with environment variable override.
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// UploadURLTTL returns the presigned PUT URL lifetime.
func (c StorageConfig) UploadURLTTL() time.Duration {
	return time.Duration(c.UploadURLTTLMinutes) * time.Minute
}

// DownloadURLTTL returns the presigned GET URL lifetime.
func (c StorageConfig) DownloadURLTTL() time.Duration {
	return time.Duration(c.DownloadURLTTLHours) * time.Hour
}

// VerifierConfig holds the batch orchestration knobs.
type VerifierConfig struct {
	MaxConcurrentProviderBatches int `yaml:"max_concurrent_provider_batches"`
	MaxEmailsPerProviderBatch    int `yaml:"max_emails_per_provider_batch"`
	RateLimitPerMinute           int `yaml:"rate_limit_per_minute"`
	RateLimitBuffer              int `yaml:"rate_limit_buffer"`
	ProviderBatchTimeoutHours    int `yaml:"provider_batch_timeout_hours"`
	PollIntervalSeconds          int `yaml:"poll_interval_seconds"`
	EnrichmentProgressRows       int `yaml:"enrichment_progress_interval_rows"`
	MaxProviderBatchAttempts     int `yaml:"max_provider_batch_attempts"`
	MaxEmailRetries              int `yaml:"max_email_retries"`

	// SubscriptionConsumesBeforeOneoff defaults to true; nil means unset.
	SubscriptionConsumesBeforeOneoff *bool `yaml:"subscription_consumes_before_oneoff"`
}

// PollInterval returns the worker loop cadence.
func (c VerifierConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ProviderBatchTimeout returns the maximum age of an in-flight provider
// batch before the poller declares it failed.
func (c VerifierConfig) ProviderBatchTimeout() time.Duration {
	return time.Duration(c.ProviderBatchTimeoutHours) * time.Hour
}

// SubscriptionFirst reports whether subscription credits are consumed
// before one-off credits.
func (c VerifierConfig) SubscriptionFirst() bool {
	if c.SubscriptionConsumesBeforeOneoff == nil {
		return true
	}
	return *c.SubscriptionConsumesBeforeOneoff
}

// NotifyConfig holds the completion webhook settings.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration.
func (c NotifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 60
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Storage.UploadURLTTLMinutes == 0 {
		cfg.Storage.UploadURLTTLMinutes = 60
	}
	if cfg.Storage.DownloadURLTTLHours == 0 {
		cfg.Storage.DownloadURLTTLHours = 24
	}
	if cfg.Storage.MultipartPartSizeMiB == 0 {
		cfg.Storage.MultipartPartSizeMiB = 5
	}
	if cfg.Storage.MultipartConcurrency == 0 {
		cfg.Storage.MultipartConcurrency = 4
	}
	if cfg.Verifier.MaxConcurrentProviderBatches == 0 {
		cfg.Verifier.MaxConcurrentProviderBatches = 10
	}
	if cfg.Verifier.MaxEmailsPerProviderBatch == 0 {
		cfg.Verifier.MaxEmailsPerProviderBatch = 10000
	}
	if cfg.Verifier.RateLimitPerMinute == 0 {
		cfg.Verifier.RateLimitPerMinute = 200
	}
	if cfg.Verifier.RateLimitBuffer == 0 {
		cfg.Verifier.RateLimitBuffer = 20
	}
	if cfg.Verifier.ProviderBatchTimeoutHours == 0 {
		cfg.Verifier.ProviderBatchTimeoutHours = 24
	}
	if cfg.Verifier.PollIntervalSeconds == 0 {
		cfg.Verifier.PollIntervalSeconds = 5
	}
	if cfg.Verifier.EnrichmentProgressRows == 0 {
		cfg.Verifier.EnrichmentProgressRows = 10000
	}
	if cfg.Verifier.MaxProviderBatchAttempts == 0 {
		cfg.Verifier.MaxProviderBatchAttempts = 3
	}
	if cfg.Verifier.MaxEmailRetries == 0 {
		cfg.Verifier.MaxEmailRetries = 3
	}
	if cfg.Notify.TimeoutSeconds == 0 {
		cfg.Notify.TimeoutSeconds = 10
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("COMPLETION_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
		cfg.Notify.Enabled = true
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}
