package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AWS       AWSConfig       `yaml:"aws"`
	SQS       SQSConfig       `yaml:"sqs"`
	Provider  ProviderConfig  `yaml:"provider"`
	Security  SecurityConfig  `yaml:"security"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with ECS detection
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

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the PostgreSQL connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for broadcast leases.
// An empty URL falls back to PostgreSQL advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AWSConfig holds shared AWS client settings
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// SQSConfig holds the queue URLs and polling parameters
type SQSConfig struct {
	EmailQueueURL     string `yaml:"email_queue_url"`
	BroadcastQueueURL string `yaml:"broadcast_queue_url"`
	DLQURL            string `yaml:"dlq_url"`
	VisibilityTimeout int    `yaml:"visibility_timeout"`
	WaitTimeSeconds   int    `yaml:"wait_time_seconds"`
	MaxMessages       int    `yaml:"max_messages"`
}

// ProviderConfig selects and configures the email provider
type ProviderConfig struct {
	Type           string `yaml:"type"` // "resend" or "ses"
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	WebhookSecret  string `yaml:"webhook_secret"`
}

// Timeout returns the configured timeout as a duration
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SecurityConfig holds field-encryption settings
type SecurityConfig struct {
	EncryptionKey    string `yaml:"encryption_key"`
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`
}

// WorkerConfig holds consumer loop settings
type WorkerConfig struct {
	BackoffSeconds    int `yaml:"backoff_seconds"`
	BroadcastPageSize int `yaml:"broadcast_page_size"`
	LeaseTTLSeconds   int `yaml:"lease_ttl_seconds"`
}

// Backoff returns the receive backoff as a duration
func (c WorkerConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

// LeaseTTL returns the broadcast lease TTL as a duration
func (c WorkerConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// RetentionConfig holds data retention windows and the audit archive target
type RetentionConfig struct {
	EmailDays     int    `yaml:"email_days"`
	ContactDays   int    `yaml:"contact_days"`
	AuditDays     int    `yaml:"audit_days"`
	IntervalHours int    `yaml:"interval_hours"`
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`
}

// Interval returns the retention cycle interval as a duration
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// LogConfig holds logging configuration
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
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.SQS.VisibilityTimeout == 0 {
		cfg.SQS.VisibilityTimeout = 60
	}
	if cfg.SQS.WaitTimeSeconds == 0 {
		cfg.SQS.WaitTimeSeconds = 20
	}
	if cfg.SQS.MaxMessages == 0 {
		cfg.SQS.MaxMessages = 10
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "resend"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.resend.com"
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 30
	}
	if cfg.Security.PBKDF2Iterations == 0 {
		cfg.Security.PBKDF2Iterations = 100000
	}
	if cfg.Worker.BackoffSeconds == 0 {
		cfg.Worker.BackoffSeconds = 5
	}
	if cfg.Worker.BroadcastPageSize == 0 {
		cfg.Worker.BroadcastPageSize = 100
	}
	if cfg.Worker.LeaseTTLSeconds == 0 {
		cfg.Worker.LeaseTTLSeconds = 300
	}
	if cfg.Retention.EmailDays == 0 {
		cfg.Retention.EmailDays = 2555
	}
	if cfg.Retention.ContactDays == 0 {
		cfg.Retention.ContactDays = 2555
	}
	if cfg.Retention.AuditDays == 0 {
		cfg.Retention.AuditDays = 2555
	}
	if cfg.Retention.IntervalHours == 0 {
		cfg.Retention.IntervalHours = 24
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS. A
// missing config file is not an error.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &Config{}
		cfg.applyDefaults()
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_SQS_EMAIL_QUEUE_URL"); v != "" {
		cfg.SQS.EmailQueueURL = v
	}
	if v := os.Getenv("AWS_SQS_BROADCAST_QUEUE_URL"); v != "" {
		cfg.SQS.BroadcastQueueURL = v
	}
	if v := os.Getenv("AWS_SQS_DLQ_URL"); v != "" {
		cfg.SQS.DLQURL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
	if v := os.Getenv("RESEND_WEBHOOK_SECRET"); v != "" {
		cfg.Provider.WebhookSecret = v
	}
	if v := os.Getenv("EMAIL_PROVIDER"); v != "" {
		cfg.Provider.Type = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	overrideInt("EMAIL_RETENTION_DAYS", &cfg.Retention.EmailDays)
	overrideInt("CONTACT_RETENTION_DAYS", &cfg.Retention.ContactDays)
	overrideInt("AUDIT_RETENTION_DAYS", &cfg.Retention.AuditDays)
	if v := os.Getenv("AUDIT_ARCHIVE_BUCKET"); v != "" {
		cfg.Retention.ArchiveBucket = v
	}

	return cfg, nil
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// Validate reports settings the processes cannot start without.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database url is required (DATABASE_URL)"))
	}
	if cfg.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("encryption key is required (ENCRYPTION_KEY)"))
	}
	if cfg.SQS.EmailQueueURL == "" || cfg.SQS.BroadcastQueueURL == "" || cfg.SQS.DLQURL == "" {
		errs = append(errs, errors.New("email, broadcast and dead-letter queue urls are required"))
	}
	switch cfg.Provider.Type {
	case "resend", "ses":
	default:
		errs = append(errs, fmt.Errorf("unknown provider type %q", cfg.Provider.Type))
	}
	return errors.Join(errs...)
}
