// -------------------------------------------------------------------------------
// Configuration - Filevault Settings
//
// Author: Alex Freidah
//
// Configuration types and loader for the filevault service. Supports environment
// variable expansion in YAML values using ${VAR} syntax. Validates required
// fields before returning to catch misconfiguration early.
// -------------------------------------------------------------------------------

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// CONFIGURATION TYPES
// -------------------------------------------------------------------------

// Config holds the complete service configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Backend        BackendConfig        `yaml:"backend"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	Queue          QueueConfig          `yaml:"queue"`
	Processor      ProcessorConfig      `yaml:"processor"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	MaxObjectSize int64         `yaml:"max_object_size"` // Max upload size in bytes (default: 256MB)
	WriteTimeout  time.Duration `yaml:"write_timeout"`   // HTTP write timeout (default: 5m)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int           `yaml:"max_conns"`         // Max pool connections (default: 10)
	MinConns        int           `yaml:"min_conns"`         // Min idle connections (default: 5)
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // Max connection age (default: 5m)
}

// BackendConfig holds configuration for the S3-compatible object store.
type BackendConfig struct {
	Name             string        `yaml:"name"`              // Identifier for metrics/tracing/status rows
	Endpoint         string        `yaml:"endpoint"`          // S3-compatible endpoint URL
	Region           string        `yaml:"region"`            // AWS region or equivalent
	Bucket           string        `yaml:"bucket"`            // Target bucket name
	AccessKeyID      string        `yaml:"access_key_id"`     // AWS access key ID
	SecretAccessKey  string        `yaml:"secret_access_key"` // AWS secret access key
	ForcePathStyle   bool          `yaml:"force_path_style"`  // Use path-style URLs
	OperationTimeout time.Duration `yaml:"operation_timeout"` // Per-call timeout (default: 30s)
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"` // Use insecure connection (no TLS)
}

// CircuitBreakerConfig holds settings for the object-store circuit breaker.
// When the backend becomes unreachable, the service enters degraded mode:
// reads fail fast, writes are queued for later replay.
type CircuitBreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`     // Consecutive failures before opening (default: 3)
	RecoveryTimeout      time.Duration `yaml:"recovery_timeout"`      // Delay before probing recovery (default: 15s)
	RecoveryConfirmation time.Duration `yaml:"recovery_confirmation"` // How long the circuit must stay closed before exiting degraded mode (default: 30s)
}

// HealthCheckConfig holds settings for the background health monitor.
type HealthCheckConfig struct {
	Interval      time.Duration `yaml:"interval"`       // Probe interval (default: 10s)
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`  // Per-probe timeout (default: 5s)
	SlowThreshold time.Duration `yaml:"slow_threshold"` // Latency above which a probe counts as degraded (default: 2s)
	KeyPrefix     string        `yaml:"key_prefix"`     // Prefix for throwaway probe objects (default: ".health/")
}

// QueueConfig holds settings for the durable operation queue.
type QueueConfig struct {
	MaxSize         int `yaml:"max_size"`         // Capacity before enqueue fails (default: 10000)
	DefaultRetries  int `yaml:"default_retries"`  // Max attempts per entry (default: 5)
	DefaultPriority int `yaml:"default_priority"` // Priority when caller supplies none, 1=highest..10=lowest (default: 5)
}

// ProcessorConfig holds settings for the queue drain worker.
type ProcessorConfig struct {
	Interval       time.Duration `yaml:"interval"`         // Drain tick interval (default: 30s)
	BatchSize      int           `yaml:"batch_size"`       // Max entries per drain cycle (default: 25)
	BackoffBase    time.Duration `yaml:"backoff_base"`     // Base retry delay (default: 5s)
	BackoffCap     time.Duration `yaml:"backoff_cap"`      // Max retry delay (default: 10m)
	DrainPerSecond float64       `yaml:"drain_per_second"` // Replay rate against a recovering backend (default: 10)
}

// NotificationsConfig holds settings for user-facing degradation notices.
type NotificationsConfig struct {
	WebhookURL string        `yaml:"webhook_url"` // Optional; slog-only sink when empty
	Timeout    time.Duration `yaml:"timeout"`     // Webhook POST timeout (default: 3s)
}

// -------------------------------------------------------------------------
// CONFIGURATION LOADER
// -------------------------------------------------------------------------

// LoadConfig reads and parses the configuration file with environment variable
// expansion. Returns an error if the file cannot be read, parsed, or validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// --- Expand environment variables ---
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

// SetDefaultsAndValidate applies default values for optional fields and checks
// that all required configuration values are present.
func (c *Config) SetDefaultsAndValidate() error {
	var errors []string

	// --- Server validation ---
	if c.Server.ListenAddr == "" {
		errors = append(errors, "server.listen_addr is required")
	}
	if c.Server.MaxObjectSize == 0 {
		c.Server.MaxObjectSize = 256 * 1024 * 1024 // 256 MB
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}

	// --- Database validation ---
	if c.Database.Host == "" {
		errors = append(errors, "database.host is required")
	}
	if c.Database.Database == "" {
		errors = append(errors, "database.database is required")
	}
	if c.Database.User == "" {
		errors = append(errors, "database.user is required")
	}

	// --- Database defaults ---
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 5
	}
	if c.Database.MaxConnLifetime == 0 {
		c.Database.MaxConnLifetime = 5 * time.Minute
	}

	// --- Backend validation ---
	if c.Backend.Name == "" {
		c.Backend.Name = "object-store"
	}
	if c.Backend.Endpoint == "" {
		errors = append(errors, "backend.endpoint is required")
	}
	if c.Backend.Bucket == "" {
		errors = append(errors, "backend.bucket is required")
	}
	if c.Backend.AccessKeyID == "" {
		errors = append(errors, "backend.access_key_id is required")
	}
	if c.Backend.SecretAccessKey == "" {
		errors = append(errors, "backend.secret_access_key is required")
	}
	if c.Backend.OperationTimeout == 0 {
		c.Backend.OperationTimeout = 30 * time.Second
	}

	// --- Telemetry defaults ---
	if c.Telemetry.Metrics.Path == "" {
		c.Telemetry.Metrics.Path = "/metrics"
	}
	if c.Telemetry.Tracing.SampleRate == 0 && c.Telemetry.Tracing.Enabled {
		c.Telemetry.Tracing.SampleRate = 1.0
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errors = append(errors, "telemetry.tracing.endpoint is required when tracing is enabled")
	}

	// --- Circuit breaker defaults ---
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 3
	}
	if c.CircuitBreaker.RecoveryTimeout == 0 {
		c.CircuitBreaker.RecoveryTimeout = 15 * time.Second
	}
	if c.CircuitBreaker.RecoveryConfirmation == 0 {
		c.CircuitBreaker.RecoveryConfirmation = 30 * time.Second
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		errors = append(errors, "circuit_breaker.failure_threshold must be at least 1")
	}

	// --- Health check defaults ---
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = 10 * time.Second
	}
	if c.HealthCheck.ProbeTimeout == 0 {
		c.HealthCheck.ProbeTimeout = 5 * time.Second
	}
	if c.HealthCheck.SlowThreshold == 0 {
		c.HealthCheck.SlowThreshold = 2 * time.Second
	}
	if c.HealthCheck.KeyPrefix == "" {
		c.HealthCheck.KeyPrefix = ".health/"
	}
	if c.HealthCheck.ProbeTimeout >= c.HealthCheck.Interval {
		errors = append(errors, "health_check.probe_timeout must be shorter than health_check.interval")
	}

	// --- Queue defaults ---
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = 10000
	}
	if c.Queue.DefaultRetries == 0 {
		c.Queue.DefaultRetries = 5
	}
	if c.Queue.DefaultPriority == 0 {
		c.Queue.DefaultPriority = 5
	}
	if c.Queue.MaxSize < 1 {
		errors = append(errors, "queue.max_size must be positive")
	}
	if c.Queue.DefaultPriority < 1 || c.Queue.DefaultPriority > 10 {
		errors = append(errors, "queue.default_priority must be between 1 and 10")
	}

	// --- Processor defaults ---
	if c.Processor.Interval == 0 {
		c.Processor.Interval = 30 * time.Second
	}
	if c.Processor.BatchSize == 0 {
		c.Processor.BatchSize = 25
	}
	if c.Processor.BackoffBase == 0 {
		c.Processor.BackoffBase = 5 * time.Second
	}
	if c.Processor.BackoffCap == 0 {
		c.Processor.BackoffCap = 10 * time.Minute
	}
	if c.Processor.DrainPerSecond == 0 {
		c.Processor.DrainPerSecond = 10
	}
	if c.Processor.BatchSize < 1 {
		errors = append(errors, "processor.batch_size must be positive")
	}
	if c.Processor.BackoffCap < c.Processor.BackoffBase {
		errors = append(errors, "processor.backoff_cap must be at least processor.backoff_base")
	}

	// --- Notification defaults ---
	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 3 * time.Second
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection URI with properly escaped
// credentials, safe for passwords containing special characters.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", url.QueryEscape(c.SSLMode)),
	}
	return u.String()
}
