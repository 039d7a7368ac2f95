package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/selivandex/loadmetrics/pkg/metrics"
)

// Prefix of every environment variable read by Load
const Prefix = "LOADMETRICS"

// Sink backends
const (
	BackendInflux     = "influxdb"
	BackendClickHouse = "clickhouse"
	BackendTimescale  = "timescale"
)

// Discard triggers
const (
	TriggerConsecutiveFailures = "consecutive_failures"
	TriggerCriticalSize        = "critical_size"
)

// Config represents application configuration
type Config struct {
	Influx     InfluxConfig     `envconfig:"INFLUX"`
	Engine     EngineConfig     `envconfig:"ENGINE"`
	Sink       SinkConfig       `envconfig:"SINK"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	Listener   ListenerConfig   `envconfig:"LISTENER"`
	Server     ServerConfig     `envconfig:"SERVER"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
}

// InfluxConfig represents InfluxDB 2 connection parameters
type InfluxConfig struct {
	Scheme string `envconfig:"SCHEME" default:"http"`
	Host   string `envconfig:"HOST" default:"localhost"`
	Port   int    `envconfig:"PORT" default:"8086"`
	Token  string `envconfig:"TOKEN"`
	Org    string `envconfig:"ORG" default:"performance_testing"`
	Bucket string `envconfig:"BUCKET" default:"jmeter"`
	GZip   bool   `envconfig:"GZIP" default:"true"`
}

// EngineConfig represents batching and failure handling parameters
type EngineConfig struct {
	BatchSize       int    `envconfig:"BATCH_SIZE" default:"2000"`
	FlushIntervalMS int    `envconfig:"FLUSH_INTERVAL_MS" default:"4000"`
	ErrorThreshold  int    `envconfig:"ERROR_THRESHOLD" default:"5"`
	RecoveryMode    string `envconfig:"RECOVERY_MODE" default:"retry"`
	DiscardTrigger  string `envconfig:"DISCARD_TRIGGER" default:"consecutive_failures"`
	CriticalSize    int    `envconfig:"CRITICAL_SIZE" default:"500"`
}

// SinkConfig selects the delivery backend
type SinkConfig struct {
	Backend string `envconfig:"BACKEND" default:"influxdb"`
}

// ClickHouseConfig represents ClickHouse connection parameters
type ClickHouseConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"9000"`
	Database string `envconfig:"DATABASE" default:"default"`
	Username string `envconfig:"USERNAME" default:"default"`
	Password string `envconfig:"PASSWORD"`
	Table    string `envconfig:"TABLE" default:"load_points"`
}

// DatabaseConfig represents TimescaleDB/PostgreSQL connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"5432"`
	Name     string `envconfig:"NAME" default:"loadmetrics"`
	User     string `envconfig:"USER" default:"postgres"`
	Password string `envconfig:"PASSWORD"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`
}

// ListenerConfig represents the test run identity and sample selection
type ListenerConfig struct {
	TestName           string        `envconfig:"TEST_NAME" default:"Test"`
	RunID              string        `envconfig:"RUN_ID" default:"R001"`
	NodeName           string        `envconfig:"NODE_NAME" default:"Test-Node"`
	SamplersList       string        `envconfig:"SAMPLERS_LIST" default:".*"`
	UseRegex           bool          `envconfig:"USE_REGEX_FOR_SAMPLER_LIST" default:"true"`
	RecordSubSamples   bool          `envconfig:"RECORD_SUB_SAMPLES" default:"true"`
	SaveFailureBodies  bool          `envconfig:"SAVE_RESPONSE_BODY_OF_FAILURES" default:"true"`
	ErrorBodyMaxLength int           `envconfig:"ERROR_BODY_MAX_LENGTH" default:"2048"`
	VirtualUsersPeriod time.Duration `envconfig:"VIRTUAL_USERS_PERIOD" default:"1s"`
}

// ServerConfig represents listening addresses
type ServerConfig struct {
	IngestAddr string `envconfig:"INGEST_ADDR" default:":8090"`
	HealthAddr string `envconfig:"HEALTH_ADDR" default:":8091"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LEVEL" default:"info"`
	File  string `envconfig:"FILE" default:"logs/sidecar.log"`
}

// ConfigurationError reports an invalid parameter. The engine must not start.
type ConfigurationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, &ConfigurationError{Key: Prefix, Reason: "failed to process environment", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.Sink.Backend {
	case BackendInflux:
		if err := c.Influx.Validate(); err != nil {
			return err
		}
	case BackendClickHouse:
		if c.ClickHouse.Host == "" {
			return &ConfigurationError{Key: "clickhouse.host", Reason: "must not be empty"}
		}
		if c.ClickHouse.Table == "" {
			return &ConfigurationError{Key: "clickhouse.table", Reason: "must not be empty"}
		}
	case BackendTimescale:
		if c.Database.Host == "" || c.Database.User == "" {
			return &ConfigurationError{Key: "database", Reason: "host and user are required"}
		}
	default:
		return &ConfigurationError{Key: "sink.backend", Reason: fmt.Sprintf("unknown backend %q", c.Sink.Backend)}
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}

	if c.Listener.ErrorBodyMaxLength <= 0 {
		return &ConfigurationError{Key: "listener.error_body_max_length", Reason: "must be positive"}
	}
	if c.Listener.VirtualUsersPeriod <= 0 {
		return &ConfigurationError{Key: "listener.virtual_users_period", Reason: "must be positive"}
	}

	return nil
}

// Validate checks the InfluxDB connection parameters
func (c *InfluxConfig) Validate() error {
	scheme := strings.ToLower(c.Scheme)
	if scheme != "http" && scheme != "https" {
		return &ConfigurationError{Key: "influx.scheme", Reason: fmt.Sprintf("%q is not http or https", c.Scheme)}
	}
	if c.Host == "" {
		return &ConfigurationError{Key: "influx.host", Reason: "must not be empty"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigurationError{Key: "influx.port", Reason: "must be between 1 and 65535"}
	}
	if c.Token == "" {
		return &ConfigurationError{Key: "influx.token", Reason: "must not be empty"}
	}
	if c.Org == "" {
		return &ConfigurationError{Key: "influx.org", Reason: "must not be empty"}
	}
	if c.Bucket == "" {
		return &ConfigurationError{Key: "influx.bucket", Reason: "must not be empty"}
	}
	if _, err := url.Parse(c.URL()); err != nil {
		return &ConfigurationError{Key: "influx.host", Reason: "does not form a valid URL", Err: err}
	}
	return nil
}

// Validate checks batching parameters
func (c *EngineConfig) Validate() error {
	if c.BatchSize <= 0 {
		return &ConfigurationError{Key: "engine.batch_size", Reason: "must be positive"}
	}
	if c.FlushIntervalMS <= 0 {
		return &ConfigurationError{Key: "engine.flush_interval_ms", Reason: "must be positive"}
	}
	if c.ErrorThreshold < 0 {
		return &ConfigurationError{Key: "engine.error_threshold", Reason: "must not be negative"}
	}
	if _, err := metrics.ParseRecoveryMode(c.RecoveryMode); err != nil {
		return &ConfigurationError{Key: "engine.recovery_mode", Reason: "unsupported value", Err: err}
	}
	switch c.DiscardTrigger {
	case TriggerConsecutiveFailures:
	case TriggerCriticalSize:
		if c.CriticalSize <= 0 {
			return &ConfigurationError{Key: "engine.critical_size", Reason: "must be positive"}
		}
	default:
		return &ConfigurationError{Key: "engine.discard_trigger", Reason: fmt.Sprintf("unknown trigger %q", c.DiscardTrigger)}
	}
	return nil
}

// URL returns the InfluxDB base URL
func (c *InfluxConfig) URL() string {
	return strings.ToLower(c.Scheme) + "://" + c.Host + ":" + strconv.Itoa(c.Port)
}

// FlushInterval returns the flush period as a duration
func (c *EngineConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// Policy builds the discard policy. Call after Validate.
func (c *EngineConfig) Policy() metrics.DiscardPolicy {
	if c.DiscardTrigger == TriggerCriticalSize {
		return metrics.CriticalSize{MaxPending: c.CriticalSize}
	}
	mode, _ := metrics.ParseRecoveryMode(c.RecoveryMode)
	return metrics.ConsecutiveFailures{Threshold: c.ErrorThreshold, Mode: mode}
}

// MetricsConfig builds the engine configuration
func (c *EngineConfig) MetricsConfig() metrics.Config {
	return metrics.Config{
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval(),
		Policy:        c.Policy(),
	}
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetDSN returns the ClickHouse native protocol DSN
func (c *ClickHouseConfig) GetDSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s",
		url.PathEscape(c.Username), url.PathEscape(c.Password), c.Host, c.Port, c.Database)
}
