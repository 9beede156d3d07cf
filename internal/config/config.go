package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config represents the entire application configuration
type Config struct {
	Env         string         `json:"env"`
	Port        int            `json:"port"`
	AppName     string         `json:"app_name"`
	SourcesFile string         `json:"sources_file"`
	Postgres    PostgresConfig `json:"postgres"`
	Ledger      LedgerConfig   `json:"ledger"`
	MongoDB     MongoDBConfig  `json:"mongodb"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
	AWS         AWSConfig      `json:"aws"`
	Pipeline    PipelineConfig `json:"pipeline"`
	Logging     LoggingConfig  `json:"logging"`
	CORS        CORSConfig     `json:"cors"`
}

// PostgresConfig holds the target store connection
type PostgresConfig struct {
	DSN          string `json:"dsn"`
	MaxConns     int32  `json:"max_conns"`
	EnsureSchema bool   `json:"ensure_schema"`
}

// Ledger drivers
const (
	LedgerPostgres = "postgres"
	LedgerMongo    = "mongo"
)

// LedgerConfig selects where job ledger entries are stored
type LedgerConfig struct {
	Driver string `json:"driver"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	// Seconds a fetched raw payload stays available as a last-known value
	PayloadTTL int `json:"payload_ttl"`
}

// RabbitMQConfig contains broker connection details and the topology used for dispatch and events
type RabbitMQConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	VHost          string `json:"vhost"`
	ExchangeName   string `json:"exchange_name"`
	QueueName      string `json:"queue_name"`
	EventsExchange string `json:"events_exchange"`
	PrefetchCount  int    `json:"prefetch_count"`
}

// AWSConfig controls the job report archive
type AWSConfig struct {
	Region         string `json:"region"`
	Bucket         string `json:"bucket"`
	AccessKey      string `json:"access_key"`
	SecretKey      string `json:"secret_key"`
	ArchiveReports bool   `json:"archive_reports"`
}

// PipelineConfig holds batch runner and recovery defaults.
// Durations are expressed in seconds unless noted.
type PipelineConfig struct {
	DefaultChunkSize   int  `json:"default_chunk_size"`
	CheckpointInterval int  `json:"checkpoint_interval"`
	BatchDelayMS       int  `json:"batch_delay_ms"`
	RuntimeBudget      int  `json:"runtime_budget"`
	FreshnessWindow    int  `json:"freshness_window"`
	BlockOverlaps      bool `json:"block_overlaps"`
	StaleAfter         int  `json:"stale_after"`
	HeartbeatInterval  int  `json:"heartbeat_interval"`
	MaxRetries         int  `json:"max_retries"`
	MaxBackoff         int  `json:"max_backoff"`
	MaintenancePolls   int  `json:"maintenance_polls"`
	MaintenanceWait    int  `json:"maintenance_wait"`
}

func (p PipelineConfig) BatchDelay() time.Duration {
	return time.Duration(p.BatchDelayMS) * time.Millisecond
}

func (p PipelineConfig) RuntimeBudgetDuration() time.Duration {
	return time.Duration(p.RuntimeBudget) * time.Second
}

func (p PipelineConfig) FreshnessWindowDuration() time.Duration {
	return time.Duration(p.FreshnessWindow) * time.Second
}

func (p PipelineConfig) StaleAfterDuration() time.Duration {
	return time.Duration(p.StaleAfter) * time.Second
}

func (p PipelineConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(p.HeartbeatInterval) * time.Second
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"` // Optional, seconds that preflight requests can be cached
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads configuration from the specified file path
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AppName == "" {
		c.AppName = "projectsync"
	}
	if c.SourcesFile == "" {
		c.SourcesFile = "config/sources.yaml"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = LedgerPostgres
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = c.AppName
	}
	if c.Redis.PayloadTTL == 0 {
		c.Redis.PayloadTTL = 7 * 24 * 60 * 60
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "jobs"
	}
	if c.RabbitMQ.ExchangeName == "" {
		c.RabbitMQ.ExchangeName = "projectsync.jobs"
	}
	if c.RabbitMQ.EventsExchange == "" {
		c.RabbitMQ.EventsExchange = "projectsync.events"
	}
	c.Pipeline.applyDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (p *PipelineConfig) applyDefaults() {
	if p.DefaultChunkSize == 0 {
		p.DefaultChunkSize = 50
	}
	if p.CheckpointInterval == 0 {
		p.CheckpointInterval = 10
	}
	if p.BatchDelayMS == 0 {
		p.BatchDelayMS = 1000
	}
	if p.RuntimeBudget == 0 {
		p.RuntimeBudget = 2 * 60 * 60
	}
	if p.FreshnessWindow == 0 {
		p.FreshnessWindow = 60 * 60
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 30
	}
	if p.MaintenancePolls == 0 {
		p.MaintenancePolls = 3
	}
	if p.MaintenanceWait == 0 {
		p.MaintenanceWait = 60
	}
	if p.HeartbeatInterval == 0 {
		p.HeartbeatInterval = 2 * 60
	}
	if p.StaleAfter == 0 {
		p.StaleAfter = 30 * 60
	}
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	switch c.Ledger.Driver {
	case LedgerPostgres:
	case LedgerMongo:
		if c.MongoDB.URI == "" {
			errs = append(errs, errors.New("mongodb.uri is required when ledger.driver is mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q is not supported", c.Ledger.Driver))
	}
	if c.Pipeline.DefaultChunkSize < 0 {
		errs = append(errs, errors.New("pipeline.default_chunk_size must be positive"))
	}
	if c.Pipeline.CheckpointInterval < 0 {
		errs = append(errs, errors.New("pipeline.checkpoint_interval must be positive"))
	}
	if c.Pipeline.StaleAfter > 0 && c.Pipeline.StaleAfter <= c.Pipeline.HeartbeatInterval {
		errs = append(errs, errors.New("pipeline.stale_after must exceed pipeline.heartbeat_interval"))
	}
	if c.AWS.ArchiveReports && c.AWS.Bucket == "" {
		errs = append(errs, errors.New("aws.bucket is required when aws.archive_reports is enabled"))
	}
	return errors.Join(errs...)
}
