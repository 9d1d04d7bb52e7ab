package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the report service. A single instance is
// loaded at startup and treated as immutable afterwards.
type Config struct {
	// Service identity
	ServiceName string `envconfig:"SERVICE_NAME" default:"report-service"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP server
	HTTPPort int `envconfig:"HTTP_PORT" default:"8086"`

	// Document store. Reads of source data go through the read URI, which must
	// resolve to a non-writable secondary; the processor verifies this per job.
	MongoWriteURI string `envconfig:"MONGO_WRITE_URI" default:"mongodb://localhost:27017"`
	MongoReadURI  string `envconfig:"MONGO_READ_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"reports"`

	// Redis queue
	RedisURL          string        `envconfig:"REDIS_URL" default:"redis://localhost:6379"`
	QueueName         string        `envconfig:"QUEUE_NAME" default:"report-jobs"`
	QueueAttempts     int           `envconfig:"QUEUE_ATTEMPTS" default:"5"`
	QueueBackoffBase  time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"2s"`
	RemoveOnComplete  int           `envconfig:"QUEUE_REMOVE_ON_COMPLETE" default:"100"`
	RemoveOnFail      int           `envconfig:"QUEUE_REMOVE_ON_FAIL" default:"1000"`
	MaxJobConcurrency int           `envconfig:"MAX_JOB_CONCURRENCY" default:"2"`

	// Object storage (S3-compatible)
	S3Endpoint            string        `envconfig:"S3_ENDPOINT"`
	S3AccessKey           string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey           string        `envconfig:"S3_SECRET_KEY"`
	S3Bucket              string        `envconfig:"S3_BUCKET" default:"report-artifacts"`
	S3Region              string        `envconfig:"S3_REGION" default:"us-east-1"`
	StorageMode           string        `envconfig:"STORAGE_MODE" default:"object-store-cloud"`
	StoragePolicy         string        `envconfig:"STORAGE_POLICY" default:"required"`
	StorageFilesystemRoot string        `envconfig:"STORAGE_FILESYSTEM_ROOT" default:"/var/lib/report-service/artifacts"`
	EnableExternalStorage bool          `envconfig:"ENABLE_EXTERNAL_STORAGE" default:"true"`
	SignedURLTTL          time.Duration `envconfig:"SIGNED_URL_TTL" default:"24h"`

	// Retention
	RetentionDays int `envconfig:"RETENTION_DAYS" default:"7"`

	// Scheduler
	SchedulerPollInterval time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"30s"`

	// Reduce engine
	PartitionDefaultChunks  int  `envconfig:"PARTITION_DEFAULT_CHUNKS" default:"4"`
	PartitionCapMax         int  `envconfig:"PARTITION_CAP_MAX" default:"16"`
	PartitionMaxConcurrency int  `envconfig:"PARTITION_MAX_CONCURRENCY" default:"4"`
	ReduceEngineV2          bool `envconfig:"REDUCE_ENGINE_V2" default:"true"`
	ReduceMaxGroups         int  `envconfig:"REDUCE_MAX_GROUPS" default:"100000"`

	// Generators
	BufferBytes     int   `envconfig:"BUFFER_BYTES" default:"65536"`
	DocumentMaxRows int64 `envconfig:"DOCUMENT_MAX_ROWS" default:"5000"`

	// Archive assembly
	ZipMultipass      bool   `envconfig:"ZIP_MULTIPASS" default:"false"`
	ReportTmpDir      string `envconfig:"REPORT_TMP_DIR" default:"/tmp/report-service"`
	ReportTmpMaxBytes int64  `envconfig:"REPORT_TMP_MAX_BYTES" default:"536870912"`

	// Source collections
	DefaultSourceCollection  string   `envconfig:"DEFAULT_SOURCE_COLLECTION" default:"reportSource"`
	AllowedSourceCollections []string `envconfig:"ALLOWED_SOURCE_COLLECTIONS" default:"reportSource"`
	CursorBatchSize          int      `envconfig:"CURSOR_BATCH_SIZE" default:"1000"`
	ManageSourceIndexes      bool     `envconfig:"MANAGE_SOURCE_INDEXES" default:"false"`

	// Resource tracking
	CaptureMemoryPeak bool `envconfig:"CAPTURE_MEMORY_PEAK" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads configuration and panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.MaxJobConcurrency <= 0 {
		return fmt.Errorf("MAX_JOB_CONCURRENCY must be positive, got %d", c.MaxJobConcurrency)
	}
	if c.QueueAttempts <= 0 {
		return fmt.Errorf("QUEUE_ATTEMPTS must be positive, got %d", c.QueueAttempts)
	}
	if c.PartitionDefaultChunks <= 0 {
		return fmt.Errorf("PARTITION_DEFAULT_CHUNKS must be positive, got %d", c.PartitionDefaultChunks)
	}
	if c.PartitionCapMax <= 0 {
		return fmt.Errorf("PARTITION_CAP_MAX must be positive, got %d", c.PartitionCapMax)
	}
	if c.PartitionMaxConcurrency <= 0 {
		return fmt.Errorf("PARTITION_MAX_CONCURRENCY must be positive, got %d", c.PartitionMaxConcurrency)
	}
	if c.ReduceMaxGroups <= 0 {
		return fmt.Errorf("REDUCE_MAX_GROUPS must be positive, got %d", c.ReduceMaxGroups)
	}
	if c.BufferBytes <= 0 {
		return fmt.Errorf("BUFFER_BYTES must be positive, got %d", c.BufferBytes)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	switch c.StoragePolicy {
	case "required", "optional":
	default:
		return fmt.Errorf("STORAGE_POLICY must be 'required' or 'optional', got %q", c.StoragePolicy)
	}
	if len(c.AllowedSourceCollections) == 0 {
		return fmt.Errorf("ALLOWED_SOURCE_COLLECTIONS must not be empty")
	}
	if !contains(c.AllowedSourceCollections, c.DefaultSourceCollection) {
		return fmt.Errorf("DEFAULT_SOURCE_COLLECTION %q must be allowlisted", c.DefaultSourceCollection)
	}
	return nil
}

// Retention returns the job retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SourceAllowed reports whether name is in the source collection allowlist.
func (c *Config) SourceAllowed(name string) bool {
	return contains(c.AllowedSourceCollections, name)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.TrimSpace(v) == s {
			return true
		}
	}
	return false
}
