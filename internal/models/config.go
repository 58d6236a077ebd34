package models

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const MaxBatchSize = 100

type Config struct {
	ServerAddr  string `yaml:"server_addr" envconfig:"SERVER_ADDR"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`

	StorageEndpoint  string `yaml:"storage_endpoint" envconfig:"STORAGE_ENDPOINT"`
	StorageAccessKey string `yaml:"storage_access_key" envconfig:"STORAGE_ACCESS_KEY"`
	StorageSecretKey string `yaml:"storage_secret_key" envconfig:"STORAGE_SECRET_KEY"`
	StorageBucket    string `yaml:"storage_bucket" envconfig:"STORAGE_BUCKET"`
	StorageUseSSL    bool   `yaml:"storage_use_ssl" envconfig:"STORAGE_USE_SSL"`

	ProviderBaseURL        string `yaml:"provider_base_url" envconfig:"PROVIDER_BASE_URL"`
	ProviderAPIToken       string `yaml:"provider_api_token" envconfig:"PROVIDER_API_TOKEN"`
	ProviderModelVersion   string `yaml:"provider_model_version" envconfig:"PROVIDER_MODEL_VERSION"`
	ProviderPollIntervalMs int    `yaml:"provider_poll_interval_ms" envconfig:"PROVIDER_POLL_INTERVAL_MS"`

	ImageProcessingTimeoutMs int `yaml:"image_processing_timeout_ms" envconfig:"IMAGE_PROCESSING_TIMEOUT_MS"`
	ThumbnailSize            int `yaml:"thumbnail_size" envconfig:"THUMBNAIL_SIZE"`
	CleanImageMaxDimension   int `yaml:"clean_image_max_dimension" envconfig:"CLEAN_IMAGE_MAX_DIMENSION"`
	JPEGQuality              int `yaml:"jpeg_quality" envconfig:"JPEG_QUALITY"`

	RetryBaseDelayMs    int `yaml:"retry_base_delay_ms" envconfig:"RETRY_BASE_DELAY_MS"`
	RetryMaxDelayMs     int `yaml:"retry_max_delay_ms" envconfig:"RETRY_MAX_DELAY_MS"`
	JobMaxAttempts      int `yaml:"job_max_attempts" envconfig:"JOB_MAX_ATTEMPTS"`
	StaleJobThresholdMs int `yaml:"stale_job_threshold_ms" envconfig:"STALE_JOB_THRESHOLD_MS"`
	DefaultBatchSize    int `yaml:"default_batch_size" envconfig:"DEFAULT_BATCH_SIZE"`
	WorkerPoolSize      int `yaml:"worker_pool_size" envconfig:"WORKER_POOL_SIZE"`

	KafkaBrokers     []string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaUploadTopic string   `yaml:"kafka_upload_topic" envconfig:"KAFKA_UPLOAD_TOPIC"`
	KafkaEventsTopic string   `yaml:"kafka_events_topic" envconfig:"KAFKA_EVENTS_TOPIC"`
	KafkaGroupID     string   `yaml:"kafka_group_id" envconfig:"KAFKA_GROUP_ID"`

	RedisURL     string `yaml:"redis_url" envconfig:"REDIS_URL"`
	PollSchedule string `yaml:"poll_schedule" envconfig:"POLL_SCHEDULE"`

	Log LogConfig `yaml:"log" ignored:"true"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // stdout or file
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:               ":8080",
		StorageBucket:            "wardrobe",
		ProviderBaseURL:          "https://api.replicate.com",
		ProviderPollIntervalMs:   1000,
		ImageProcessingTimeoutMs: 120000,
		ThumbnailSize:            200,
		CleanImageMaxDimension:   1600,
		JPEGQuality:              90,
		RetryBaseDelayMs:         1000,
		RetryMaxDelayMs:          60000,
		JobMaxAttempts:           DefaultMaxAttempts,
		StaleJobThresholdMs:      600000,
		DefaultBatchSize:         10,
		WorkerPoolSize:           3,
		KafkaUploadTopic:         "item-image-uploaded",
		KafkaEventsTopic:         "item-image-processed",
		KafkaGroupID:             "item-image-pipeline",
		Log: LogConfig{
			Level:      "info",
			Output:     "stdout",
			File:       "logs/pipeline.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// LoadConfig layers defaults, the YAML file at path (optional) and the
// environment, in that order. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if out := os.Getenv("LOG_OUTPUT"); out != "" {
		cfg.Log.Output = out
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Log.File = file
	}
	return &cfg, nil
}

// Validate reports missing credentials. The error wraps ErrConfig.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StorageEndpoint == "" {
		missing = append(missing, "STORAGE_ENDPOINT")
	}
	if c.StorageAccessKey == "" || c.StorageSecretKey == "" {
		missing = append(missing, "STORAGE_ACCESS_KEY/STORAGE_SECRET_KEY")
	}
	if c.ProviderAPIToken == "" {
		missing = append(missing, "PROVIDER_API_TOKEN")
	}
	if c.ProviderModelVersion == "" {
		missing = append(missing, "PROVIDER_MODEL_VERSION")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ImageProcessingTimeoutMs) * time.Millisecond
}

func (c *Config) ProviderPollInterval() time.Duration {
	return time.Duration(c.ProviderPollIntervalMs) * time.Millisecond
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c *Config) StaleJobThreshold() time.Duration {
	return time.Duration(c.StaleJobThresholdMs) * time.Millisecond
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
