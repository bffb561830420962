package config

import (
	"time"

	"github.com/quantbagel/nier/internal/pipeline"
)

// StorageConfig is the root configuration for the storage service.
type StorageConfig struct {
	Service        ServiceConfig        `toml:"service"`
	Kafka          pipeline.KafkaConfig `toml:"kafka"`
	S3             S3Config             `toml:"s3"`
	Database       DatabaseConfig       `toml:"database"`
	FrameSelection FrameSelectionConfig `toml:"frame_selection"`
	API            APIConfig            `toml:"api"`
	Logging        LoggingConfig        `toml:"logging"`
}

// ServiceConfig is service-level configuration.
type ServiceConfig struct {
	Name        string `toml:"name"`
	MetricsPort int    `toml:"metrics_port"`
}

// S3Config describes the object store.
type S3Config struct {
	Bucket string `toml:"bucket"`
	Region string `toml:"region"`
	// Custom endpoint for MinIO or LocalStack.
	EndpointURL string `toml:"endpoint_url"`
	// Force path-style access, required for MinIO.
	ForcePathStyle bool `toml:"force_path_style"`
	// Presigned URL expiry in seconds.
	PresignedURLExpirySecs int `toml:"presigned_url_expiry_secs"`
	// Parallel upload bound.
	UploadConcurrency int `toml:"upload_concurrency"`
	// Uploads above this size go multipart.
	MultipartThresholdBytes int `toml:"multipart_threshold_bytes"`
	// Part size for multipart uploads.
	PartSizeBytes int `toml:"part_size_bytes"`
}

// DatabaseConfig describes the metadata database.
type DatabaseConfig struct {
	// Database path or DSN.
	URL                string `toml:"url"`
	MaxConnections     int    `toml:"max_connections"`
	MinConnections     int    `toml:"min_connections"`
	ConnectTimeoutSecs int    `toml:"connect_timeout_secs"`
	IdleTimeoutSecs    int    `toml:"idle_timeout_secs"`
	// Run migrations on startup.
	RunMigrations bool `toml:"run_migrations"`
}

// FrameSelectionConfig controls the frame selection policy.
type FrameSelectionConfig struct {
	StoreDetections bool `toml:"store_detections"`
	StoreSamples    bool `toml:"store_samples"`
	// Store one frame per SampleRate sample events per device.
	SampleRate    uint64  `toml:"sample_rate"`
	StoreDebug    bool    `toml:"store_debug"`
	MinConfidence float64 `toml:"min_confidence"`
	// Detection types to store; empty stores all.
	DetectionTypes  []string `toml:"detection_types"`
	MaxFrameAgeSecs int      `toml:"max_frame_age_secs"`
}

// APIConfig describes the signed-URL HTTP API.
type APIConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	CORSEnabled bool   `toml:"cors_enabled"`
	// Allowed origins; empty is permissive for all.
	CORSOrigins []string `toml:"cors_origins"`
}

// DefaultStorageConfig returns the built-in defaults for the storage
// service.
func DefaultStorageConfig() StorageConfig {
	kafka := pipeline.DefaultKafkaConfig()
	kafka.Consumer.GroupID = "storage-service"
	return StorageConfig{
		Service: ServiceConfig{
			Name:        "storage-service",
			MetricsPort: 9090,
		},
		Kafka: kafka,
		S3: S3Config{
			Region:                  "us-east-1",
			PresignedURLExpirySecs:  3600,
			UploadConcurrency:       10,
			MultipartThresholdBytes: 5 * 1024 * 1024,
			PartSizeBytes:           5 * 1024 * 1024,
		},
		Database: DatabaseConfig{
			MaxConnections:     10,
			MinConnections:     2,
			ConnectTimeoutSecs: 30,
			IdleTimeoutSecs:    600,
			RunMigrations:      true,
		},
		FrameSelection: FrameSelectionConfig{
			StoreDetections: true,
			StoreSamples:    true,
			SampleRate:      30,
			StoreDebug:      true,
			MinConfidence:   0.5,
			MaxFrameAgeSecs: 300,
		},
		API: APIConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSEnabled: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadStorage loads the layered storage configuration from the given config
// directory and the STORAGE__* environment variables. The flat KAFKA_*
// variables recognized by the pipeline library are applied first so
// STORAGE__KAFKA__* can still override them.
func LoadStorage(dir string) (StorageConfig, error) {
	cfg := DefaultStorageConfig()
	cfg.Kafka = mergeKafkaEnv(cfg.Kafka)
	if err := loadLayers(dir, "STORAGE", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// mergeKafkaEnv overlays the flat KAFKA_* variables onto the given config,
// keeping its topics and consumer tuning.
func mergeKafkaEnv(base pipeline.KafkaConfig) pipeline.KafkaConfig {
	env := pipeline.FromEnv()
	env.Topics = base.Topics
	env.Reliability = base.Reliability
	env.Producer = base.Producer
	groupID := env.Consumer.GroupID
	env.Consumer = base.Consumer
	if groupID != pipeline.DefaultKafkaConfig().Consumer.GroupID {
		env.Consumer.GroupID = groupID
	}
	return env
}

// Validate checks the storage configuration for fatal errors.
func (c *StorageConfig) Validate() error {
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if c.S3.Bucket == "" {
		return missingField("s3.bucket")
	}
	if c.Database.URL == "" {
		return missingField("database.url")
	}
	if c.FrameSelection.SampleRate == 0 {
		return invalidValue("frame_selection.sample_rate", "must be greater than 0")
	}
	return nil
}

// PresignedURLExpiry returns the presigned URL expiry.
func (c *S3Config) PresignedURLExpiry() time.Duration {
	return time.Duration(c.PresignedURLExpirySecs) * time.Second
}

// ConnectTimeout returns the pool acquire timeout.
func (c *DatabaseConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}

// IdleTimeout returns the idle connection timeout.
func (c *DatabaseConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}

// MaxFrameAge returns the maximum frame age.
func (c *FrameSelectionConfig) MaxFrameAge() time.Duration {
	return time.Duration(c.MaxFrameAgeSecs) * time.Second
}
