package config

import (
	"strings"
	"time"
)

// IngestConfig is the root configuration for the ingest service.
type IngestConfig struct {
	RTSP       RTSPConfig       `toml:"rtsp"`
	Processing ProcessingConfig `toml:"processing"`
	Inference  InferenceConfig  `toml:"inference"`
	Logging    LoggingConfig    `toml:"logging"`
	Health     HealthConfig     `toml:"health"`
}

// RTSPConfig describes the camera stream connection.
type RTSPConfig struct {
	// Stream URL, e.g. "rtsp://camera:554/stream".
	URL string `toml:"url"`
	// Device identifier for this camera.
	DeviceID string `toml:"device_id"`
	// Worker wearing the device, if known.
	WorkerID string `toml:"worker_id"`
	// Factory zone the device operates in.
	ZoneID string `toml:"zone_id"`
	// Connection timeout in seconds.
	ConnectionTimeoutSecs int `toml:"connection_timeout_secs"`
	// Maximum reconnection attempts; 0 means retry forever.
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	// Base delay between reconnection attempts in milliseconds.
	ReconnectBaseDelayMs int `toml:"reconnect_base_delay_ms"`
	// Maximum delay between reconnection attempts in milliseconds.
	ReconnectMaxDelayMs int `toml:"reconnect_max_delay_ms"`
	// Transport protocol: tcp, udp or udp-mcast.
	Transport string `toml:"transport"`
	// Jitter buffer size in milliseconds.
	BufferMs int `toml:"buffer_ms"`
}

// ProcessingConfig describes the frame processing stage.
type ProcessingConfig struct {
	TargetWidth  int     `toml:"target_width"`
	TargetHeight int     `toml:"target_height"`
	TargetFPS    float64 `toml:"target_fps"`
	PixelFormat  string  `toml:"pixel_format"`
	// Capacity of the processed-frame channel.
	QueueSize int `toml:"queue_size"`
	// Drop frames instead of blocking when the output channel is full.
	DropOnBackpressure bool `toml:"drop_on_backpressure"`
}

// InferenceConfig describes the inference RPC client.
type InferenceConfig struct {
	Endpoint              string `toml:"endpoint"`
	RequestTimeoutSecs    int    `toml:"request_timeout_secs"`
	ConnectionTimeoutSecs int    `toml:"connection_timeout_secs"`
	MaxConcurrentRequests int    `toml:"max_concurrent_requests"`
	UseTLS                bool   `toml:"use_tls"`
	CACertPath            string `toml:"ca_cert_path"`
	EnableCompression     bool   `toml:"enable_compression"`
	BatchSize             int    `toml:"batch_size"`
	BatchTimeoutMs        int    `toml:"batch_timeout_ms"`
	// Connection retry backoff, reusing the stream client's shape.
	ConnectBaseDelayMs int `toml:"connect_base_delay_ms"`
	ConnectMaxDelayMs  int `toml:"connect_max_delay_ms"`
	MaxConnectAttempts int `toml:"max_connect_attempts"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level: trace, debug, info, warn, error.
	Level string `toml:"level"`
	// Format: json or pretty.
	Format string `toml:"format"`
}

// HealthConfig controls the health loop and metrics exposure.
type HealthConfig struct {
	IntervalSecs  int  `toml:"interval_secs"`
	MetricsPort   int  `toml:"metrics_port"`
	EnableMetrics bool `toml:"enable_metrics"`
}

// DefaultIngestConfig returns the built-in defaults for the ingest service.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		RTSP: RTSPConfig{
			ConnectionTimeoutSecs: 10,
			MaxReconnectAttempts:  0,
			ReconnectBaseDelayMs:  1000,
			ReconnectMaxDelayMs:   30000,
			Transport:             "tcp",
			BufferMs:              200,
		},
		Processing: ProcessingConfig{
			TargetWidth:        640,
			TargetHeight:       480,
			TargetFPS:          10,
			PixelFormat:        "RGB",
			QueueSize:          100,
			DropOnBackpressure: true,
		},
		Inference: InferenceConfig{
			RequestTimeoutSecs:    30,
			ConnectionTimeoutSecs: 10,
			MaxConcurrentRequests: 10,
			BatchSize:             1,
			BatchTimeoutMs:        100,
			ConnectBaseDelayMs:    1000,
			ConnectMaxDelayMs:     30000,
			MaxConnectAttempts:    0,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Health:  HealthConfig{IntervalSecs: 30, MetricsPort: 9091, EnableMetrics: true},
	}
}

// LoadIngest loads the layered ingest configuration from the given config
// directory and the INGEST__* environment variables.
func LoadIngest(dir string) (IngestConfig, error) {
	cfg := DefaultIngestConfig()
	if err := loadLayers(dir, "INGEST", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the ingest configuration for fatal errors.
func (c *IngestConfig) Validate() error {
	if c.RTSP.URL == "" {
		return missingField("rtsp.url")
	}
	if !strings.HasPrefix(c.RTSP.URL, "rtsp://") && !strings.HasPrefix(c.RTSP.URL, "rtsps://") {
		return invalidValue("rtsp.url", "URL must start with rtsp:// or rtsps://")
	}
	if c.RTSP.DeviceID == "" {
		return missingField("rtsp.device_id")
	}
	switch c.RTSP.Transport {
	case "tcp", "udp", "udp-mcast":
	default:
		return invalidValue("rtsp.transport", "must be tcp, udp or udp-mcast")
	}
	if c.Processing.TargetWidth == 0 || c.Processing.TargetHeight == 0 {
		return invalidValue("processing.target_width/height", "dimensions must be greater than 0")
	}
	if c.Processing.TargetFPS <= 0 {
		return invalidValue("processing.target_fps", "FPS must be greater than 0")
	}
	if c.Inference.Endpoint == "" {
		return missingField("inference.endpoint")
	}
	return nil
}

// ConnectionTimeout returns the RTSP connection timeout.
func (c *RTSPConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

// ReconnectBaseDelay returns the base reconnection delay.
func (c *RTSPConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// ReconnectMaxDelay returns the maximum reconnection delay.
func (c *RTSPConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

// RequestTimeout returns the inference request timeout.
func (c *InferenceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// ConnectionTimeout returns the inference connection timeout.
func (c *InferenceConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

// BatchTimeout returns the maximum time a batch waits to fill.
func (c *InferenceConfig) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}
