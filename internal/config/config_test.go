package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIngestConfig() IngestConfig {
	cfg := DefaultIngestConfig()
	cfg.RTSP.URL = "rtsp://camera:554/stream"
	cfg.RTSP.DeviceID = "camera-001"
	cfg.Inference.Endpoint = "inference:50051"
	return cfg
}

func TestIngestValidate(t *testing.T) {
	cfg := validIngestConfig()
	require.NoError(t, cfg.Validate())
}

func TestIngestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IngestConfig)
	}{
		{"missing url", func(c *IngestConfig) { c.RTSP.URL = "" }},
		{"non-rtsp url", func(c *IngestConfig) { c.RTSP.URL = "http://camera:554/stream" }},
		{"missing device id", func(c *IngestConfig) { c.RTSP.DeviceID = "" }},
		{"zero width", func(c *IngestConfig) { c.Processing.TargetWidth = 0 }},
		{"zero height", func(c *IngestConfig) { c.Processing.TargetHeight = 0 }},
		{"zero fps", func(c *IngestConfig) { c.Processing.TargetFPS = 0 }},
		{"negative fps", func(c *IngestConfig) { c.Processing.TargetFPS = -1 }},
		{"missing endpoint", func(c *IngestConfig) { c.Inference.Endpoint = "" }},
		{"bad transport", func(c *IngestConfig) { c.RTSP.Transport = "quic" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validIngestConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestRtspsURLAccepted(t *testing.T) {
	cfg := validIngestConfig()
	cfg.RTSP.URL = "rtsps://camera:554/stream"
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("INGEST__RTSP__URL", "rtsp://other:554/s")
	t.Setenv("INGEST__RTSP__MAX_RECONNECT_ATTEMPTS", "7")
	t.Setenv("INGEST__PROCESSING__TARGET_FPS", "2.5")
	t.Setenv("INGEST__PROCESSING__DROP_ON_BACKPRESSURE", "false")

	cfg := validIngestConfig()
	require.NoError(t, applyEnv("INGEST", &cfg))

	assert.Equal(t, "rtsp://other:554/s", cfg.RTSP.URL)
	assert.Equal(t, 7, cfg.RTSP.MaxReconnectAttempts)
	assert.Equal(t, 2.5, cfg.Processing.TargetFPS)
	assert.False(t, cfg.Processing.DropOnBackpressure)
}

func TestApplyEnvStringSlice(t *testing.T) {
	t.Setenv("STORAGE__FRAME_SELECTION__DETECTION_TYPES", "safety_vest, hard_hat")

	cfg := DefaultStorageConfig()
	require.NoError(t, applyEnv("STORAGE", &cfg))
	assert.Equal(t, []string{"safety_vest", "hard_hat"}, cfg.FrameSelection.DetectionTypes)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	defaultToml := `
[rtsp]
url = "rtsp://file-camera:554/stream"
device_id = "file-device"

[inference]
endpoint = "inference:50051"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.toml"), []byte(defaultToml), 0o644))

	t.Setenv("RUN_MODE", "test")
	envToml := `
[rtsp]
device_id = "env-mode-device"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.toml"), []byte(envToml), 0o644))
	t.Setenv("INGEST__INFERENCE__BATCH_SIZE", "8")

	cfg, err := LoadIngest(dir)
	require.NoError(t, err)

	// File layering: the run-mode file overrides the default file, the
	// environment overrides both.
	assert.Equal(t, "rtsp://file-camera:554/stream", cfg.RTSP.URL)
	assert.Equal(t, "env-mode-device", cfg.RTSP.DeviceID)
	assert.Equal(t, 8, cfg.Inference.BatchSize)
	require.NoError(t, cfg.Validate())
}

func TestStorageValidate(t *testing.T) {
	cfg := DefaultStorageConfig()
	cfg.S3.Bucket = "frames"
	cfg.Database.URL = "test.db"
	require.NoError(t, cfg.Validate())

	cfg.S3.Bucket = ""
	require.Error(t, cfg.Validate())

	cfg.S3.Bucket = "frames"
	cfg.Database.URL = ""
	require.Error(t, cfg.Validate())

	cfg.Database.URL = "test.db"
	cfg.FrameSelection.SampleRate = 0
	require.Error(t, cfg.Validate())
}

func TestRunModeDefault(t *testing.T) {
	t.Setenv("RUN_MODE", "")
	assert.Equal(t, "development", RunMode())
	t.Setenv("RUN_MODE", "production")
	assert.Equal(t, "production", RunMode())
}
