package uploader

import (
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbagel/nier/internal/storage/event"
)

var keyPattern = regexp.MustCompile(`^frames/\d{4}-\d{2}-\d{2}/[A-Za-z0-9_-]+/(detections|samples|debug|manual|alerts)/\d{9}_[0-9a-f-]{36}\.[a-z]+$`)

func keyTestEvent(triggerType string) *event.StorageTriggerEvent {
	return &event.StorageTriggerEvent{
		EventID:     uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		DeviceID:    "glasses-001",
		Timestamp:   time.Date(2024, 1, 15, 10, 30, 45, 123*1e6, time.UTC),
		FrameNumber: 12345,
		FrameData:   make(event.FrameData, 100),
		Width:       1920,
		Height:      1080,
		Format:      "jpeg",
		TriggerType: triggerType,
	}
}

func TestGenerateKeyDetection(t *testing.T) {
	key := GenerateKey(keyTestEvent(event.TriggerDetection))
	assert.Equal(t,
		"frames/2024-01-15/glasses-001/detections/103045123_550e8400-e29b-41d4-a716-446655440000.jpeg",
		key)
}

func TestGenerateKeyMatchesPattern(t *testing.T) {
	for _, trigger := range []string{
		event.TriggerDetection, event.TriggerSample, event.TriggerDebug,
		event.TriggerManual, event.TriggerAlert,
	} {
		e := keyTestEvent(trigger)
		key := GenerateKey(e)
		assert.Regexp(t, keyPattern, key, trigger)
	}
}

func TestGenerateKeySanitizesDevice(t *testing.T) {
	e := keyTestEvent(event.TriggerSample)
	e.DeviceID = "device/../path"
	key := GenerateKey(e)
	assert.Regexp(t, keyPattern, key)
	assert.Contains(t, key, "/device____path/")
}

func TestGenerateKeyUsesUTC(t *testing.T) {
	e := keyTestEvent(event.TriggerManual)
	loc := time.FixedZone("UTC+2", 2*3600)
	e.Timestamp = time.Date(2024, 1, 15, 1, 30, 45, 0, loc) // 23:30:45 UTC previous day
	key := GenerateKey(e)
	assert.Contains(t, key, "frames/2024-01-14/")
	assert.Contains(t, key, "/233045000_")
}

func TestGenerateKeyLowercasesFormat(t *testing.T) {
	e := keyTestEvent(event.TriggerDebug)
	e.Format = "PNG"
	key := GenerateKey(e)
	assert.Regexp(t, keyPattern, key)
	require.Contains(t, key, ".png")
}

func TestSanitizePathComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"glasses-001", "glasses-001"},
		{"device/path", "device_path"},
		{"dev..ice", "dev__ice"},
		{"hello world", "hello_world"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizePathComponent(tt.in))
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"jpeg", "image/jpeg"},
		{"JPEG", "image/jpeg"},
		{"jpg", "image/jpeg"},
		{"png", "image/png"},
		{"webp", "image/webp"},
		{"bmp", "image/bmp"},
		{"gif", "image/gif"},
		{"unknown", "application/octet-stream"},
		{"", "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentType(tt.format), tt.format)
	}
}
