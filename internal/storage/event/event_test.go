package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeserializeStorageTriggerEvent(t *testing.T) {
	payload := `{
		"event_id": "550e8400-e29b-41d4-a716-446655440000",
		"device_id": "glasses-001",
		"timestamp": "2024-01-15T10:30:00Z",
		"frame_number": 12345,
		"frame_data": "SGVsbG8gV29ybGQ=",
		"width": 1920,
		"height": 1080,
		"format": "jpeg",
		"detections": [{
			"detection_type": "safety_vest",
			"confidence": 0.95,
			"bbox": [0.1, 0.2, 0.3, 0.4],
			"attributes": {}
		}],
		"trigger_type": "detection",
		"metadata": {}
	}`

	var e StorageTriggerEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &e))

	assert.Equal(t, "glasses-001", e.DeviceID)
	assert.Equal(t, uint64(12345), e.FrameNumber)
	assert.Equal(t, []byte("Hello World"), []byte(e.FrameData))
	assert.Equal(t, TriggerDetection, e.TriggerType)
	require.Len(t, e.Detections, 1)
	assert.Equal(t, "safety_vest", e.Detections[0].Type)
	assert.InDelta(t, 0.95, e.Detections[0].Confidence, 1e-9)
	assert.Equal(t, [4]float64{0.1, 0.2, 0.3, 0.4}, e.Detections[0].BBox)
}

func TestEventJSONRoundTrip(t *testing.T) {
	original := StorageTriggerEvent{
		EventID:     uuid.New(),
		DeviceID:    "glasses-001",
		Timestamp:   time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		FrameNumber: 42,
		FrameData:   FrameData{0x00, 0x01, 0xFE, 0xFF},
		Width:       1920,
		Height:      1080,
		Format:      "jpeg",
		Detections: []Detection{{
			Type:       "hard_hat",
			Confidence: 0.8,
			BBox:       [4]float64{0, 0, 0.5, 0.5},
		}},
		TriggerType: TriggerSample,
		Metadata:    json.RawMessage(`{"alert_type":"fall"}`),
	}

	data, err := json.Marshal(&original)
	require.NoError(t, err)

	var decoded StorageTriggerEvent
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.EventID, decoded.EventID)
	assert.Equal(t, original.DeviceID, decoded.DeviceID)
	assert.True(t, original.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, original.FrameData, decoded.FrameData)
	assert.Equal(t, original.Detections, decoded.Detections)
	assert.Equal(t, original.TriggerType, decoded.TriggerType)
	assert.JSONEq(t, string(original.Metadata), string(decoded.Metadata))
}

func TestFrameDataIsPaddedBase64(t *testing.T) {
	data, err := json.Marshal(FrameData{1, 2})
	require.NoError(t, err)
	// Two bytes encode to four characters with padding.
	assert.Equal(t, `"AQI="`, string(data))
}

func TestFrameDataRejectsInvalidBase64(t *testing.T) {
	var d FrameData
	err := json.Unmarshal([]byte(`"not base64!!!"`), &d)
	require.Error(t, err)
}

func TestMetadataValue(t *testing.T) {
	e := StorageTriggerEvent{Metadata: json.RawMessage(`{"alert_type": "fall_detected", "n": 3}`)}
	assert.Equal(t, "fall_detected", e.MetadataValue("alert_type"))
	assert.Equal(t, "", e.MetadataValue("n"))
	assert.Equal(t, "", e.MetadataValue("missing"))

	empty := StorageTriggerEvent{}
	assert.Equal(t, "", empty.MetadataValue("alert_type"))
}
