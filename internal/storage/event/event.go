// Package event defines the storage trigger event received from the bus
// and its JSON wire format.
package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger types: the reason an event was placed on the bus.
const (
	TriggerDetection = "detection"
	TriggerSample    = "sample"
	TriggerDebug     = "debug"
	TriggerManual    = "manual"
	TriggerAlert     = "alert"
)

// FrameData carries encoded image bytes as standard padded base64 in JSON.
type FrameData []byte

// MarshalJSON implements json.Marshaler.
func (d FrameData) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(d))
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *FrameData) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid base64 frame data: %w", err)
	}
	*d = decoded
	return nil
}

// Detection is a single detection within a frame.
type Detection struct {
	// Detection type/class, e.g. "safety_vest".
	Type string `json:"detection_type"`
	// Confidence score in [0, 1].
	Confidence float64 `json:"confidence"`
	// Axis-aligned bounding box [x, y, w, h] normalized to [0, 1].
	BBox [4]float64 `json:"bbox"`
	// Opaque detection attributes.
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// StorageTriggerEvent is the bus payload asking the storage service to
// consider persisting a frame. At-least-once delivery permits duplicates.
type StorageTriggerEvent struct {
	EventID     uuid.UUID       `json:"event_id"`
	DeviceID    string          `json:"device_id"`
	Timestamp   time.Time       `json:"timestamp"`
	FrameNumber uint64          `json:"frame_number"`
	FrameData   FrameData       `json:"frame_data"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Format      string          `json:"format"`
	Detections  []Detection     `json:"detections,omitempty"`
	TriggerType string          `json:"trigger_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// MetadataValue returns a string field from the freeform metadata, or ""
// when absent or not a string.
func (e *StorageTriggerEvent) MetadataValue(key string) string {
	if len(e.Metadata) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return s
}
