package uploader

import (
	"fmt"
	"strings"

	"github.com/quantbagel/nier/internal/storage/event"
)

// KeyPrefix is the top-level object store prefix for frames.
const KeyPrefix = "frames"

// eventTypeSegment maps a trigger type to its plural key segment.
func eventTypeSegment(triggerType string) string {
	switch triggerType {
	case event.TriggerDetection:
		return "detections"
	case event.TriggerSample:
		return "samples"
	case event.TriggerDebug:
		return "debug"
	case event.TriggerManual:
		return "manual"
	case event.TriggerAlert:
		return "alerts"
	default:
		return "manual"
	}
}

// GenerateKey builds the object key for an event:
// frames/{date}/{device_id}/{event_type}/{timestamp}_{event_id}.{format}
//
// The first level is the UTC date for time-based queries and lifecycle
// policies, then the device, then the event type; the filename combines the
// time of day and the event id for uniqueness and ordering.
func GenerateKey(e *event.StorageTriggerEvent) string {
	ts := e.Timestamp.UTC()
	date := ts.Format("2006-01-02")
	timeOfDay := fmt.Sprintf("%s%03d", ts.Format("150405"), ts.Nanosecond()/1e6)

	return fmt.Sprintf("%s/%s/%s/%s/%s_%s.%s",
		KeyPrefix,
		date,
		SanitizePathComponent(e.DeviceID),
		eventTypeSegment(e.TriggerType),
		timeOfDay,
		e.EventID,
		strings.ToLower(e.Format),
	)
}

// SanitizePathComponent replaces any byte outside [A-Za-z0-9_-] with '_'
// to prevent path traversal in object keys.
func SanitizePathComponent(component string) string {
	var b strings.Builder
	b.Grow(len(component))
	for i := 0; i < len(component); i++ {
		c := component[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ContentType returns the MIME type for a frame format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
