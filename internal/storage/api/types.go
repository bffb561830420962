package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantbagel/nier/internal/storage/metadata"
)

// FrameResponse is frame metadata as returned by the API.
type FrameResponse struct {
	ID             uuid.UUID `json:"id"`
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"`
	FrameNumber    int64     `json:"frame_number"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Format         string    `json:"format"`
	TriggerType    string    `json:"trigger_type"`
	DetectionCount int       `json:"detection_count"`
	DetectionTypes *string   `json:"detection_types"`
	MaxConfidence  *float64  `json:"max_confidence"`
}

func frameResponse(f *metadata.FrameRecord) FrameResponse {
	return FrameResponse{
		ID:             f.ID,
		DeviceID:       f.DeviceID,
		Timestamp:      f.Timestamp,
		FrameNumber:    f.FrameNumber,
		Width:          f.Width,
		Height:         f.Height,
		Format:         f.Format,
		TriggerType:    f.TriggerType,
		DetectionCount: f.DetectionCount,
		DetectionTypes: f.DetectionTypes,
		MaxConfidence:  f.MaxConfidence,
	}
}

// FrameWithURL is a frame with an optional presigned URL.
type FrameWithURL struct {
	FrameResponse
	URL          *string    `json:"url"`
	URLExpiresAt *time.Time `json:"url_expires_at"`
}

// FrameListResponse is one page of frames.
type FrameListResponse struct {
	Frames     []FrameWithURL `json:"frames"`
	TotalCount int64          `json:"total_count"`
	HasMore    bool           `json:"has_more"`
}

// PresignedURLResponse is a minted URL for a single frame.
type PresignedURLResponse struct {
	URL       string        `json:"url"`
	ExpiresAt time.Time     `json:"expires_at"`
	Frame     FrameResponse `json:"frame"`
}

// BatchURLRequest asks for presigned URLs for many frames.
type BatchURLRequest struct {
	FrameIDs []uuid.UUID `json:"frame_ids"`
}

// BatchURLResult is the per-frame outcome in a batch response.
type BatchURLResult struct {
	FrameID   uuid.UUID  `json:"frame_id"`
	URL       *string    `json:"url"`
	ExpiresAt *time.Time `json:"expires_at"`
	Error     *string    `json:"error"`
}

// BatchURLResponse reports per-frame results without failing the request.
type BatchURLResponse struct {
	URLs []BatchURLResult `json:"urls"`
}

// PlaybackFrame is one frame in a playback sequence.
type PlaybackFrame struct {
	FrameID        uuid.UUID `json:"frame_id"`
	Timestamp      time.Time `json:"timestamp"`
	FrameNumber    int64     `json:"frame_number"`
	URL            string    `json:"url"`
	ExpiresAt      time.Time `json:"expires_at"`
	DetectionCount int       `json:"detection_count"`
}

// PlaybackResponse is an ascending sequence of frames for a device.
type PlaybackResponse struct {
	DeviceID string          `json:"device_id"`
	Frames   []PlaybackFrame `json:"frames"`
}

// ErrorResponse is the problem response shape.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
