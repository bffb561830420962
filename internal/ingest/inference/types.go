package inference

// gRPC method names on the inference service.
const (
	methodSubmitBatch = "/nier.inference.v1.InferenceService/SubmitBatch"
	methodHealthCheck = "/nier.inference.v1.InferenceService/HealthCheck"
)

// FramePayload is one frame within a batch submission.
type FramePayload struct {
	FrameID         string `json:"frame_id"`
	DeviceID        string `json:"device_id"`
	Data            []byte `json:"data"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	PixelFormat     string `json:"pixel_format"`
	Sequence        uint64 `json:"sequence"`
	CapturedAtNanos int64  `json:"captured_at_nanos"`
}

// SubmitBatchRequest submits a batch of processed frames for analysis.
type SubmitBatchRequest struct {
	DeviceID string         `json:"device_id"`
	Frames   []FramePayload `json:"frames"`
}

// SubmitBatchResponse reports per-frame acceptance.
type SubmitBatchResponse struct {
	AcceptedFrameIDs []string `json:"accepted_frame_ids"`
	RejectedFrameIDs []string `json:"rejected_frame_ids"`
}

// HealthCheckRequest checks service health for a device.
type HealthCheckRequest struct {
	DeviceID string `json:"device_id"`
}

// HealthCheckResponse reports service health.
type HealthCheckResponse struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}
