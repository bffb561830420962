package stream

import (
	"time"

	"github.com/quantbagel/nier/internal/config"
)

// SourceFrame is a single decoded frame delivered by a FrameSource.
type SourceFrame struct {
	Data   []byte
	Width  int
	Height int
	Format string
	PTS    time.Duration
	HasPTS bool
}

// FrameSource is one camera session. Open connects and starts delivering
// decoded frames through onFrame; a terminal session failure (pipeline
// error or end of stream) is reported once through onError. Close tears the
// session down and is idempotent.
type FrameSource interface {
	Open(onFrame func(SourceFrame), onError func(error)) error
	Close()
}

// SourceFactory creates frame sources. The production factory wraps the
// RTSP transport; tests substitute their own.
type SourceFactory interface {
	NewSource(cfg config.RTSPConfig) (FrameSource, error)
}

// FrameDecoder converts encoded access units into decoded frames. The video
// decoder itself is an external collaborator; this interface is its
// boundary.
type FrameDecoder interface {
	// Decode returns the decoded frame for an access unit, or nil when the
	// unit does not complete a frame.
	Decode(accessUnit [][]byte, pts time.Duration) (*SourceFrame, error)
}
