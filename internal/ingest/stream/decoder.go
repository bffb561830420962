package stream

import (
	"fmt"
	"time"
)

// Default decode resolution at the stream boundary. The processor resizes
// to its own target afterwards.
const (
	DefaultDecodeWidth  = 640
	DefaultDecodeHeight = 480
)

// RawRGBDecoder handles sources that deliver uncompressed RGB frames: each
// access unit is one complete frame at the fixed decode resolution.
// Compressed codecs are handled by an external decoder implementing
// FrameDecoder.
type RawRGBDecoder struct {
	Width  int
	Height int
}

// NewRawRGBDecoder returns a passthrough decoder at the default decode
// resolution.
func NewRawRGBDecoder() *RawRGBDecoder {
	return &RawRGBDecoder{Width: DefaultDecodeWidth, Height: DefaultDecodeHeight}
}

// Decode implements FrameDecoder.
func (d *RawRGBDecoder) Decode(accessUnit [][]byte, pts time.Duration) (*SourceFrame, error) {
	want := d.Width * d.Height * 3
	for _, unit := range accessUnit {
		if len(unit) == want {
			return &SourceFrame{
				Data:   unit,
				Width:  d.Width,
				Height: d.Height,
				Format: "RGB",
				PTS:    pts,
				HasPTS: true,
			}, nil
		}
	}
	if len(accessUnit) == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("access unit is not a raw %dx%d RGB frame", d.Width, d.Height)
}
