// Package processor prepares raw camera frames for inference: frame rate
// decimation, resize and pixel format conversion, with configurable
// backpressure behavior.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/ingest/stream"
)

// Errors reported by the processor.
var (
	// ErrQueueFull is returned when the output channel is full in drop
	// mode.
	ErrQueueFull = errors.New("queue full, frame dropped")
	// ErrShutdown is returned when the processor is stopping.
	ErrShutdown = errors.New("processor shutdown")
)

// PixelFormatRGB24 is the output pixel format of the processor.
const PixelFormatRGB24 = "RGB24"

// ProcessedFrame is a frame ready for inference.
type ProcessedFrame struct {
	// Unique frame identifier: {device_id}-{sequence}-{capture_nanos}.
	FrameID  string
	DeviceID string
	Data     []byte
	// Dimensions after processing.
	Width  int
	Height int
	// Always RGB24.
	PixelFormat string
	// Dimensions before processing.
	OriginalWidth  int
	OriginalHeight int
	Sequence       uint64
	CapturedAt     time.Time
	ProcessedAt    time.Time
	// Processing latency in microseconds.
	ProcessingLatencyUs int64
}

// Stats are cumulative processor statistics.
type Stats struct {
	FramesProcessed           uint64
	FramesDroppedRateLimit    uint64
	FramesDroppedBackpressure uint64
	TotalProcessingTimeUs     uint64
	AvgProcessingTimeUs       float64
	LastFrameAt               time.Time
}

// Settings are the runtime-adjustable processor settings. Updates take
// effect on the next frame.
type Settings struct {
	TargetWidth        int
	TargetHeight       int
	TargetFPS          float64
	DropOnBackpressure bool
}

// SettingsFromConfig derives Settings from the processing configuration.
func SettingsFromConfig(cfg config.ProcessingConfig) Settings {
	return Settings{
		TargetWidth:        cfg.TargetWidth,
		TargetHeight:       cfg.TargetHeight,
		TargetFPS:          cfg.TargetFPS,
		DropOnBackpressure: cfg.DropOnBackpressure,
	}
}

// Processor converts raw frames into inference-ready frames at a bounded
// rate.
type Processor struct {
	deviceID string
	log      *logrus.Entry

	running atomic.Bool

	settingsMu sync.RWMutex
	settings   Settings
	limiter    *rate.Limiter

	statsMu sync.RWMutex
	stats   Stats
}

// New creates a processor for the given device.
func New(cfg config.ProcessingConfig, deviceID string) *Processor {
	settings := SettingsFromConfig(cfg)
	return &Processor{
		deviceID: deviceID,
		log:      logrus.WithField("device_id", deviceID),
		settings: settings,
		limiter:  rate.NewLimiter(rate.Limit(settings.TargetFPS), 1),
	}
}

// Stats returns a copy of the current statistics.
func (p *Processor) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// Settings returns the current settings.
func (p *Processor) Settings() Settings {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return p.settings
}

// UpdateSettings replaces the runtime settings. The rate gate is rebuilt so
// the new FPS applies to the next frame.
func (p *Processor) UpdateSettings(settings Settings) {
	p.settingsMu.Lock()
	p.settings = settings
	p.limiter = rate.NewLimiter(rate.Limit(settings.TargetFPS), 1)
	p.settingsMu.Unlock()
	p.log.WithFields(logrus.Fields{
		"width":  settings.TargetWidth,
		"height": settings.TargetHeight,
		"fps":    settings.TargetFPS,
	}).Info("processor settings updated")
}

// IsRunning reports whether the processor loop is active.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// Stop requests the processing loop to exit.
func (p *Processor) Stop() {
	p.running.Store(false)
}

// Run consumes raw frames from in and sends processed frames to out until
// either channel closes, the context is canceled or Stop is called.
func (p *Processor) Run(ctx context.Context, in <-chan stream.RawFrame, out chan<- ProcessedFrame) {
	p.running.Store(true)
	settings := p.Settings()
	p.log.WithFields(logrus.Fields{
		"target_width":  settings.TargetWidth,
		"target_height": settings.TargetHeight,
		"target_fps":    settings.TargetFPS,
	}).Info("frame processor started")

	for p.running.Load() {
		select {
		case <-ctx.Done():
			p.running.Store(false)
		case frame, ok := <-in:
			if !ok {
				p.log.Info("input channel closed")
				p.running.Store(false)
				break
			}
			if err := p.processAndSend(ctx, frame, out); err != nil {
				switch {
				case errors.Is(err, ErrQueueFull):
					p.statsMu.Lock()
					p.stats.FramesDroppedBackpressure++
					p.statsMu.Unlock()
				case errors.Is(err, ErrShutdown):
					p.running.Store(false)
				default:
					p.log.WithError(err).Warn("frame processing error")
				}
			}
		}
	}

	p.running.Store(false)
	p.log.Info("frame processor stopped")
}

// processAndSend applies the rate gate, processes one frame and forwards it
// according to the backpressure mode.
func (p *Processor) processAndSend(ctx context.Context, frame stream.RawFrame, out chan<- ProcessedFrame) error {
	p.settingsMu.RLock()
	settings := p.settings
	limiter := p.limiter
	p.settingsMu.RUnlock()

	if !limiter.Allow() {
		p.statsMu.Lock()
		p.stats.FramesDroppedRateLimit++
		p.statsMu.Unlock()
		return nil
	}

	processed, err := p.processFrame(frame, settings)
	if err != nil {
		return err
	}

	if settings.DropOnBackpressure {
		select {
		case out <- processed:
			return nil
		default:
			return ErrQueueFull
		}
	}

	select {
	case out <- processed:
		return nil
	case <-ctx.Done():
		return ErrShutdown
	}
}

// processFrame resizes and converts one frame and updates the statistics.
func (p *Processor) processFrame(frame stream.RawFrame, settings Settings) (ProcessedFrame, error) {
	start := time.Now()

	data, err := resizeAndConvert(frame.Data, frame.Width, frame.Height, settings.TargetWidth, settings.TargetHeight, frame.Format)
	if err != nil {
		return ProcessedFrame{}, err
	}

	latencyUs := time.Since(start).Microseconds()
	frameID := fmt.Sprintf("%s-%d-%d", p.deviceID, frame.Sequence, frame.CapturedAt.UnixNano())

	p.statsMu.Lock()
	p.stats.FramesProcessed++
	p.stats.TotalProcessingTimeUs += uint64(latencyUs)
	p.stats.AvgProcessingTimeUs = float64(p.stats.TotalProcessingTimeUs) / float64(p.stats.FramesProcessed)
	p.stats.LastFrameAt = time.Now()
	p.statsMu.Unlock()

	return ProcessedFrame{
		FrameID:             frameID,
		DeviceID:            p.deviceID,
		Data:                data,
		Width:               settings.TargetWidth,
		Height:              settings.TargetHeight,
		PixelFormat:         PixelFormatRGB24,
		OriginalWidth:       frame.Width,
		OriginalHeight:      frame.Height,
		Sequence:            frame.Sequence,
		CapturedAt:          frame.CapturedAt,
		ProcessedAt:         time.Now(),
		ProcessingLatencyUs: latencyUs,
	}, nil
}

// resizeAndConvert resamples RGB data to the target dimensions using
// nearest-neighbor sampling. Frames already at the target size and format
// pass through unchanged.
func resizeAndConvert(data []byte, srcW, srcH, dstW, dstH int, srcFormat string) ([]byte, error) {
	if srcW == dstW && srcH == dstH && srcFormat == "RGB" {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if srcW <= 0 || srcH <= 0 {
		return nil, fmt.Errorf("invalid frame format: %dx%d", srcW, srcH)
	}

	out := make([]byte, dstW*dstH*3)
	xRatio := float64(srcW) / float64(dstW)
	yRatio := float64(srcH) / float64(dstH)

	for y := 0; y < dstH; y++ {
		srcY := int(float64(y) * yRatio)
		for x := 0; x < dstW; x++ {
			srcX := int(float64(x) * xRatio)
			srcIdx := (srcY*srcW + srcX) * 3
			dstIdx := (y*dstW + x) * 3
			if srcIdx+2 < len(data) {
				out[dstIdx] = data[srcIdx]
				out[dstIdx+1] = data[srcIdx+1]
				out[dstIdx+2] = data[srcIdx+2]
			}
		}
	}

	return out, nil
}
