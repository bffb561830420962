package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/monitoring"
)

// Client manages one camera stream: connection lifecycle with supervised
// reconnection, frame emission into a bounded channel, and statistics.
type Client struct {
	cfg     config.RTSPConfig
	factory SourceFactory
	log     *logrus.Entry

	state    atomic.Int32
	running  atomic.Bool
	sequence atomic.Uint64

	statsMu sync.RWMutex
	stats   Stats

	sendMu      sync.Mutex
	frames      chan RawFrame
	framesClose bool

	sourceMu sync.Mutex
	source   FrameSource

	// sourceDown receives one value per terminal session failure.
	sourceDown chan error
}

// NewClient creates a stream client using the given source factory.
func NewClient(cfg config.RTSPConfig, factory SourceFactory) *Client {
	return &Client{
		cfg:        cfg,
		factory:    factory,
		log:        logrus.WithField("device_id", cfg.DeviceID),
		sourceDown: make(chan error, 1),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// IsRunning reports whether the client has been started and not stopped.
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// Stats returns a copy of the current stream statistics.
func (c *Client) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// Start connects to the stream and returns the bounded frame channel.
// Frames are dropped, never blocked on, when the channel is full.
func (c *Client) Start(ctx context.Context) (<-chan RawFrame, error) {
	c.frames = make(chan RawFrame, c.cfg.BufferMs)
	c.framesClose = false
	c.running.Store(true)

	if err := c.connectWithRetry(ctx); err != nil {
		c.running.Store(false)
		return nil, err
	}

	return c.frames, nil
}

// Stop tears down the stream. It is idempotent; pending channel items are
// dropped by the closed channel's readers draining it.
func (c *Client) Stop() {
	if !c.running.Swap(false) {
		return
	}
	c.log.Info("stopping stream client")

	c.closeSource()
	c.setState(StateDisconnected)
	c.closeFrames()
}

// Reconnect tears down the current session, resets the sequence counter and
// re-enters the connect loop.
func (c *Client) Reconnect(ctx context.Context) error {
	c.closeSource()
	c.sequence.Store(0)
	return c.connectWithRetry(ctx)
}

// Run supervises the stream until the context is canceled or the reconnect
// cap is reached: it reconnects whenever the session dies.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return nil
		case err := <-c.sourceDown:
			if !c.running.Load() {
				return nil
			}
			if err != nil {
				c.log.WithError(err).Error("stream session failed")
			} else {
				c.log.Info("end of stream")
			}
			c.setState(StateDisconnected)
			if rerr := c.Reconnect(ctx); rerr != nil {
				c.Stop()
				return rerr
			}
		}
	}
}

// connectWithRetry attempts to open a session with exponential backoff.
// The attempt counter increments on failure; reaching the configured cap
// moves the client to Failed.
func (c *Client) connectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBaseDelay()
	bo.MaxInterval = c.cfg.ReconnectMaxDelay()
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if !c.running.Load() {
			return ErrDisconnected
		}

		if attempts == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		err := c.openSource()
		if err == nil {
			c.setState(StateConnected)
			c.statsMu.Lock()
			c.stats.StreamStart = time.Now()
			c.statsMu.Unlock()
			c.log.WithFields(logrus.Fields{
				"url":      c.cfg.URL,
				"attempts": attempts,
			}).Info("connected to stream")
			return nil
		}

		attempts++
		monitoring.IngestReconnects.Inc()
		c.statsMu.Lock()
		c.stats.ReconnectCount = uint32(attempts)
		c.statsMu.Unlock()

		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.setState(StateFailed)
			c.log.WithError(err).WithField("attempts", attempts).Error("max reconnection attempts exceeded")
			return ErrMaxReconnects
		}

		delay := bo.NextBackOff()
		c.log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempts,
			"delay_ms": delay.Milliseconds(),
		}).Warn("connection failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) openSource() error {
	source, err := c.factory.NewSource(c.cfg)
	if err != nil {
		return err
	}
	if err := source.Open(c.onFrame, c.onSourceError); err != nil {
		return err
	}
	c.sourceMu.Lock()
	c.source = source
	c.sourceMu.Unlock()
	return nil
}

func (c *Client) closeSource() {
	c.sourceMu.Lock()
	source := c.source
	c.source = nil
	c.sourceMu.Unlock()
	if source != nil {
		source.Close()
	}
}

func (c *Client) onSourceError(err error) {
	select {
	case c.sourceDown <- err:
	default:
	}
}

// onFrame stamps and emits one decoded frame. Emission uses try-send: a
// full channel drops the frame and never blocks the decoder.
func (c *Client) onFrame(f SourceFrame) {
	if !c.running.Load() {
		return
	}

	seq := c.sequence.Add(1) - 1
	frame := RawFrame{
		Data:       f.Data,
		Width:      f.Width,
		Height:     f.Height,
		PTS:        f.PTS,
		HasPTS:     f.HasPTS,
		Sequence:   seq,
		CapturedAt: time.Now(),
		Format:     f.Format,
	}

	c.statsMu.Lock()
	c.stats.FramesReceived++
	c.stats.BytesReceived += uint64(len(frame.Data))
	c.stats.LastFrameAt = frame.CapturedAt
	if !c.stats.StreamStart.IsZero() {
		if elapsed := time.Since(c.stats.StreamStart).Seconds(); elapsed > 0 {
			c.stats.CurrentFPS = float64(c.stats.FramesReceived) / elapsed
		}
	}
	c.statsMu.Unlock()
	monitoring.IngestFramesReceived.Inc()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.framesClose {
		return
	}
	select {
	case c.frames <- frame:
	default:
		c.statsMu.Lock()
		c.stats.FramesDropped++
		c.statsMu.Unlock()
		monitoring.IngestFramesDropped.Inc()
		c.log.Debug("frame dropped due to backpressure")
	}
}

func (c *Client) closeFrames() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.frames != nil && !c.framesClose {
		c.framesClose = true
		close(c.frames)
	}
}
