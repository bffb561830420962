package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/quantbagel/nier/internal/config"
)

// RTSPSourceFactory creates RTSP-backed frame sources. The decoder converts
// H264 access units into raw RGB frames and is supplied by the caller.
type RTSPSourceFactory struct {
	Decoder FrameDecoder
}

// NewRTSPSourceFactory returns a factory producing RTSP sessions that
// decode through the given decoder.
func NewRTSPSourceFactory(decoder FrameDecoder) *RTSPSourceFactory {
	return &RTSPSourceFactory{Decoder: decoder}
}

// NewSource implements SourceFactory.
func (f *RTSPSourceFactory) NewSource(cfg config.RTSPConfig) (FrameSource, error) {
	if f.Decoder == nil {
		return nil, fmt.Errorf("RTSP source requires a frame decoder")
	}
	return &rtspSource{cfg: cfg, decoder: f.Decoder}, nil
}

// rtspSource is one RTSP session: transport setup, H264 depacketization and
// decode, delivered as SourceFrames.
type rtspSource struct {
	cfg     config.RTSPConfig
	decoder FrameDecoder

	mu     sync.Mutex
	client *gortsplib.Client
	closed bool
}

func transportFor(name string) gortsplib.Transport {
	switch name {
	case "udp":
		return gortsplib.TransportUDP
	case "udp-mcast":
		return gortsplib.TransportUDPMulticast
	default:
		return gortsplib.TransportTCP
	}
}

// Open implements FrameSource.
func (s *rtspSource) Open(onFrame func(SourceFrame), onError func(error)) error {
	u, err := base.ParseURL(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid RTSP URL: %w", err)
	}

	transport := transportFor(s.cfg.Transport)
	client := &gortsplib.Client{
		Transport:   &transport,
		ReadTimeout: s.cfg.ConnectionTimeout(),
	}

	if err := client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("stream connection failed: %w", err)
	}

	desc, _, err := client.Describe(u)
	if err != nil {
		client.Close()
		return fmt.Errorf("stream connection failed: %w", err)
	}

	var videoFormat *format.H264
	videoMedia := desc.FindFormat(&videoFormat)
	if videoMedia == nil {
		client.Close()
		return fmt.Errorf("no H264 track in stream")
	}

	rtpDecoder, err := videoFormat.CreateDecoder()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create RTP decoder: %w", err)
	}

	if _, err := client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		client.Close()
		return fmt.Errorf("stream connection failed: %w", err)
	}

	client.OnPacketRTP(videoMedia, videoFormat, func(pkt *rtp.Packet) {
		au, err := rtpDecoder.Decode(pkt)
		if err != nil {
			// Incomplete access units are routine; anything else is a
			// transient decode warning.
			return
		}
		pts := time.Duration(pkt.Timestamp) * time.Second / time.Duration(videoFormat.ClockRate())
		frame, err := s.decoder.Decode(au, pts)
		if err != nil {
			logrus.WithField("device_id", s.cfg.DeviceID).WithError(err).Debug("frame decode warning")
			return
		}
		if frame != nil {
			onFrame(*frame)
		}
	})

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return fmt.Errorf("stream connection failed: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.closed = false
	s.mu.Unlock()

	// Wait returns when the session dies: transport error or end of
	// stream. Both end the session; the supervisor decides what follows.
	go func() {
		err := client.Wait()
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			onError(err)
		}
	}()

	return nil
}

// Close implements FrameSource.
func (s *rtspSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.client != nil {
		s.client.Close()
	}
}
