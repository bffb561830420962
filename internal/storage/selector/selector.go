// Package selector decides which frames to persist: detection presence and
// confidence, periodic per-device sampling, debug/manual/alert triggers,
// and a frame age gate.
package selector

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/storage/event"
)

// Decision is the outcome of evaluating one event.
type Decision struct {
	Store  bool
	Reason string
}

func store(reason string) Decision {
	return Decision{Store: true, Reason: reason}
}

func skip(reason string) Decision {
	return Decision{Store: false, Reason: reason}
}

// Selector holds the selection configuration and the per-device sample
// counters. Counters are monotone; they reset only via ResetDeviceCounter.
type Selector struct {
	cfg config.FrameSelectionConfig

	countersMu sync.RWMutex
	counters   map[string]*atomic.Uint64

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates a selector with the given configuration.
func New(cfg config.FrameSelectionConfig) *Selector {
	return &Selector{
		cfg:      cfg,
		counters: make(map[string]*atomic.Uint64),
		now:      time.Now,
	}
}

// ShouldStore evaluates one event against the policy. The decision is
// deterministic given the pre-observation counter state.
func (s *Selector) ShouldStore(e *event.StorageTriggerEvent) Decision {
	if d, old := s.checkFrameAge(e); old {
		return d
	}

	switch e.TriggerType {
	case event.TriggerDetection:
		return s.evaluateDetection(e)
	case event.TriggerSample:
		return s.evaluateSample(e)
	case event.TriggerDebug:
		return s.evaluateDebug()
	case event.TriggerManual:
		return store("Manual trigger")
	case event.TriggerAlert:
		return s.evaluateAlert(e)
	default:
		return skip(fmt.Sprintf("Unknown trigger type: %s", e.TriggerType))
	}
}

// checkFrameAge rejects frames older than the configured maximum,
// regardless of trigger type.
func (s *Selector) checkFrameAge(e *event.StorageTriggerEvent) (Decision, bool) {
	age := s.now().Sub(e.Timestamp)
	maxAge := s.cfg.MaxFrameAge()
	if age > maxAge {
		return skip(fmt.Sprintf("Frame too old: %ds > max %ds", int64(age.Seconds()), int64(maxAge.Seconds()))), true
	}
	return Decision{}, false
}

func (s *Selector) evaluateDetection(e *event.StorageTriggerEvent) Decision {
	if !s.cfg.StoreDetections {
		return skip("Detection frame storage disabled")
	}
	if len(e.Detections) == 0 {
		return skip("No detections in detection-triggered frame")
	}

	highConfidence := make([]event.Detection, 0, len(e.Detections))
	for _, d := range e.Detections {
		if d.Confidence >= s.cfg.MinConfidence {
			highConfidence = append(highConfidence, d)
		}
	}
	if len(highConfidence) == 0 {
		return skip(fmt.Sprintf("No detections above confidence threshold %g", s.cfg.MinConfidence))
	}

	if len(s.cfg.DetectionTypes) > 0 {
		matching := make([]event.Detection, 0, len(highConfidence))
		for _, d := range highConfidence {
			for _, t := range s.cfg.DetectionTypes {
				if strings.EqualFold(t, d.Type) {
					matching = append(matching, d)
					break
				}
			}
		}
		if len(matching) == 0 {
			return skip(fmt.Sprintf("No detections matching configured types: %v", s.cfg.DetectionTypes))
		}
		return store("Matching detections: " + summarize(matching))
	}

	return store("Detections: " + summarize(highConfidence))
}

// summarize renders detections as "type(confidence)" joined by comma.
func summarize(detections []event.Detection) string {
	parts := make([]string, 0, len(detections))
	for _, d := range detections {
		parts = append(parts, fmt.Sprintf("%s(%.2f)", d.Type, d.Confidence))
	}
	return strings.Join(parts, ", ")
}

func (s *Selector) evaluateSample(e *event.StorageTriggerEvent) Decision {
	if !s.cfg.StoreSamples {
		return skip("Sample frame storage disabled")
	}
	if s.checkSampleRate(e.DeviceID) {
		return store(fmt.Sprintf("Periodic sample (1 per %d frames)", s.cfg.SampleRate))
	}
	return skip(fmt.Sprintf("Not sampled (rate: 1 per %d frames)", s.cfg.SampleRate))
}

// checkSampleRate advances the device counter and reports whether this
// observation stores. The first observation for a device always stores and
// initializes the counter; later observations store on every SampleRate-th
// frame using fetch-then-increment semantics.
func (s *Selector) checkSampleRate(deviceID string) bool {
	s.countersMu.RLock()
	counter, ok := s.counters[deviceID]
	s.countersMu.RUnlock()
	if ok {
		count := counter.Add(1) - 1
		return count%s.cfg.SampleRate == 0
	}

	s.countersMu.Lock()
	if _, ok := s.counters[deviceID]; !ok {
		c := &atomic.Uint64{}
		c.Store(1)
		s.counters[deviceID] = c
	}
	s.countersMu.Unlock()

	return true
}

func (s *Selector) evaluateDebug() Decision {
	if !s.cfg.StoreDebug {
		return skip("Debug frame storage disabled")
	}
	return store("Debug frame")
}

func (s *Selector) evaluateAlert(e *event.StorageTriggerEvent) Decision {
	alertType := e.MetadataValue("alert_type")
	if alertType == "" {
		alertType = "unknown"
	}
	return store("Alert: " + alertType)
}

// ResetDeviceCounter removes the sample counter for a device.
func (s *Selector) ResetDeviceCounter(deviceID string) {
	s.countersMu.Lock()
	delete(s.counters, deviceID)
	s.countersMu.Unlock()
}

// DeviceCounter returns the current counter value for a device.
func (s *Selector) DeviceCounter(deviceID string) (uint64, bool) {
	s.countersMu.RLock()
	defer s.countersMu.RUnlock()
	if c, ok := s.counters[deviceID]; ok {
		return c.Load(), true
	}
	return 0, false
}
