package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const settingsKey = "detector:settings"

// ValidInputSizes are the model input resolutions the sidecar accepts.
var ValidInputSizes = map[int]bool{320: true, 416: true, 512: true, 640: true, 1280: true}

// Settings is the hot-reloadable detector configuration. A change applies
// to subsequent Detect calls only.
type Settings struct {
	Device              string  `json:"device"` // "cuda", "cpu"
	InputSize           int     `json:"input_size"`
	JPEGQuality         int     `json:"jpeg_quality"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	NMSIoU              float64 `json:"nms_iou"`
	MaxDetections       int     `json:"max_detections"`
}

func DefaultSettings() Settings {
	return Settings{
		Device:              "cuda",
		InputSize:           640,
		JPEGQuality:         85,
		ConfidenceThreshold: 0.50,
		NMSIoU:              0.45,
		MaxDetections:       100,
	}
}

func (s Settings) Validate() error {
	if !ValidInputSizes[s.InputSize] {
		return fmt.Errorf("input_size %d not supported", s.InputSize)
	}
	if s.JPEGQuality < 1 || s.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality out of range: %d", s.JPEGQuality)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold out of range: %f", s.ConfidenceThreshold)
	}
	if s.NMSIoU < 0 || s.NMSIoU > 1 {
		return fmt.Errorf("nms_iou out of range: %f", s.NMSIoU)
	}
	if s.MaxDetections <= 0 {
		return fmt.Errorf("max_detections must be > 0, got %d", s.MaxDetections)
	}
	switch s.Device {
	case "cuda", "cpu":
	default:
		return fmt.Errorf("device must be cuda or cpu, got %q", s.Device)
	}
	return nil
}

// SettingsStore keeps the active settings in redis so the admin endpoint,
// the pipeline and any sidecar-facing process observe the same values.
// A local copy avoids a redis round trip per frame.
type SettingsStore struct {
	rdb *redis.Client

	mu  sync.RWMutex
	cur Settings
}

func NewSettingsStore(ctx context.Context, rdb *redis.Client) *SettingsStore {
	s := &SettingsStore{rdb: rdb, cur: DefaultSettings()}

	raw, err := rdb.Get(ctx, settingsKey).Result()
	if err == nil {
		var stored Settings
		if err := json.Unmarshal([]byte(raw), &stored); err == nil && stored.Validate() == nil {
			s.cur = stored
		}
	} else if err != redis.Nil {
		log.Printf("[Detector] settings load from redis failed, using defaults: %v", err)
	}
	return s
}

// Current returns the active settings.
func (s *SettingsStore) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update validates, persists and activates new settings.
func (s *SettingsStore) Update(ctx context.Context, next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	data, _ := json.Marshal(next)
	if err := s.rdb.Set(ctx, settingsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("persist detector settings: %w", err)
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}
