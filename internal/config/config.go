package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuneables controls the per-camera pipeline timing and matching behaviour.
// All durations are wall-clock seconds in the YAML file.
type Tuneables struct {
	TargetFPS                int     `yaml:"target_fps"`
	ViolationPersistenceSec  int     `yaml:"violation_persistence_sec"`
	ViolationCooldownSec     int     `yaml:"violation_cooldown_sec"`
	ComplianceSampleSec      int     `yaml:"compliance_sample_interval_sec"`
	StaleThresholdSec        int     `yaml:"stale_threshold_sec"`
	MaxMissedFrames          int     `yaml:"max_missed_frames"`
	IoUMatchThreshold        float64 `yaml:"iou_match_threshold"`
	PPEOverlapThreshold      float64 `yaml:"ppe_overlap_threshold"`
	SweepEveryFrames         int     `yaml:"sweep_every_frames"`
	Timezone                 string  `yaml:"timezone"`
}

func (t Tuneables) ViolationPersistence() time.Duration {
	return time.Duration(t.ViolationPersistenceSec) * time.Second
}

func (t Tuneables) ViolationCooldown() time.Duration {
	return time.Duration(t.ViolationCooldownSec) * time.Second
}

func (t Tuneables) ComplianceSampleInterval() time.Duration {
	return time.Duration(t.ComplianceSampleSec) * time.Second
}

func (t Tuneables) StaleThreshold() time.Duration {
	return time.Duration(t.StaleThresholdSec) * time.Second
}

// Defaults returns the canonical pipeline parameters.
func Defaults() Tuneables {
	return Tuneables{
		TargetFPS:               30,
		ViolationPersistenceSec: 5,
		ViolationCooldownSec:    5,
		ComplianceSampleSec:     10,
		StaleThresholdSec:       15,
		MaxMissedFrames:         30,
		IoUMatchThreshold:       0.30,
		PPEOverlapThreshold:     0.50,
		SweepEveryFrames:        150,
		Timezone:                "Asia/Manila",
	}
}

func (t Tuneables) Validate() error {
	if t.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be > 0, got %d", t.TargetFPS)
	}
	if t.IoUMatchThreshold <= 0 || t.IoUMatchThreshold > 1 {
		return fmt.Errorf("iou_match_threshold out of range: %f", t.IoUMatchThreshold)
	}
	if t.PPEOverlapThreshold <= 0 || t.PPEOverlapThreshold > 1 {
		return fmt.Errorf("ppe_overlap_threshold out of range: %f", t.PPEOverlapThreshold)
	}
	if t.ViolationPersistenceSec < 0 || t.ViolationCooldownSec < 0 {
		return fmt.Errorf("violation windows must be >= 0")
	}
	if t.MaxMissedFrames <= 0 {
		return fmt.Errorf("max_missed_frames must be > 0, got %d", t.MaxMissedFrames)
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
	}
	return nil
}

// Store holds the current tuneables and hands out consistent copies.
// Reload swaps the whole struct so a pipeline iteration never observes
// a half-updated set.
type Store struct {
	mu   sync.RWMutex
	cur  Tuneables
	path string
}

// NewStore loads the YAML file at path, falling back to defaults when the
// file does not exist. Invalid content is an error; a missing file is not.
func NewStore(path string) (*Store, error) {
	s := &Store{cur: Defaults(), path: path}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	return s, nil
}

// Current returns a copy of the active tuneables.
func (s *Store) Current() Tuneables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Reload re-reads the tuneables file. Values absent from the file keep
// their defaults. The swap is rejected wholesale on validation failure.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	next := Defaults()
	if err := yaml.Unmarshal(raw, &next); err != nil {
		return fmt.Errorf("parse tuneables %s: %w", s.path, err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("tuneables %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}

// Location resolves the configured wall-clock timezone. Timestamps shown to
// humans use this; state machine timing always uses the monotonic clock.
func (s *Store) Location() *time.Location {
	loc, err := time.LoadLocation(s.Current().Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
