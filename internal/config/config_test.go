package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTuneables(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuneables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.NoError(t, d.Validate())
	assert.Equal(t, 30, d.TargetFPS)
	assert.Equal(t, 5*time.Second, d.ViolationPersistence())
	assert.Equal(t, 5*time.Second, d.ViolationCooldown())
	assert.Equal(t, 10*time.Second, d.ComplianceSampleInterval())
	assert.Equal(t, 15*time.Second, d.StaleThreshold())
	assert.Equal(t, "Asia/Manila", d.Timezone)
}

func TestNewStore_NoPathUsesDefaults(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s.Current())
}

func TestNewStore_MissingFileUsesDefaults(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s.Current())
}

func TestNewStore_FileOverridesSubsetOfFields(t *testing.T) {
	path := writeTuneables(t, "target_fps: 15\nviolation_cooldown_sec: 30\n")

	s, err := NewStore(path)
	require.NoError(t, err)

	cur := s.Current()
	assert.Equal(t, 15, cur.TargetFPS)
	assert.Equal(t, 30*time.Second, cur.ViolationCooldown())
	// Unmentioned fields keep their defaults.
	assert.Equal(t, 5*time.Second, cur.ViolationPersistence())
	assert.Equal(t, "Asia/Manila", cur.Timezone)
}

func TestNewStore_InvalidContentIsAnError(t *testing.T) {
	path := writeTuneables(t, "target_fps: -3\n")
	_, err := NewStore(path)
	assert.Error(t, err)
}

func TestReload_SwapsWholeStruct(t *testing.T) {
	path := writeTuneables(t, "target_fps: 15\n")
	s, err := NewStore(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("violation_persistence_sec: 8\n"), 0o644))
	require.NoError(t, s.Reload())

	cur := s.Current()
	assert.Equal(t, 8*time.Second, cur.ViolationPersistence())
	// target_fps is gone from the file, so it returns to its default.
	assert.Equal(t, 30, cur.TargetFPS)
}

func TestReload_RejectedWholesaleOnInvalidContent(t *testing.T) {
	path := writeTuneables(t, "target_fps: 15\n")
	s, err := NewStore(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("target_fps: 10\niou_match_threshold: 7\n"), 0o644))
	assert.Error(t, s.Reload())

	// Active tuneables are untouched, including the valid-looking field.
	assert.Equal(t, 15, s.Current().TargetFPS)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Tuneables)
	}{
		{"zero fps", func(c *Tuneables) { c.TargetFPS = 0 }},
		{"iou threshold too high", func(c *Tuneables) { c.IoUMatchThreshold = 1.5 }},
		{"overlap threshold zero", func(c *Tuneables) { c.PPEOverlapThreshold = 0 }},
		{"negative cooldown", func(c *Tuneables) { c.ViolationCooldownSec = -1 }},
		{"zero missed frames", func(c *Tuneables) { c.MaxMissedFrames = 0 }},
		{"bogus timezone", func(c *Tuneables) { c.Timezone = "Mars/Olympus" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Defaults()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLocation(t *testing.T) {
	s, err := NewStore("")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Manila", s.Location().String())
}

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	path := writeTuneables(t, "target_fps: 15\n")
	s, err := NewStore(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartWatcher(ctx)

	require.NoError(t, os.WriteFile(path, []byte("target_fps: 20\n"), 0o644))

	assert.Eventually(t, func() bool {
		return s.Current().TargetFPS == 20
	}, 5*time.Second, 20*time.Millisecond)
}
