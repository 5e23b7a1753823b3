package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectPath(t *testing.T) {
	ts := time.Date(2025, 6, 1, 8, 30, 15, 0, time.UTC)

	rel := objectPath("cam-1", 7, ts)
	assert.True(t, strings.HasPrefix(rel, "violations/cam-1/20250601T083015_w7_"))
	assert.True(t, strings.HasSuffix(rel, ".jpg"))

	// Same second, distinct objects.
	assert.NotEqual(t, rel, objectPath("cam-1", 7, ts))
}

func TestDiskStoreSave(t *testing.T) {
	root := t.TempDir()
	s := NewDiskStore(root, "/media/")

	ts := time.Date(2025, 6, 1, 8, 30, 15, 0, time.UTC)
	url, err := s.Save([]byte("jpeg-bytes"), "cam-1", 3, ts)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(url, "/media/violations/cam-1/"), url)

	rel := strings.TrimPrefix(url, "/media/")
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), content)
}

func TestDiskStoreSave_UnwritableRoot(t *testing.T) {
	s := NewDiskStore("/proc/nonexistent", "/media")
	_, err := s.Save([]byte("x"), "cam-1", 1, time.Now())
	assert.Error(t, err)
}
