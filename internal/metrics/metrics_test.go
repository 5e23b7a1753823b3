package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesPipelineMetrics(t *testing.T) {
	c := NewCollector()

	c.ActiveStreams.Inc()
	c.FramesProcessed.WithLabelValues("cam-1").Add(42)
	c.ViolationsSaved.WithLabelValues("cam-1").Inc()
	c.DetectorLatency.Observe(0.031)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ppe_active_streams 1")
	assert.Contains(t, body, `ppe_frames_processed_total{camera_id="cam-1"} 42`)
	assert.Contains(t, body, `ppe_violations_saved_total{camera_id="cam-1"} 1`)
	assert.Contains(t, body, "ppe_detector_latency_seconds_count 1")
}

func TestCollectorUsesDedicatedRegistry(t *testing.T) {
	c := NewCollector()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	// Default-registry process metrics must not leak into the scrape.
	assert.NotContains(t, rec.Body.String(), "go_goroutines")
}

func TestTwoCollectorsDoNotConflict(t *testing.T) {
	// Each collector registers on its own registry, so constructing a
	// second one (as every test fixture does) must not panic.
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}
