package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ppe-sentinel/internal/monitor"
)

// StatusHandler answers liveness and "current status" queries from the
// latest-detection cache without touching the stream.
type StatusHandler struct {
	Cache   *redis.Client
	Streams *monitor.Manager
}

func NewStatusHandler(cache *redis.Client, streams *monitor.Manager) *StatusHandler {
	return &StatusHandler{Cache: cache, Streams: streams}
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LatestDetection returns the cached frame summary for a camera, or 204
// when no pipeline has published within the cache TTL.
func (h *StatusHandler) LatestDetection(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")

	raw, err := h.Cache.Get(r.Context(), "det:latest:"+cameraID).Result()
	if err == redis.Nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(raw))
}

// StreamState reports whether a pipeline task currently owns the camera.
func (h *StatusHandler) StreamState(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"camera_id": cameraID,
		"running":   h.Streams.IsRunning(cameraID),
	})
}
