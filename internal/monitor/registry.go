package monitor

import (
	"sync"
	"time"
)

// WorkerKey identifies one tracked worker on one camera. Worker IDs are
// camera-local, so the composite key is the global identity.
type WorkerKey struct {
	CameraID string
	WorkerID int
}

type workerTimers struct {
	violationStartedAt   time.Time // zero when no open violation window
	lastViolationSavedAt time.Time
	lastSeenAt           time.Time
}

// Registry is the global (camera, worker) timer table behind the
// violation state machine. All timings compare monotonic readings, so
// wall-clock adjustments cannot shorten a cooldown.
type Registry struct {
	mu      sync.Mutex
	entries map[WorkerKey]*workerTimers
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[WorkerKey]*workerTimers)}
}

func (r *Registry) get(key WorkerKey, now time.Time) *workerTimers {
	t, ok := r.entries[key]
	if !ok {
		t = &workerTimers{}
		r.entries[key] = t
	}
	t.lastSeenAt = now
	return t
}

// ObserveViolation advances the state machine for a worker seen violating
// on this frame. It returns true exactly when a violation event must be
// emitted: the violation has persisted for at least the persistence
// window and the per-worker cooldown has elapsed.
func (r *Registry) ObserveViolation(key WorkerKey, now time.Time, persistence, cooldown time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.get(key, now)

	if t.violationStartedAt.IsZero() {
		t.violationStartedAt = now
		return false
	}
	if now.Sub(t.violationStartedAt) < persistence {
		return false
	}
	if !t.lastViolationSavedAt.IsZero() && now.Sub(t.lastViolationSavedAt) < cooldown {
		return false
	}
	t.lastViolationSavedAt = now
	return true
}

// ObserveClear resets the persistence window for a worker seen Compliant
// or Unknown. The cooldown timer is kept so a flapping violation cannot
// bypass it.
func (r *Registry) ObserveClear(key WorkerKey, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.get(key, now)
	t.violationStartedAt = time.Time{}
}

// Sweep removes entries for the camera not seen within staleThreshold.
// A worker who left and returns later therefore starts fresh.
func (r *Registry) Sweep(cameraID string, now time.Time, staleThreshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, t := range r.entries {
		if key.CameraID != cameraID {
			continue
		}
		if now.Sub(t.lastSeenAt) > staleThreshold {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// PurgeCamera drops every entry for the camera. Runs on stream teardown
// so a reconnect cannot inherit a stale cooldown and suppress a genuine
// alert.
func (r *Registry) PurgeCamera(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.entries {
		if key.CameraID == cameraID {
			delete(r.entries, key)
		}
	}
}

// CameraKeyCount reports how many keys the camera currently holds.
func (r *Registry) CameraKeyCount(cameraID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.entries {
		if key.CameraID == cameraID {
			n++
		}
	}
	return n
}
