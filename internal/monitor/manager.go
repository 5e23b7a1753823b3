package monitor

import (
	"context"
	"log"
	"sync"

	"github.com/technosupport/ppe-sentinel/internal/data"
)

// Manager owns one pipeline task per camera. Streams start on the first
// subscriber and stop when the engine observes an empty subscriber set.
type Manager struct {
	deps *Deps

	mu      sync.Mutex
	closed  bool
	streams map[string]*streamState
}

type streamState struct {
	camera  *data.Camera
	parent  context.Context
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(deps *Deps) *Manager {
	return &Manager{
		deps:    deps,
		streams: make(map[string]*streamState),
	}
}

// EnsureStream spawns the camera's pipeline task if none is running.
// Concurrent subscribes dedup here: the transition happens under the
// lock, the pipeline itself never holds it.
func (m *Manager) EnsureStream(ctx context.Context, camera *data.Camera) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.streams[camera.ID]
	if st != nil && st.running {
		return
	}

	m.startLocked(ctx, camera)
}

// startLocked spawns the pipeline task. Caller holds m.mu.
func (m *Manager) startLocked(ctx context.Context, camera *data.Camera) {
	taskCtx, cancel := context.WithCancel(ctx)
	st := &streamState{
		camera:  camera,
		parent:  ctx,
		running: true,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.streams[camera.ID] = st
	m.deps.Metrics.ActiveStreams.Inc()

	go m.runTask(taskCtx, camera, st)
}

// runTask wraps the engine with completion handling: the running flag is
// reset on every exit path, crash included.
func (m *Manager) runTask(ctx context.Context, camera *data.Camera, st *streamState) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Stream] camera %s: pipeline panic: %v", camera.ID, r)
		}
		m.finish(camera.ID, st)
	}()

	log.Printf("[Stream] camera %s: pipeline started", camera.ID)
	newEngine(m.deps, camera).run(ctx)
}

// finish is idempotent; it also runs when the task crashed before the
// engine's own teardown, so the registry purge repeats here.
func (m *Manager) finish(cameraID string, st *streamState) {
	m.deps.Registry.PurgeCamera(cameraID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !st.running {
		return
	}
	st.running = false
	st.cancel()
	close(st.done)
	m.deps.Metrics.ActiveStreams.Dec()
	log.Printf("[Stream] camera %s: pipeline stopped", cameraID)

	// A subscriber that arrived while the old task was tearing down found
	// running=true and was deduped by EnsureStream. The hub count is the
	// source of truth: if anyone is still attached, start a fresh task for
	// them instead of leaving them on a dead stream.
	if m.closed || st.parent.Err() != nil {
		return
	}
	if m.deps.Hub.Count(cameraID) > 0 {
		log.Printf("[Stream] camera %s: subscribers waiting, restarting pipeline", cameraID)
		m.startLocked(st.parent, st.camera)
	}
}

// IsRunning reports whether the camera currently owns a pipeline task.
func (m *Manager) IsRunning(cameraID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.streams[cameraID]
	return st != nil && st.running
}

// Shutdown cancels all pipelines and waits for them to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	waiting := make([]*streamState, 0, len(m.streams))
	for _, st := range m.streams {
		if st.running {
			st.cancel()
			waiting = append(waiting, st)
		}
	}
	m.mu.Unlock()

	for _, st := range waiting {
		<-st.done
	}
}
