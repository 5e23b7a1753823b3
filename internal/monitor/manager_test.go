package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ppe-sentinel/internal/config"
	"github.com/technosupport/ppe-sentinel/internal/data"
	"github.com/technosupport/ppe-sentinel/internal/detect"
	"github.com/technosupport/ppe-sentinel/internal/metrics"
	"github.com/technosupport/ppe-sentinel/internal/ws"
)

func newManagerFixture(t *testing.T, opens *atomic.Int32) (*Manager, *fakeClock) {
	t.Helper()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tuneables, err := config.NewStore("")
	require.NoError(t, err)

	clock := newFakeClock()
	deps := &Deps{
		Detector:   stubDetector{},
		Settings:   detect.NewSettingsStore(context.Background(), rdb),
		Tuneables:  tuneables,
		Hub:        ws.NewHub(),
		Detections: data.DetectionModel{DB: db},
		Snapshots:  &memSnapshots{},
		Registry:   NewRegistry(),
		Metrics:    metrics.NewCollector(),
		Now:        clock.Now,
		OpenSource: func(ctx context.Context, resource string) (FrameReader, error) {
			opens.Add(1)
			return &scriptedSource{clock: clock, step: 400 * time.Millisecond, frames: 1 << 30}, nil
		},
	}
	return NewManager(deps), clock
}

func subscribeDrained(m *Manager, cameraID string) *ws.Subscriber {
	sub := ws.NewSubscriber()
	m.deps.Hub.Subscribe(cameraID, sub)
	go func() {
		for {
			select {
			case <-sub.Outbox():
			case <-sub.Done():
				return
			}
		}
	}()
	return sub
}

func TestManager_EnsureStreamDedupsConcurrentSubscribers(t *testing.T) {
	var opens atomic.Int32
	m, _ := newManagerFixture(t, &opens)
	camera := &data.Camera{ID: "cam-1", Name: "Gate A", StreamURL: "rtsp://example.test/s", Status: "active"}

	sub := subscribeDrained(m, camera.ID)
	defer m.deps.Hub.Unsubscribe(camera.ID, sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.EnsureStream(context.Background(), camera)
		}()
	}
	wg.Wait()

	assert.True(t, m.IsRunning(camera.ID))
	assert.Eventually(t, func() bool { return opens.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give any duplicate task a chance to show itself.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), opens.Load(), "only one pipeline task may open the source")

	m.Shutdown()
}

func TestManager_RestartsAfterStreamStops(t *testing.T) {
	var opens atomic.Int32
	m, _ := newManagerFixture(t, &opens)
	camera := &data.Camera{ID: "cam-1", Name: "Gate A", StreamURL: "rtsp://example.test/s", Status: "active"}

	sub := subscribeDrained(m, camera.ID)
	m.EnsureStream(context.Background(), camera)
	assert.Eventually(t, func() bool { return opens.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Last subscriber leaves; the pipeline observes the empty set and stops.
	m.deps.Hub.Unsubscribe(camera.ID, sub)
	assert.Eventually(t, func() bool { return !m.IsRunning(camera.ID) }, 2*time.Second, 5*time.Millisecond)

	// A new subscriber starts a fresh task.
	sub2 := subscribeDrained(m, camera.ID)
	defer m.deps.Hub.Unsubscribe(camera.ID, sub2)
	m.EnsureStream(context.Background(), camera)
	assert.Eventually(t, func() bool { return opens.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	m.Shutdown()
}

func TestManager_ShutdownStopsAllPipelines(t *testing.T) {
	var opens atomic.Int32
	m, _ := newManagerFixture(t, &opens)

	cameras := []*data.Camera{
		{ID: "cam-1", Name: "Gate A", StreamURL: "rtsp://example.test/a", Status: "active"},
		{ID: "cam-2", Name: "Gate B", StreamURL: "rtsp://example.test/b", Status: "active"},
	}
	for _, cam := range cameras {
		sub := subscribeDrained(m, cam.ID)
		defer m.deps.Hub.Unsubscribe(cam.ID, sub)
		m.EnsureStream(context.Background(), cam)
	}
	assert.Eventually(t, func() bool { return opens.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	finished := make(chan struct{})
	go func() {
		m.Shutdown()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not drain the pipelines")
	}
	assert.False(t, m.IsRunning("cam-1"))
	assert.False(t, m.IsRunning("cam-2"))
}

// blockingCloseSource holds its Close call open until released, modelling
// the capture-process teardown taking real time.
type blockingCloseSource struct {
	*scriptedSource
	closing chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingCloseSource) Close() {
	s.once.Do(func() {
		close(s.closing)
		<-s.release
	})
	s.scriptedSource.Close()
}

func TestManager_SubscriberDuringTeardownGetsFreshPipeline(t *testing.T) {
	var opens atomic.Int32
	m, clock := newManagerFixture(t, &opens)
	camera := &data.Camera{ID: "cam-1", Name: "Gate A", StreamURL: "rtsp://example.test/s", Status: "active"}

	first := &blockingCloseSource{
		scriptedSource: &scriptedSource{clock: clock, step: 400 * time.Millisecond, frames: 1 << 30},
		closing:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	m.deps.OpenSource = func(ctx context.Context, resource string) (FrameReader, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return &scriptedSource{clock: clock, step: 400 * time.Millisecond, frames: 1 << 30}, nil
	}

	sub1 := subscribeDrained(m, camera.ID)
	m.EnsureStream(context.Background(), camera)
	require.Eventually(t, func() bool { return opens.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The last subscriber leaves and the pipeline exits its loop, but the
	// capture teardown is still in flight with the running flag set.
	m.deps.Hub.Unsubscribe(camera.ID, sub1)
	select {
	case <-first.closing:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never reached teardown")
	}

	// A subscriber arriving in this window is deduped by EnsureStream.
	sub2 := subscribeDrained(m, camera.ID)
	defer m.deps.Hub.Unsubscribe(camera.ID, sub2)
	m.EnsureStream(context.Background(), camera)
	assert.True(t, m.IsRunning(camera.ID))
	assert.Equal(t, int32(1), opens.Load())

	// When teardown completes the manager must notice the waiting
	// subscriber and spawn a fresh task rather than strand them.
	close(first.release)
	assert.Eventually(t, func() bool { return opens.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return m.IsRunning(camera.ID) }, 2*time.Second, 5*time.Millisecond)

	m.Shutdown()
}

func TestManager_FinishPurgesRegistry(t *testing.T) {
	var opens atomic.Int32
	m, clock := newManagerFixture(t, &opens)
	camera := &data.Camera{ID: "cam-1", Name: "Gate A", StreamURL: "rtsp://example.test/s", Status: "active"}

	// Seed timer state as if workers were mid-violation.
	m.deps.Registry.ObserveViolation(WorkerKey{CameraID: "cam-1", WorkerID: 1}, clock.Now(), 5*time.Second, 5*time.Second)
	require.Equal(t, 1, m.deps.Registry.CameraKeyCount("cam-1"))

	sub := subscribeDrained(m, camera.ID)
	m.EnsureStream(context.Background(), camera)
	m.deps.Hub.Unsubscribe(camera.ID, sub)

	assert.Eventually(t, func() bool { return !m.IsRunning(camera.ID) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.deps.Registry.CameraKeyCount("cam-1"))
}
