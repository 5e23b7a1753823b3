package monitor

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ppe-sentinel/internal/annotate"
	"github.com/technosupport/ppe-sentinel/internal/config"
	"github.com/technosupport/ppe-sentinel/internal/data"
	"github.com/technosupport/ppe-sentinel/internal/detect"
	"github.com/technosupport/ppe-sentinel/internal/metrics"
	"github.com/technosupport/ppe-sentinel/internal/notify"
	"github.com/technosupport/ppe-sentinel/internal/ppe"
	"github.com/technosupport/ppe-sentinel/internal/snapshot"
	"github.com/technosupport/ppe-sentinel/internal/track"
	"github.com/technosupport/ppe-sentinel/internal/video"
	"github.com/technosupport/ppe-sentinel/internal/ws"
)

// FrameReader is the capture handle the engine consumes. *video.Source
// implements it; tests substitute scripted frames.
type FrameReader interface {
	NextFrame() ([]byte, error)
	Close()
}

// Deps carries every collaborator a pipeline task needs. Constructed once
// at startup and shared by all cameras; nothing here is a process global.
type Deps struct {
	Detector   detect.Detector
	Settings   *detect.SettingsStore
	Tuneables  *config.Store
	Hub        *ws.Hub
	Detections data.DetectionModel
	Snapshots  snapshot.Store
	Notifier   *notify.Publisher
	Registry   *Registry
	Metrics    *metrics.Collector
	Cache      *redis.Client

	// Now must return a monotonic-capable reading. Overridable in tests.
	Now func() time.Time

	// OpenSource opens the capture handle. Overridable in tests.
	OpenSource func(ctx context.Context, resource string) (FrameReader, error)
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) openSource(ctx context.Context, resource string) (FrameReader, error) {
	if d.OpenSource != nil {
		return d.OpenSource(ctx, resource)
	}
	return video.Open(ctx, resource)
}

// engine runs one camera's pipeline from open to teardown. All stages are
// sequential on this task; cross-camera parallelism comes from running
// many engines.
type engine struct {
	deps   *Deps
	camera *data.Camera

	tracker    *track.Tracker
	frameCount int
	lastSample time.Time
}

const (
	latestCacheTTL = 10 * time.Second

	// Evidentiary snapshots are encoded at a higher quality than the
	// live stream frames.
	snapshotJPEGQuality = 95
)

func newEngine(deps *Deps, camera *data.Camera) *engine {
	cfg := deps.Tuneables.Current()
	return &engine{
		deps:    deps,
		camera:  camera,
		tracker: track.NewTracker(cfg.IoUMatchThreshold, cfg.MaxMissedFrames),
	}
}

// run drives the loop until the last subscriber leaves, the source fails,
// or the context is cancelled. The caller owns the running flag.
func (e *engine) run(ctx context.Context) {
	d := e.deps
	camID := e.camera.ID

	defer func() {
		d.Registry.PurgeCamera(camID)
		d.Metrics.TrackedWorkers.WithLabelValues(camID).Set(0)
	}()

	d.Hub.Broadcast(camID, ws.NewStatus("Opening camera stream..."))

	source, err := d.openSource(ctx, e.camera.StreamURL)
	if err != nil {
		d.Metrics.SourceFailures.WithLabelValues(camID).Inc()
		log.Printf("[Pipeline] camera %s: open failed: %v", camID, err)
		d.Hub.Broadcast(camID, ws.NewError(fmt.Sprintf(
			"Unable to open camera %s. Please check if the camera is connected and not in use by another application.",
			e.camera.Name)))
		return
	}
	defer source.Close()

	d.Hub.Broadcast(camID, ws.NewStatus(fmt.Sprintf(
		"Stream started successfully: %s (%s)", e.camera.Name, e.camera.Location)))

	// Start the compliance clock at stream start so the first tick lands a
	// full interval in, not immediately.
	e.lastSample = d.now()

	for d.Hub.Count(camID) > 0 {
		select {
		case <-ctx.Done():
			log.Printf("[Pipeline] camera %s: cancelled", camID)
			return
		default:
		}

		frameStart := d.now()
		cfg := d.Tuneables.Current()

		frame, err := source.NextFrame()
		if err != nil {
			if errors.Is(err, video.ErrStreamEnded) {
				log.Printf("[Pipeline] camera %s: stream ended", camID)
				d.Hub.Broadcast(camID, ws.NewStatus("Video stream ended"))
			} else {
				d.Metrics.SourceFailures.WithLabelValues(camID).Inc()
				log.Printf("[Pipeline] camera %s: read error: %v", camID, err)
			}
			return
		}

		e.processFrame(ctx, frame, frameStart)

		// Stale sweep on a coarse cadence, not per frame.
		if e.frameCount%max(cfg.SweepEveryFrames, 1) == 0 {
			if removed := d.Registry.Sweep(camID, d.now(), cfg.StaleThreshold()); removed > 0 {
				log.Printf("[Pipeline] camera %s: swept %d stale worker keys", camID, removed)
			}
		}

		// Pace to target FPS; detection time counts toward the interval.
		interval := time.Second / time.Duration(max(cfg.TargetFPS, 1))
		if elapsed := d.now().Sub(frameStart); elapsed < interval {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval - elapsed):
			}
		}
	}
	log.Printf("[Pipeline] camera %s: no subscribers left, stopping", camID)
}

// processFrame runs detect -> track -> evaluate -> annotate -> broadcast
// -> state machine -> persistence for a single frame.
func (e *engine) processFrame(ctx context.Context, frame []byte, now time.Time) {
	d := e.deps
	camID := e.camera.ID
	cfg := d.Tuneables.Current()
	e.frameCount++

	detectStart := d.now()
	boxes := d.Detector.Detect(ctx, frame)
	d.Metrics.DetectorLatency.Observe(d.now().Sub(detectStart).Seconds())
	d.Metrics.FramesProcessed.WithLabelValues(camID).Inc()

	persons := make([]detect.Box, 0, len(boxes))
	for _, b := range boxes {
		if b.Class == detect.ClassPerson {
			persons = append(persons, b)
		}
	}

	workers := e.tracker.Update(persons)
	evals := ppe.Evaluate(workers, boxes, cfg.PPEOverlapThreshold)
	agg := ppe.Summarize(evals)
	d.Metrics.TrackedWorkers.WithLabelValues(camID).Set(float64(e.tracker.ActiveCount()))

	annotated := annotate.Render(frame, boxes, evals, d.Settings.Current().JPEGQuality)

	e.broadcastFrame(annotated, boxes, evals, agg, now)
	e.cacheLatest(ctx, boxes, agg, now)

	// Per-worker state machine. Alerts broadcast only after the records
	// commit, and never inside the hub lock.
	for _, ev := range evals {
		key := WorkerKey{CameraID: camID, WorkerID: ev.WorkerID}
		switch ev.Status {
		case ppe.StatusViolation:
			emit := d.Registry.ObserveViolation(key, now, cfg.ViolationPersistence(), cfg.ViolationCooldown())
			if emit {
				e.emitViolation(ctx, ev, boxes, evals, frame, now)
			}
		default:
			d.Registry.ObserveClear(key, now)
		}
	}

	// Global per-camera compliance tick.
	if now.Sub(e.lastSample) >= cfg.ComplianceSampleInterval() {
		e.lastSample = now
		for _, ev := range evals {
			if ev.Status == ppe.StatusCompliant {
				e.recordCompliance(ctx, ev, boxes, now)
			}
		}
	}
}

func confidenceJSON(boxes []detect.Box) string {
	scores := make(map[string]float64, len(boxes))
	for _, b := range boxes {
		if b.Confidence > scores[string(b.Class)] {
			scores[string(b.Class)] = b.Confidence
		}
	}
	raw, _ := json.Marshal(scores)
	return string(raw)
}

func severityFor(kind ppe.ViolationKind) data.Severity {
	if kind == ppe.MissingVest {
		return data.SeverityMedium
	}
	return data.SeverityHigh
}

// emitViolation captures the evidentiary snapshot, persists detection +
// alert transactionally, then broadcasts and publishes the alert.
func (e *engine) emitViolation(ctx context.Context, ev ppe.Evaluation, boxes []detect.Box, evals []ppe.Evaluation, frame []byte, now time.Time) {
	d := e.deps
	camID := e.camera.ID

	var snapshotURL sql.NullString
	if d.Snapshots != nil {
		shot := annotate.Render(frame, boxes, evals, snapshotJPEGQuality)
		url, err := d.Snapshots.Save(shot, camID, ev.WorkerID, now)
		if err != nil {
			log.Printf("[Pipeline] camera %s worker %d: snapshot failed: %v", camID, ev.WorkerID, err)
		} else {
			snapshotURL = sql.NullString{String: url, Valid: true}
		}
	}

	wall := now.In(d.Tuneables.Location())
	record := &data.DetectionEvent{
		CameraID:             camID,
		WorkerID:             sql.NullInt64{Int64: int64(ev.WorkerID), Valid: true},
		Timestamp:            wall,
		PersonDetected:       true,
		HardhatDetected:      ev.Hardhat,
		NoHardhatDetected:    ev.NoHardhat,
		SafetyVestDetected:   ev.Vest,
		NoSafetyVestDetected: ev.NoVest,
		IsCompliant:          false,
		ViolationType:        sql.NullString{String: string(ev.Kind), Valid: true},
		ConfidenceScores:     confidenceJSON(boxes),
		SnapshotURL:          snapshotURL,
	}
	alert := &data.Alert{
		Severity:  severityFor(ev.Kind),
		Message:   fmt.Sprintf("PPE Violation detected at %s: %s", e.camera.Location, ev.Kind),
		CreatedAt: wall,
	}

	if err := d.Detections.RecordViolation(ctx, record, alert); err != nil {
		d.Metrics.PersistFailures.WithLabelValues(camID).Inc()
		log.Printf("[Pipeline] camera %s worker %d: persist violation failed: %v", camID, ev.WorkerID, err)
		return
	}
	d.Metrics.ViolationsSaved.WithLabelValues(camID).Inc()

	d.Hub.Broadcast(camID, ws.AlertMessage{
		Type:     "alert",
		CameraID: camID,
		Alert: ws.AlertBody{
			ID:        alert.ID,
			Severity:  string(alert.Severity),
			Message:   alert.Message,
			Timestamp: wall.Format(time.RFC3339),
		},
	})

	evt := notify.FromRecords(e.camera, record, alert, ev.WorkerID)
	notify.LogPublishFailure(camID, d.Notifier.PublishAlert(evt))
}

func (e *engine) recordCompliance(ctx context.Context, ev ppe.Evaluation, boxes []detect.Box, now time.Time) {
	d := e.deps
	camID := e.camera.ID

	record := &data.DetectionEvent{
		CameraID:             camID,
		WorkerID:             sql.NullInt64{Int64: int64(ev.WorkerID), Valid: true},
		Timestamp:            now.In(d.Tuneables.Location()),
		PersonDetected:       true,
		HardhatDetected:      ev.Hardhat,
		NoHardhatDetected:    ev.NoHardhat,
		SafetyVestDetected:   ev.Vest,
		NoSafetyVestDetected: ev.NoVest,
		IsCompliant:          true,
		ConfidenceScores:     confidenceJSON(boxes),
	}

	if err := d.Detections.RecordCompliance(ctx, record); err != nil {
		d.Metrics.PersistFailures.WithLabelValues(camID).Inc()
		log.Printf("[Pipeline] camera %s worker %d: persist compliance failed: %v", camID, ev.WorkerID, err)
		return
	}
	d.Metrics.ComplianceSamples.WithLabelValues(camID).Inc()
}

func (e *engine) broadcastFrame(annotated []byte, boxes []detect.Box, evals []ppe.Evaluation, agg ppe.Aggregate, now time.Time) {
	d := e.deps

	classes := make([]string, 0, 5)
	seen := make(map[detect.Class]bool)
	scores := make(map[string]float64)
	for _, b := range boxes {
		if !seen[b.Class] {
			seen[b.Class] = true
			classes = append(classes, string(b.Class))
		}
		if b.Confidence > scores[string(b.Class)] {
			scores[string(b.Class)] = b.Confidence
		}
	}

	results := ws.FrameResults{
		DetectedClasses:  classes,
		IsCompliant:      agg.ViolationCount == 0 && agg.CompliantCount > 0,
		SafetyStatus:     agg.SafetyStatus,
		ConfidenceScores: scores,
		PersonDetected:   agg.TotalWorkers > 0,
		PersonCount:      agg.TotalWorkers,
		IsPartial:        agg.UnknownCount > 0,
	}
	if results.IsPartial {
		results.PartialReason = "some workers have only head or only body visible"
	}
	// Representative violation type for the frame: the worst offender.
	for _, ev := range evals {
		if ev.Status == ppe.StatusViolation {
			results.ViolationType = string(ev.Kind)
			if ev.Kind == ppe.MissingBoth {
				break
			}
		}
	}

	d.Hub.Broadcast(e.camera.ID, ws.FrameMessage{
		Type:      "frame",
		CameraID:  e.camera.ID,
		Frame:     base64.StdEncoding.EncodeToString(annotated),
		Results:   results,
		Timestamp: now.In(d.Tuneables.Location()).Format(time.RFC3339),
	})
}

// cacheLatest mirrors the frame summary into redis so the REST layer can
// answer "current status" queries without joining the stream.
func (e *engine) cacheLatest(ctx context.Context, boxes []detect.Box, agg ppe.Aggregate, now time.Time) {
	d := e.deps
	if d.Cache == nil {
		return
	}

	payload := map[string]any{
		"camera_id":        e.camera.ID,
		"ts_unix_ms":       now.UnixMilli(),
		"total_workers":    agg.TotalWorkers,
		"compliant":        agg.CompliantCount,
		"violations":       agg.ViolationCount,
		"total_violations": agg.TotalViolations,
		"unknown":          agg.UnknownCount,
		"safety_status":    agg.SafetyStatus,
		"detection_count":  len(boxes),
	}
	raw, _ := json.Marshal(payload)
	if err := d.Cache.Set(ctx, "det:latest:"+e.camera.ID, raw, latestCacheTTL).Err(); err != nil {
		log.Printf("[Pipeline] camera %s: latest-detection cache write failed: %v", e.camera.ID, err)
	}
}
