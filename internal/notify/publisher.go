package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/ppe-sentinel/internal/data"
)

const DefaultSubject = "ppe.alerts"

// AlertEvent is published for downstream notification channels
// (email, push) which consume the subject outside this process.
type AlertEvent struct {
	AlertID       string    `json:"alert_id"`
	DetectionID   string    `json:"detection_id"`
	CameraID      string    `json:"camera_id"`
	CameraName    string    `json:"camera_name"`
	Location      string    `json:"location"`
	WorkerID      int       `json:"worker_id"`
	Severity      string    `json:"severity"`
	ViolationType string    `json:"violation_type"`
	Message       string    `json:"message"`
	SnapshotURL   string    `json:"snapshot_url,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher pushes alert events to NATS with a small dedup window so a
// retried persistence path cannot double-notify downstream channels.
type Publisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
	dedup      *lru.Cache[string, time.Time]
	dedupTTL   time.Duration
}

func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	cache, _ := lru.New[string, time.Time](1024)
	return &Publisher{
		conn:       conn,
		subject:    subject,
		maxRetries: 3,
		dedup:      cache,
		dedupTTL:   2 * time.Second,
	}
}

// dedupKey buckets events by their stable identity. Alert IDs are minted
// fresh on every insert, so a retried persistence path produces the same
// key only through the camera, worker and violation kind.
func dedupKey(evt AlertEvent) string {
	return fmt.Sprintf("%s|%d|%s", evt.CameraID, evt.WorkerID, evt.ViolationType)
}

func (p *Publisher) isDuplicate(key string) bool {
	if addedAt, ok := p.dedup.Get(key); ok {
		if time.Since(addedAt) < p.dedupTTL {
			return true
		}
	}
	p.dedup.Add(key, time.Now())
	return false
}

// PublishAlert sends the event, retrying with linear backoff. A nil
// Publisher (NATS disabled) is a no-op so the pipeline does not care.
func (p *Publisher) PublishAlert(evt AlertEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	if p.isDuplicate(dedupKey(evt)) {
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(p.subject, payload)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish alert after %d retries: %w", p.maxRetries, err)
}

// FromRecords builds the event from the persisted detection + alert pair.
func FromRecords(cam *data.Camera, d *data.DetectionEvent, a *data.Alert, workerID int) AlertEvent {
	evt := AlertEvent{
		AlertID:     a.ID,
		DetectionID: d.ID,
		CameraID:    cam.ID,
		CameraName:  cam.Name,
		Location:    cam.Location,
		WorkerID:    workerID,
		Severity:    string(a.Severity),
		Message:     a.Message,
		OccurredAt:  a.CreatedAt,
	}
	if d.ViolationType.Valid {
		evt.ViolationType = d.ViolationType.String
	}
	if d.SnapshotURL.Valid {
		evt.SnapshotURL = d.SnapshotURL.String
	}
	return evt
}

// LogPublishFailure is the single place pipeline code reports notify
// errors; notification loss never interrupts streaming.
func LogPublishFailure(cameraID string, err error) {
	if err != nil {
		log.Printf("[Notify] camera %s: %v", cameraID, err)
	}
}
