package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRecordNotFound = errors.New("record not found")

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Severity of an alert.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Camera is the externally administered camera descriptor. The pipeline
// only reads it.
type Camera struct {
	ID        string
	Name      string
	Location  string
	StreamURL string
	Status    string
	CreatedAt time.Time
}

func (c *Camera) IsActive() bool {
	return c.Status == "active"
}

// DetectionEvent is one persisted record. Violation records carry a
// non-null violation type and usually a snapshot URL; compliance samples
// are compliant with neither.
type DetectionEvent struct {
	ID       string
	CameraID string
	WorkerID sql.NullInt64

	Timestamp time.Time

	PersonDetected       bool
	HardhatDetected      bool
	NoHardhatDetected    bool
	SafetyVestDetected   bool
	NoSafetyVestDetected bool
	IsCompliant          bool

	ViolationType    sql.NullString
	ConfidenceScores string // JSON object, class -> confidence
	SnapshotURL      sql.NullString

	Archived   bool
	ArchivedAt sql.NullTime
}

// Alert references exactly one violation detection.
type Alert struct {
	ID               string
	DetectionEventID string
	Severity         Severity
	Message          string
	Acknowledged     bool
	AcknowledgedBy   sql.NullString
	AcknowledgedAt   sql.NullTime
	CreatedAt        time.Time
}

type CameraModel struct {
	DB DBTX
}

func (m CameraModel) GetByID(ctx context.Context, id string) (*Camera, error) {
	query := `
		SELECT id, name, location, stream_url, status, created_at
		FROM cameras
		WHERE id = $1`

	var c Camera
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.Location, &c.StreamURL, &c.Status, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func newID() string {
	return uuid.New().String()
}
