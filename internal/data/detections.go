package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DetectionModel is the persistence sink for the streaming pipeline.
// Every operation runs in its own short-lived transaction; failures roll
// back everything so an alert can never reference a missing detection.
type DetectionModel struct {
	DB *sql.DB
}

const insertDetectionQuery = `
	INSERT INTO detection_events (
		id, camera_id, worker_id, timestamp,
		person_detected, hardhat_detected, no_hardhat_detected,
		safety_vest_detected, no_safety_vest_detected, is_compliant,
		violation_type, confidence_scores, snapshot_url
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const insertAlertQuery = `
	INSERT INTO alerts (id, detection_event_id, severity, message, created_at)
	VALUES ($1, $2, $3, $4, $5)`

func insertDetection(ctx context.Context, tx DBTX, d *DetectionEvent) error {
	if d.ID == "" {
		d.ID = newID()
	}
	_, err := tx.ExecContext(ctx, insertDetectionQuery,
		d.ID, d.CameraID, d.WorkerID, d.Timestamp,
		d.PersonDetected, d.HardhatDetected, d.NoHardhatDetected,
		d.SafetyVestDetected, d.NoSafetyVestDetected, d.IsCompliant,
		d.ViolationType, d.ConfidenceScores, d.SnapshotURL,
	)
	return err
}

// RecordViolation inserts the violation detection and its alert in one
// transaction. On success both IDs are filled in on the passed structs.
func (m DetectionModel) RecordViolation(ctx context.Context, d *DetectionEvent, a *Alert) error {
	if !d.PersonDetected || d.IsCompliant || !d.ViolationType.Valid {
		return fmt.Errorf("record is not a violation detection")
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin violation tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertDetection(ctx, tx, d); err != nil {
		return fmt.Errorf("insert violation detection: %w", err)
	}

	if a.ID == "" {
		a.ID = newID()
	}
	a.DetectionEventID = d.ID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, insertAlertQuery,
		a.ID, a.DetectionEventID, string(a.Severity), a.Message, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit violation tx: %w", err)
	}
	return nil
}

// RecordCompliance inserts a periodic compliance sample. Samples never
// carry a violation type or snapshot.
func (m DetectionModel) RecordCompliance(ctx context.Context, d *DetectionEvent) error {
	if !d.IsCompliant || d.ViolationType.Valid || d.SnapshotURL.Valid {
		return fmt.Errorf("record is not a compliance sample")
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compliance tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertDetection(ctx, tx, d); err != nil {
		return fmt.Errorf("insert compliance sample: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compliance tx: %w", err)
	}
	return nil
}
