package database

import (
	"context"
	"fmt"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

// DefaultListLimit caps ListDetections when no limit is given.
const DefaultListLimit = 100

func (d *Database) insertDetection(ctx context.Context, ev models.DetectionEvent) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"INSERT INTO detections (session_name, class_name, confidence, detected_at) VALUES ($1, $2, $3, $4)",
		ev.SessionName,
		ev.ClassName,
		ev.Confidence,
		ev.DetectedAt,
	)
	return err
}

// RecordDetection appends one detection event.
func (d *Database) RecordDetection(ctx context.Context, ev models.DetectionEvent) error {
	return d.RecordDetections(ctx, []models.DetectionEvent{ev})
}

// RecordDetections appends the events of one frame in a single transaction.
// With the outbox enabled every event is also queued for publishing.
func (d *Database) RecordDetections(ctx context.Context, events []models.DetectionEvent) error {
	if len(events) == 0 {
		return nil
	}

	err := d.InTx(ctx, func(ctx context.Context) error {
		for _, ev := range events {
			if err := d.insertDetection(ctx, ev); err != nil {
				return fmt.Errorf("insert detection: %w", err)
			}
			if !d.outbox {
				continue
			}
			if err := d.AddToOutbox(ctx, ev); err != nil {
				return fmt.Errorf("add to outbox: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}
	return nil
}

// ListSessions groups the ledger by session, most recently active first.
func (d *Database) ListSessions(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT session_name, MAX(detected_at) AS last_seen, COUNT(*) AS total
		FROM detections
		GROUP BY session_name
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SessionSummary{}
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.SessionName, &s.LastSeen, &s.Total); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// ListDetections returns the newest detections of a session.
func (d *Database) ListDetections(ctx context.Context, session string, limit int) ([]models.DetectionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT class_name, confidence, detected_at
		FROM detections
		WHERE session_name = $1
		ORDER BY detected_at DESC, id DESC
		LIMIT $2
	`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	records := []models.DetectionRecord{}
	for rows.Next() {
		var r models.DetectionRecord
		if err := rows.Scan(&r.ClassName, &r.Confidence, &r.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}
