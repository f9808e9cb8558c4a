package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

// CreateSession inserts the session as running, or restarts an existing one.
func (d *Database) CreateSession(ctx context.Context, name string) error {
	now := time.Now()

	_, err := d.querier(ctx).ExecContext(ctx,
		`INSERT INTO sessions (name, status, created_at, updated_at) VALUES ($1, $2, $3, $3)
			ON CONFLICT (name) DO UPDATE SET status = $2, updated_at = $3`,
		name,
		models.SessionRunning,
		now,
	)
	if err != nil {
		return fmt.Errorf("%w: create session %s: %v", ErrLedgerWriteFailed, name, err)
	}
	return nil
}

func (d *Database) GetSession(ctx context.Context, name string) (*models.Session, error) {
	row := d.querier(ctx).QueryRowContext(ctx, `
		SELECT name, status, created_at, updated_at
		FROM sessions
		WHERE name = $1
	`, name)

	var s models.Session
	err := row.Scan(&s.Name, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Сессия не найдена - это не ошибка
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &s, nil
}

func (d *Database) UpdateSessionStatus(ctx context.Context, name string, status models.SessionStatus) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE sessions SET status = $1, updated_at = $2 WHERE name = $3",
		status,
		time.Now(),
		name,
	)
	if err != nil {
		return fmt.Errorf("%w: update session %s: %v", ErrLedgerWriteFailed, name, err)
	}
	return nil
}

// UpdateSessionTimestamp is the heartbeat of a running session.
func (d *Database) UpdateSessionTimestamp(ctx context.Context, name string) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE sessions SET updated_at = $1 WHERE name = $2",
		time.Now(),
		name,
	)
	if err != nil {
		return fmt.Errorf("%w: heartbeat %s: %v", ErrLedgerWriteFailed, name, err)
	}
	return nil
}

// FindStaleSessions returns running sessions without a heartbeat for longer
// than interval.
func (d *Database) FindStaleSessions(ctx context.Context, interval time.Duration) ([]models.Session, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT name, status, created_at, updated_at
		FROM sessions
		WHERE status = $1 AND updated_at < $2
	`, models.SessionRunning, time.Now().Add(-interval))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.Name, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}
