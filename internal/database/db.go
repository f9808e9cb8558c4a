package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrLedgerWriteFailed wraps every failed insert or update.
var ErrLedgerWriteFailed = errors.New("ledger write failed")

// Database represents the database connection and operations
type Database struct {
	DB *sql.DB

	// outbox включает запись событий детекции в outbox в той же транзакции
	outbox bool
}

// New creates a new Database instance
func New(ctx context.Context, dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Database{DB: db}, nil
}

// EnableOutbox makes RecordDetections also queue every event for publishing.
func (d *Database) EnableOutbox() {
	d.outbox = true
}

// Init creates the required tables if they don't exist
func (d *Database) Init(ctx context.Context) error {
	createTables := `
	CREATE TABLE IF NOT EXISTS sessions (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS detections (
		id BIGSERIAL PRIMARY KEY,
		session_name TEXT NOT NULL,
		class_name TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		detected_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS detections_session_detected_at_idx
		ON detections (session_name, detected_at DESC);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP
	);
	`

	_, err := d.DB.ExecContext(ctx, createTables)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.DB.Close()
}
