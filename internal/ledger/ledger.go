// Package ledger records batch-run history in a local SQLite database so
// operators can answer "what ran, when, with what outcome" across many
// invocations without trawling log files.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Stage identifies which pipeline phase a batch belongs to.
type Stage string

const (
	StageAudit   Stage = "audit"
	StageSandbox Stage = "sandbox"
)

// Batch is one recorded pipeline invocation.
type Batch struct {
	ID         int64
	Stage      Stage
	StartedAt  time.Time
	FinishedAt time.Time
	Queued     int
	Safe       int
	Suspicious int
	Malicious  int
	Errors     int
}

// Duration returns the batch wall-clock time.
func (b Batch) Duration() time.Duration {
	return b.FinishedAt.Sub(b.StartedAt)
}

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    stage       TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    queued      INTEGER NOT NULL DEFAULT 0,
    safe        INTEGER NOT NULL DEFAULT 0,
    suspicious  INTEGER NOT NULL DEFAULT 0,
    malicious   INTEGER NOT NULL DEFAULT 0,
    errors      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_batches_stage ON batches(stage);
`

// Ledger wraps the SQLite handle. Open once, share across the process.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path and ensures the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// SQLite writes are serialized; more than one connection just queues.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends one finished batch and returns its assigned ID.
func (l *Ledger) Record(ctx context.Context, b Batch) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO batches (stage, started_at, finished_at, queued, safe, suspicious, malicious, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.Stage),
		b.StartedAt.UTC().Format(time.RFC3339Nano),
		b.FinishedAt.UTC().Format(time.RFC3339Nano),
		b.Queued, b.Safe, b.Suspicious, b.Malicious, b.Errors,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read batch id: %w", err)
	}
	return id, nil
}

// Recent returns the latest batches, newest first. limit <= 0 means 20.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, stage, started_at, finished_at, queued, safe, suspicious, malicious, errors
		 FROM batches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var stage, started, finished string
		if err := rows.Scan(&b.ID, &stage, &started, &finished,
			&b.Queued, &b.Safe, &b.Suspicious, &b.Malicious, &b.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		b.Stage = Stage(stage)
		if b.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("corrupt started_at in batch %d: %w", b.ID, err)
		}
		if b.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("corrupt finished_at in batch %d: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// Totals sums category counts over every recorded batch of a stage.
func (l *Ledger) Totals(ctx context.Context, stage Stage) (Batch, error) {
	var b Batch
	b.Stage = stage
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(queued),0), COALESCE(SUM(safe),0), COALESCE(SUM(suspicious),0),
		        COALESCE(SUM(malicious),0), COALESCE(SUM(errors),0)
		 FROM batches WHERE stage = ?`, string(stage)).
		Scan(&b.Queued, &b.Safe, &b.Suspicious, &b.Malicious, &b.Errors)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to total batches: %w", err)
	}
	return b, nil
}
