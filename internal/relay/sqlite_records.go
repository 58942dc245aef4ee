package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned when no call record matches the id.
var ErrRecordNotFound = errors.New("relay: call record not found")

const recordsSchema = `
CREATE TABLE IF NOT EXISTS call_records (
	id          TEXT PRIMARY KEY,
	caller      TEXT NOT NULL,
	callee      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	answered_at TIMESTAMP,
	ended_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_call_records_caller ON call_records(caller, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_records_callee ON call_records(callee, started_at DESC);
`

type sqliteRecordRepo struct {
	db *sql.DB
}

// OpenRecordRepository opens (and migrates) the SQLite-backed call history
// at path. Use ":memory:" for tests.
func OpenRecordRepository(path string) (CallRecordRepository, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open call history db: %w", err)
	}
	// An in-memory database exists per connection; pin to one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate call history db: %w", err)
	}
	return &sqliteRecordRepo{db: db}, db, nil
}

func (r *sqliteRecordRepo) Create(ctx context.Context, record *CallRecord) error {
	if record.Outcome == "" {
		record.Outcome = OutcomeRinging
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_records (id, caller, callee, kind, outcome, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		record.ID, record.Caller, record.Callee, record.Kind, record.Outcome, record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create call record: %w", err)
	}
	return nil
}

func (r *sqliteRecordRepo) MarkAnswered(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE call_records SET outcome = ?, answered_at = ?
		WHERE id = ? AND answered_at IS NULL`,
		OutcomeAnswered, at, id,
	)
	if err != nil {
		return fmt.Errorf("mark call answered: %w", err)
	}
	return nil
}

func (r *sqliteRecordRepo) MarkEnded(ctx context.Context, id string, outcome CallOutcome, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE call_records SET outcome = ?, ended_at = ?
		WHERE id = ? AND ended_at IS NULL`,
		outcome, at, id,
	)
	if err != nil {
		return fmt.Errorf("mark call ended: %w", err)
	}
	return nil
}

func (r *sqliteRecordRepo) GetByID(ctx context.Context, id string) (*CallRecord, error) {
	record := &CallRecord{}
	var answered, ended sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, caller, callee, kind, outcome, started_at, answered_at, ended_at
		FROM call_records WHERE id = ?`, id,
	).Scan(&record.ID, &record.Caller, &record.Callee, &record.Kind,
		&record.Outcome, &record.StartedAt, &answered, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	if answered.Valid {
		record.AnsweredAt = &answered.Time
	}
	if ended.Valid {
		record.EndedAt = &ended.Time
	}
	return record, nil
}

func (r *sqliteRecordRepo) ListByUser(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, caller, callee, kind, outcome, started_at, answered_at, ended_at
		FROM call_records
		WHERE caller = ? OR callee = ?
		ORDER BY started_at DESC
		LIMIT ?`, userID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var record CallRecord
		var answered, ended sql.NullTime
		if err := rows.Scan(&record.ID, &record.Caller, &record.Callee, &record.Kind,
			&record.Outcome, &record.StartedAt, &answered, &ended); err != nil {
			return nil, err
		}
		if answered.Valid {
			record.AnsweredAt = &answered.Time
		}
		if ended.Valid {
			record.EndedAt = &ended.Time
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
