// Package metrics records per-story outcomes and per-run counters in SQLite
// and exposes live counters to Prometheus.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/storyforge/internal/model"
)

const FileName = "metrics.db"

// RunRecord summarizes one executor run.
type RunRecord struct {
	RunID        string        `json:"run_id"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
	Executed     int           `json:"executed"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	Blocked      int           `json:"blocked"`
	Claims       int           `json:"claims"`
	LockTimeouts int           `json:"lock_timeouts"`
}

type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func OpenInMemory() (*SQLiteStore, error) {
	return Open(":memory:")
}

const schema = `
CREATE TABLE IF NOT EXISTS story_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id TEXT NOT NULL,
    tier TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL,
    error_category TEXT,
    escalations INTEGER NOT NULL DEFAULT 0,
    recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    executed INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    blocked INTEGER NOT NULL DEFAULT 0,
    claims INTEGER NOT NULL DEFAULT 0,
    lock_timeouts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_story_metrics_recorded_at ON story_metrics(recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_story_metrics_tier ON story_metrics(tier);
`

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, rec model.MetricsRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO story_metrics (story_id, tier, duration_ms, attempts, outcome, error_category, escalations, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.StoryID,
		string(rec.Tier),
		rec.Duration.Milliseconds(),
		rec.Attempts,
		string(rec.Outcome),
		nullableString(rec.ErrorCategory),
		rec.Escalations,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert story metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, started_at, elapsed_ms, executed, completed, failed, blocked, claims, lock_timeouts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.RunID,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Elapsed.Milliseconds(),
		r.Executed, r.Completed, r.Failed, r.Blocked, r.Claims, r.LockTimeouts,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Recent returns the latest n story records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]model.MetricsRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT story_id, tier, duration_ms, attempts, outcome, error_category, escalations, recorded_at
		FROM story_metrics
		ORDER BY id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query story metrics: %w", err)
	}
	defer rows.Close()

	var out []model.MetricsRecord
	for rows.Next() {
		var (
			rec        model.MetricsRecord
			tier       string
			outcome    string
			durationMs int64
			category   sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&rec.StoryID, &tier, &durationMs, &rec.Attempts, &outcome, &category, &rec.Escalations, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan story metrics: %w", err)
		}
		rec.Tier = model.Tier(tier)
		rec.Outcome = model.Outcome(outcome)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.ErrorCategory = category.String
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, elapsed_ms, executed, completed, failed, blocked, claims, lock_timeouts
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r         RunRecord
			startedAt string
			elapsedMs int64
		)
		if err := rows.Scan(&r.RunID, &startedAt, &elapsedMs, &r.Executed, &r.Completed, &r.Failed, &r.Blocked, &r.Claims, &r.LockTimeouts); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Snapshot aggregates the latest window story records and runs.
func (s *SQLiteStore) Snapshot(ctx context.Context, window int) (Snapshot, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	recs, err := s.Recent(ctx, window)
	if err != nil {
		return Snapshot{}, err
	}
	runs, err := s.RecentRuns(ctx, window)
	if err != nil {
		return Snapshot{}, err
	}
	return Aggregate(recs, runs), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
