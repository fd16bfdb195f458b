// Package monitoring records what the orchestrator did: execution history in
// SQLite, Prometheus collectors for export, and an optional JSONL audit log.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dayFormat = "2006-01-02"

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL DEFAULT '',
	worker_id   TEXT NOT NULL,
	category    TEXT NOT NULL,
	severity    INTEGER NOT NULL,
	status      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	reused      INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	day         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_day ON executions(day);
CREATE INDEX IF NOT EXISTS idx_executions_category ON executions(category);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	backlog     TEXT NOT NULL,
	revision    TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0,
	categories  INTEGER NOT NULL DEFAULT 0,
	slots       INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0
);
`

// Execution is one finished worker execution.
type Execution struct {
	RunID     string
	WorkerID  string
	Category  string
	Severity  int
	Status    string
	ExitCode  int
	Reused    bool
	StartedAt time.Time
	Duration  time.Duration
}

// Run summarises one orchestrate invocation.
type Run struct {
	ID         string    `json:"id"`
	Backlog    string    `json:"backlog"`
	Revision   string    `json:"revision,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Categories int       `json:"categories"`
	Slots      int       `json:"slots"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
}

// DailyStats aggregates the executions that started on one UTC day.
type DailyStats struct {
	Day         string        `json:"day"`
	Executions  int           `json:"executions"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	Timeouts    int           `json:"timeouts"`
	Stopped     int           `json:"stopped"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
}

// SuccessRate returns successes over executions, 0 when there were none.
func (d DailyStats) SuccessRate() float64 {
	if d.Executions == 0 {
		return 0
	}
	return float64(d.Successes) / float64(d.Executions)
}

// CategoryTotal counts executions of one category ending in one status.
type CategoryTotal struct {
	Category string
	Status   string
	Count    int
	Seconds  float64
}

// MetricsStore persists executions and runs.
type MetricsStore struct {
	db *sql.DB
}

// OpenMetricsStore opens (creating if needed) the database at path.
func OpenMetricsStore(path string) (*MetricsStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metrics schema: %w", err)
	}
	return &MetricsStore{db: db}, nil
}

// Close closes the database.
func (m *MetricsStore) Close() error {
	return m.db.Close()
}

// RecordExecution appends one execution.
func (m *MetricsStore) RecordExecution(ctx context.Context, e Execution) error {
	started := e.StartedAt.UTC()
	reused := 0
	if e.Reused {
		reused = 1
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO executions (run_id, worker_id, category, severity, status, exit_code, reused, started_at, duration_ms, day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.WorkerID, e.Category, e.Severity, e.Status, e.ExitCode, reused,
		started.UnixMilli(), e.Duration.Milliseconds(), started.Format(dayFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// RecordRun inserts or replaces a run summary.
func (m *MetricsStore) RecordRun(ctx context.Context, r Run) error {
	var finished int64
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.UnixMilli()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, backlog, revision, started_at, finished_at, categories, slots, succeeded, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Backlog, r.Revision, r.StartedAt.UnixMilli(), finished,
		r.Categories, r.Slots, r.Succeeded, r.Failed, r.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// cutoff returns the first day included in a window of days ending today.
func cutoff(days int, now time.Time) string {
	if days <= 0 {
		return ""
	}
	return now.UTC().AddDate(0, 0, -(days - 1)).Format(dayFormat)
}

// Daily aggregates executions per day for the last days days, newest
// first. days <= 0 means all history.
func (m *MetricsStore) Daily(ctx context.Context, days int) ([]DailyStats, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT day,
		       COUNT(*),
		       SUM(status = 'completed'),
		       SUM(status = 'failed'),
		       SUM(status = 'timeout'),
		       SUM(status = 'stopped'),
		       AVG(duration_ms),
		       MAX(duration_ms)
		FROM executions
		WHERE day >= ?
		GROUP BY day
		ORDER BY day DESC`, cutoff(days, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyStats
	for rows.Next() {
		var (
			d        DailyStats
			avg      sql.NullFloat64
			maxMilli sql.NullInt64
		)
		if err := rows.Scan(&d.Day, &d.Executions, &d.Successes, &d.Failures, &d.Timeouts, &d.Stopped, &avg, &maxMilli); err != nil {
			return nil, fmt.Errorf("failed to scan daily metrics: %w", err)
		}
		d.AvgDuration = time.Duration(avg.Float64 * float64(time.Millisecond))
		d.MaxDuration = time.Duration(maxMilli.Int64) * time.Millisecond
		out = append(out, d)
	}
	return out, rows.Err()
}

// Totals counts executions per category and status over the window.
func (m *MetricsStore) Totals(ctx context.Context, days int) ([]CategoryTotal, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT category, status, COUNT(*), SUM(duration_ms)
		FROM executions
		WHERE day >= ?
		GROUP BY category, status
		ORDER BY category, status`, cutoff(days, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	var out []CategoryTotal
	for rows.Next() {
		var (
			t      CategoryTotal
			millis int64
		)
		if err := rows.Scan(&t.Category, &t.Status, &t.Count, &millis); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		t.Seconds = float64(millis) / 1000
		out = append(out, t)
	}
	return out, rows.Err()
}

// Runs returns the most recent runs, newest first.
func (m *MetricsStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, backlog, revision, started_at, finished_at, categories, slots, succeeded, failed, skipped
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Backlog, &r.Revision, &started, &finished, &r.Categories, &r.Slots, &r.Succeeded, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished > 0 {
			r.FinishedAt = time.UnixMilli(finished).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
