// Package jobs records background job runs and coordinates their execution.
//
// A JobRun row exists for every run that actually started: running, then
// success or failed. Runs that were skipped because another process held the
// job lock are never persisted.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses. StatusSkipped only ever appears in a RunResult, never in a row.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// maxErrorLen bounds the error column so one pathological message cannot
// bloat the table.
const maxErrorLen = 500

type JobRun struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	JobName     string  `json:"job_name"`
	JobVersion  string  `json:"job_version"`
	Status      string  `json:"status"`
	StartedAt   int64   `json:"started_at"`
	FinishedAt  *int64  `json:"finished_at,omitempty"`
	DurationMs  *int64  `json:"duration_ms,omitempty"`
	WindowStart *int64  `json:"window_start,omitempty"`
	WindowEnd   *int64  `json:"window_end,omitempty"`
	TraceID     *string `json:"trace_id,omitempty"`
	InputCount  *int64  `json:"input_count,omitempty"`
	OutputCount *int64  `json:"output_count,omitempty"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   int64   `json:"created_at"`
}

// Recorder persists the JobRun lifecycle.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

func ensureJobRunsTable(db *sql.DB) error {
	// Keep this defensive: existing installs may not have re-run init/schema.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			job_version TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			duration_ms INTEGER,
			window_start INTEGER,
			window_end INTEGER,
			trace_id TEXT,
			input_count INTEGER,
			output_count INTEGER,
			error TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure job_runs table: %w", err)
	}
	return nil
}

// Start inserts a running row. It fills ID, StartedAt and CreatedAt when the
// caller left them zero, and sets Status to running unconditionally.
func (r *Recorder) Start(ctx context.Context, run *JobRun) error {
	if err := ensureJobRunsTable(r.db); err != nil {
		return err
	}
	now := time.Now().Unix()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt == 0 {
		run.StartedAt = now
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = now
	}
	run.Status = StatusRunning

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, tenant_id, job_name, job_version, status, started_at,
			window_start, window_end, trace_id, created_at)
		VALUES (?, ?, ?, ?, 'running', ?, ?, ?, ?, ?)
	`, run.ID, run.TenantID, run.JobName, run.JobVersion, run.StartedAt,
		run.WindowStart, run.WindowEnd, run.TraceID, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to start job run: %w", err)
	}
	return nil
}

// FinishSuccess transitions a run to success with its counters.
func (r *Recorder) FinishSuccess(ctx context.Context, id string, durationMs, inputCount, outputCount int64) error {
	if err := ensureJobRunsTable(r.db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'success', finished_at = ?, duration_ms = ?, input_count = ?, output_count = ?, error = NULL
		WHERE id = ?
	`, now, durationMs, inputCount, outputCount, id)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}
	return nil
}

// FinishError transitions a run to failed. The message is truncated before the
// write so the row stays bounded.
func (r *Recorder) FinishError(ctx context.Context, id string, durationMs int64, errMsg string) error {
	if err := ensureJobRunsTable(r.db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = 'failed', finished_at = ?, duration_ms = ?, error = ?
		WHERE id = ?
	`, now, durationMs, TruncateError(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to finish job run with error: %w", err)
	}
	return nil
}

// TruncateError caps an error message at the persisted column bound.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}

// Get returns one run by ID.
func (r *Recorder) Get(ctx context.Context, id string) (*JobRun, error) {
	if err := ensureJobRunsTable(r.db); err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, job_name, job_version, status, started_at, finished_at,
			duration_ms, window_start, window_end, trace_id, input_count, output_count, error, created_at
		FROM job_runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	return run, nil
}

// List returns recent runs, newest first. Empty tenant or jobName matches all.
func (r *Recorder) List(ctx context.Context, tenantID, jobName string, limit int) ([]JobRun, error) {
	if err := ensureJobRunsTable(r.db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, job_name, job_version, status, started_at, finished_at,
			duration_ms, window_start, window_end, trace_id, input_count, output_count, error, created_at
		FROM job_runs
		WHERE (? = '' OR tenant_id = ?) AND (? = '' OR job_name = ?)
		ORDER BY started_at DESC, created_at DESC
		LIMIT ?
	`, tenantID, tenantID, jobName, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating job runs: %w", err)
	}
	return out, nil
}

// RunTotals aggregates runs whose started_at falls in one time window.
type RunTotals struct {
	Runs        int64 `json:"runs"`
	Success     int64 `json:"success"`
	Failed      int64 `json:"failed"`
	OutputCount int64 `json:"output_count"`
}

// Totals sums a tenant's runs with started_at in [start, end). OutputCount
// counts only successful runs, which is what throughput comparisons want.
func (r *Recorder) Totals(ctx context.Context, tenantID string, start, end int64) (*RunTotals, error) {
	if err := ensureJobRunsTable(r.db); err != nil {
		return nil, err
	}
	var t RunTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' THEN COALESCE(output_count, 0) ELSE 0 END), 0)
		FROM job_runs
		WHERE (? = '' OR tenant_id = ?) AND started_at >= ? AND started_at < ?
	`, tenantID, tenantID, start, end).Scan(&t.Runs, &t.Success, &t.Failed, &t.OutputCount)
	if err != nil {
		return nil, fmt.Errorf("failed to total job runs: %w", err)
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*JobRun, error) {
	var run JobRun
	var finishedAt, durationMs, windowStart, windowEnd, inputCount, outputCount sql.NullInt64
	var traceID, errMsg sql.NullString
	if err := row.Scan(
		&run.ID, &run.TenantID, &run.JobName, &run.JobVersion, &run.Status,
		&run.StartedAt, &finishedAt, &durationMs, &windowStart, &windowEnd,
		&traceID, &inputCount, &outputCount, &errMsg, &run.CreatedAt,
	); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		v := finishedAt.Int64
		run.FinishedAt = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		run.DurationMs = &v
	}
	if windowStart.Valid {
		v := windowStart.Int64
		run.WindowStart = &v
	}
	if windowEnd.Valid {
		v := windowEnd.Int64
		run.WindowEnd = &v
	}
	if traceID.Valid {
		run.TraceID = &traceID.String
	}
	if inputCount.Valid {
		v := inputCount.Int64
		run.InputCount = &v
	}
	if outputCount.Valid {
		v := outputCount.Int64
		run.OutputCount = &v
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return &run, nil
}
