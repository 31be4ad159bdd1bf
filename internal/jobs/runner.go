package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Napageneral/engram/internal/bus"
	"github.com/Napageneral/engram/internal/lock"
)

// ReasonLockHeld is the skip reason when another process holds the job lock.
const ReasonLockHeld = "lock_held_by_another_process"

// WorkFunc is the unit of work a job executes. The returned map is free-form;
// the runner reads "input_count" and "output_count" from it when present.
type WorkFunc func(ctx context.Context) (map[string]interface{}, error)

// RunSpec identifies a run and its optional window.
type RunSpec struct {
	TenantID    string
	JobName     string
	JobVersion  string
	WindowStart *time.Time
	WindowEnd   *time.Time
	TraceID     string
}

// RunResult is the outcome envelope of a single Run call. Work failures are
// reported here, never raised: callers branch on Status.
type RunResult struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	InputCount  int64  `json:"input_count"`
	OutputCount int64  `json:"output_count"`
	Error       string `json:"error,omitempty"`
}

// Runner executes jobs under a cross-process lock and records every run that
// started. One Runner is safe for concurrent use.
type Runner struct {
	db       *sql.DB
	locks    *lock.Coordinator
	recorder *Recorder
}

func NewRunner(db *sql.DB, lockTTL time.Duration) *Runner {
	return &Runner{
		db:       db,
		locks:    lock.NewCoordinator(db, lockTTL),
		recorder: NewRecorder(db),
	}
}

// Recorder exposes the runner's recorder for introspection queries.
func (r *Runner) Recorder() *Recorder {
	return r.recorder
}

// Run executes work under the job's derived lock. When the lock is already
// held the run is skipped and nothing is persisted. Otherwise a running row
// is written, work executes under panic recovery and the row is finished as
// success or failed. The lock is released on every path.
func (r *Runner) Run(ctx context.Context, spec RunSpec, work WorkFunc) RunResult {
	key := lock.DeriveKey(spec.TenantID, spec.JobName)

	acquired, err := r.locks.TryAcquire(ctx, key)
	if err != nil {
		return RunResult{Status: StatusFailed, Error: fmt.Sprintf("acquire lock: %v", err)}
	}
	if !acquired {
		return RunResult{Status: StatusSkipped, Reason: ReasonLockHeld}
	}
	// Release must survive a canceled ctx, like a finally block.
	defer func() {
		_ = r.locks.Release(context.Background(), key)
	}()

	run := &JobRun{
		TenantID:   spec.TenantID,
		JobName:    spec.JobName,
		JobVersion: spec.JobVersion,
	}
	if spec.WindowStart != nil {
		v := spec.WindowStart.Unix()
		run.WindowStart = &v
	}
	if spec.WindowEnd != nil {
		v := spec.WindowEnd.Unix()
		run.WindowEnd = &v
	}
	if spec.TraceID != "" {
		run.TraceID = &spec.TraceID
	}
	if err := r.recorder.Start(ctx, run); err != nil {
		return RunResult{Status: StatusFailed, Error: fmt.Sprintf("record run: %v", err)}
	}
	_ = bus.Emit(r.db, bus.EventJobStarted, spec.TenantID, run.ID, map[string]interface{}{
		"job_name":    spec.JobName,
		"job_version": spec.JobVersion,
	})

	start := time.Now()
	counts, workErr := invokeWork(ctx, work)
	durationMs := time.Since(start).Milliseconds()

	if workErr != nil {
		msg := TruncateError(workErr.Error())
		_ = r.recorder.FinishError(ctx, run.ID, durationMs, msg)
		_ = bus.Emit(r.db, bus.EventJobFinished, spec.TenantID, run.ID, map[string]interface{}{
			"job_name": spec.JobName,
			"status":   StatusFailed,
		})
		return RunResult{
			Status:     StatusFailed,
			RunID:      run.ID,
			DurationMs: durationMs,
			Error:      msg,
		}
	}

	inputCount := readCount(counts, "input_count")
	outputCount := readCount(counts, "output_count")
	if err := r.recorder.FinishSuccess(ctx, run.ID, durationMs, inputCount, outputCount); err != nil {
		return RunResult{Status: StatusFailed, RunID: run.ID, DurationMs: durationMs, Error: fmt.Sprintf("record success: %v", err)}
	}
	_ = bus.Emit(r.db, bus.EventJobFinished, spec.TenantID, run.ID, map[string]interface{}{
		"job_name": spec.JobName,
		"status":   StatusSuccess,
	})
	return RunResult{
		Status:      StatusSuccess,
		RunID:       run.ID,
		DurationMs:  durationMs,
		InputCount:  inputCount,
		OutputCount: outputCount,
	}
}

// invokeWork calls work and converts a panic into an error so one bad job
// cannot take the process down.
func invokeWork(ctx context.Context, work WorkFunc) (result map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("work function panicked: %v", rec)
		}
	}()
	return work(ctx)
}

// readCount tolerates the numeric types a free-form result map realistically
// carries (JSON decodes numbers as float64).
func readCount(m map[string]interface{}, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
