package jobs

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"
)

func countRuns(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM job_runs`).Scan(&n); err != nil {
		t.Fatalf("count job_runs: %v", err)
	}
	return n
}

func TestRunSuccess(t *testing.T) {
	db := setupJobsTestDB(t)
	ctx := context.Background()
	runner := NewRunner(db, time.Minute)

	result := runner.Run(ctx, RunSpec{
		TenantID:   "tenant-1",
		JobName:    "topic_extraction",
		JobVersion: "v1",
		TraceID:    "trace-123",
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{
			"input_count":  25,
			"output_count": 25,
			"note":         "free-form keys are fine",
		}, nil
	})

	if result.Status != StatusSuccess {
		t.Fatalf("status = %q, want success (err: %s)", result.Status, result.Error)
	}
	if result.InputCount != 25 || result.OutputCount != 25 {
		t.Errorf("counts = %d/%d, want 25/25", result.InputCount, result.OutputCount)
	}
	if result.RunID == "" {
		t.Error("run_id should be set")
	}

	run, err := runner.Recorder().Get(ctx, result.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if run.Status != StatusSuccess {
		t.Errorf("persisted status = %q, want success", run.Status)
	}
	if run.TraceID == nil || *run.TraceID != "trace-123" {
		t.Errorf("trace_id = %v, want trace-123", run.TraceID)
	}
}

func TestRunNilResultMap(t *testing.T) {
	db := setupJobsTestDB(t)
	runner := NewRunner(db, time.Minute)

	result := runner.Run(context.Background(), RunSpec{
		TenantID: "tenant-1", JobName: "noop", JobVersion: "v1",
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, nil
	})

	if result.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", result.Status)
	}
	if result.InputCount != 0 || result.OutputCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", result.InputCount, result.OutputCount)
	}
}

func TestRunWorkFailureRecordsAndReleasesLock(t *testing.T) {
	db := setupJobsTestDB(t)
	ctx := context.Background()
	runner := NewRunner(db, time.Minute)
	spec := RunSpec{TenantID: "tenant-1", JobName: "topic_extraction", JobVersion: "v1"}

	result := runner.Run(ctx, spec, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, errors.New("provider exploded")
	})

	if result.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if !strings.Contains(result.Error, "provider exploded") {
		t.Errorf("error = %q, want it to contain the work error", result.Error)
	}

	run, err := runner.Recorder().Get(ctx, result.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("persisted status = %q, want failed", run.Status)
	}
	if run.Error == nil || !strings.Contains(*run.Error, "provider exploded") {
		t.Errorf("persisted error = %v, want the work error", run.Error)
	}

	// The lock must be free again: an immediate re-run executes.
	second := runner.Run(ctx, spec, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, nil
	})
	if second.Status != StatusSuccess {
		t.Errorf("re-run status = %q, want success", second.Status)
	}
}

func TestRunPanicIsContained(t *testing.T) {
	db := setupJobsTestDB(t)
	ctx := context.Background()
	runner := NewRunner(db, time.Minute)

	result := runner.Run(ctx, RunSpec{
		TenantID: "tenant-1", JobName: "topic_extraction", JobVersion: "v1",
	}, func(ctx context.Context) (map[string]interface{}, error) {
		panic("boom")
	})

	if result.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("error = %q, want panic message", result.Error)
	}

	run, err := runner.Recorder().Get(ctx, result.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("persisted status = %q, want failed", run.Status)
	}
}

func TestRunErrorTruncatedInResultAndRow(t *testing.T) {
	db := setupJobsTestDB(t)
	runner := NewRunner(db, time.Minute)

	long := strings.Repeat("e", 800)
	result := runner.Run(context.Background(), RunSpec{
		TenantID: "tenant-1", JobName: "topic_extraction", JobVersion: "v1",
	}, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, errors.New(long)
	})

	if len(result.Error) != 500 {
		t.Errorf("result error length = %d, want 500", len(result.Error))
	}
}

func TestRunSkippedWhenLockHeld(t *testing.T) {
	db := setupJobsTestDB(t)
	ctx := context.Background()
	spec := RunSpec{TenantID: "tenant-1", JobName: "topic_extraction", JobVersion: "v1"}

	first := NewRunner(db, time.Minute)
	second := NewRunner(db, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan RunResult, 1)

	go func() {
		done <- first.Run(ctx, spec, func(ctx context.Context) (map[string]interface{}, error) {
			close(started)
			<-release
			return map[string]interface{}{"input_count": 1}, nil
		})
	}()

	<-started
	skipped := second.Run(ctx, spec, func(ctx context.Context) (map[string]interface{}, error) {
		t.Error("skipped run must not execute work")
		return nil, nil
	})
	close(release)
	winner := <-done

	if winner.Status != StatusSuccess {
		t.Fatalf("winner status = %q, want success", winner.Status)
	}
	if skipped.Status != StatusSkipped {
		t.Fatalf("loser status = %q, want skipped", skipped.Status)
	}
	if skipped.Reason != ReasonLockHeld {
		t.Errorf("skip reason = %q, want %q", skipped.Reason, ReasonLockHeld)
	}
	if skipped.RunID != "" {
		t.Error("skipped run must not have a run_id")
	}

	// Exactly one row: the skipped run persisted nothing.
	if n := countRuns(t, db); n != 1 {
		t.Errorf("job_runs rows = %d, want 1", n)
	}

	// After the winner finishes, the job can run again.
	again := second.Run(ctx, spec, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, nil
	})
	if again.Status != StatusSuccess {
		t.Errorf("post-release status = %q, want success", again.Status)
	}
}

func TestReadCount(t *testing.T) {
	tests := []struct {
		name string
		m    map[string]interface{}
		want int64
	}{
		{"int", map[string]interface{}{"input_count": 5}, 5},
		{"int64", map[string]interface{}{"input_count": int64(6)}, 6},
		{"float64", map[string]interface{}{"input_count": float64(7)}, 7},
		{"missing", map[string]interface{}{}, 0},
		{"wrong type", map[string]interface{}{"input_count": "9"}, 0},
		{"nil map", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := readCount(tt.m, "input_count"); got != tt.want {
				t.Errorf("readCount = %d, want %d", got, tt.want)
			}
		})
	}
}
