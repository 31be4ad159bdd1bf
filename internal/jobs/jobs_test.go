package jobs

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func setupJobsTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	// A second pooled connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecorderLifecycleSuccess(t *testing.T) {
	db := setupJobsTestDB(t)
	ctx := context.Background()
	rec := NewRecorder(db)

	run := &JobRun{
		TenantID:   "tenant-1",
		JobName:    "topic_extraction",
		JobVersion: "v1",
	}
	if err := rec.Start(ctx, run); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if run.ID == "" {
		t.Fatal("Start should assign an ID")
	}

	got, err := rec.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}

	if err := rec.FinishSuccess(ctx, run.ID, 1234, 10, 7); err != nil {
		t.Fatalf("FinishSuccess failed: %v", err)
	}
	got, err = rec.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if got.DurationMs == nil || *got.DurationMs != 1234 {
		t.Errorf("duration_ms = %v, want 1234", got.DurationMs)
	}
	if got.InputCount == nil || *got.InputCount != 10 {
		t.Errorf("input_count = %v, want 10", got.InputCount)
	}
	if got.OutputCount == nil || *got.OutputCount != 7 {
		t.Errorf("output_count = %v, want 7", got.OutputCount)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at should be set")
	}
}

func TestRecorderErrorTruncation(t *testing.T) {
	db := setupJobsTestDB(t)
	ctx := context.Background()
	rec := NewRecorder(db)

	run := &JobRun{TenantID: "tenant-1", JobName: "topic_extraction", JobVersion: "v1"}
	if err := rec.Start(ctx, run); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	longMsg := strings.Repeat("x", 900)
	if err := rec.FinishError(ctx, run.ID, 5, longMsg); err != nil {
		t.Fatalf("FinishError failed: %v", err)
	}

	got, err := rec.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Error == nil {
		t.Fatal("error should be set")
	}
	if len(*got.Error) != 500 {
		t.Errorf("stored error length = %d, want 500", len(*got.Error))
	}
}

func TestRecorderList(t *testing.T) {
	db := setupJobsTestDB(t)
	ctx := context.Background()
	rec := NewRecorder(db)

	for _, spec := range []struct {
		tenant string
		job    string
	}{
		{"tenant-1", "topic_extraction"},
		{"tenant-1", "insight_generation"},
		{"tenant-2", "topic_extraction"},
	} {
		run := &JobRun{TenantID: spec.tenant, JobName: spec.job, JobVersion: "v1"}
		if err := rec.Start(ctx, run); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	all, err := rec.List(ctx, "", "", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) = %d runs, want 3", len(all))
	}

	tenant1, err := rec.List(ctx, "tenant-1", "", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tenant1) != 2 {
		t.Errorf("List(tenant-1) = %d runs, want 2", len(tenant1))
	}

	extraction, err := rec.List(ctx, "tenant-1", "topic_extraction", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(extraction) != 1 {
		t.Errorf("List(tenant-1, topic_extraction) = %d runs, want 1", len(extraction))
	}
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"short", "boom", 4},
		{"exact", strings.Repeat("a", 500), 500},
		{"long", strings.Repeat("a", 501), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateError(tt.in); len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}
