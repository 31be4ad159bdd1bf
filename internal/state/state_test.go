package state

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openStateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// A second pooled connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateGetSetRoundTrip(t *testing.T) {
	db := openStateTestDB(t)

	_, ok, err := Get(db, "compute", "generate_rpm")
	if err != nil {
		t.Fatalf("get on empty store: %v", err)
	}
	if ok {
		t.Fatal("expected missing key before any set")
	}

	if err := Set(db, "compute", "generate_rpm", "9000"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := Get(db, "compute", "generate_rpm")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || v != "9000" {
		t.Fatalf("got (%q, %v), want (\"9000\", true)", v, ok)
	}

	// Overwrite keeps a single row per (scope, key).
	if err := Set(db, "compute", "generate_rpm", "12000"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _, _ = Get(db, "compute", "generate_rpm")
	if v != "12000" {
		t.Fatalf("after overwrite got %q, want \"12000\"", v)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM job_state`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d rows, want 1", count)
	}
}

func TestStateScopesAreIndependent(t *testing.T) {
	db := openStateTestDB(t)

	if err := Set(db, "compute", "generate_rpm", "9000"); err != nil {
		t.Fatalf("set compute: %v", err)
	}
	if err := Set(db, "extract", "generate_rpm", "300"); err != nil {
		t.Fatalf("set extract: %v", err)
	}

	v, _, _ := Get(db, "compute", "generate_rpm")
	if v != "9000" {
		t.Fatalf("compute scope got %q, want \"9000\"", v)
	}
	v, _, _ = Get(db, "extract", "generate_rpm")
	if v != "300" {
		t.Fatalf("extract scope got %q, want \"300\"", v)
	}
}

func TestStateInt64Helpers(t *testing.T) {
	db := openStateTestDB(t)

	if err := SetInt64(db, "compute", "generate_rpm", 14400); err != nil {
		t.Fatalf("set int: %v", err)
	}
	n, ok, err := GetInt64(db, "compute", "generate_rpm")
	if err != nil {
		t.Fatalf("get int: %v", err)
	}
	if !ok || n != 14400 {
		t.Fatalf("got (%d, %v), want (14400, true)", n, ok)
	}

	// Malformed values read as absent, not as an error.
	if err := Set(db, "compute", "garbage", "not-a-number"); err != nil {
		t.Fatalf("set garbage: %v", err)
	}
	_, ok, err = GetInt64(db, "compute", "garbage")
	if err != nil {
		t.Fatalf("get garbage: %v", err)
	}
	if ok {
		t.Fatal("malformed value should read as absent")
	}
}
