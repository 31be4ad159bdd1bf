package lock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupLockTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	// A second pooled connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("tenant-1", "topic_extraction")
	b := DeriveKey("tenant-1", "topic_extraction")
	if a != b {
		t.Errorf("DeriveKey not deterministic: %d != %d", a, b)
	}
}

func TestDeriveKeyDistinct(t *testing.T) {
	keys := map[int64]string{}
	pairs := []struct {
		tenant string
		job    string
	}{
		{"tenant-1", "topic_extraction"},
		{"tenant-1", "insight_generation"},
		{"tenant-2", "topic_extraction"},
		{"tenant-2", "insight_generation"},
		{"", "topic_extraction"},
	}
	for _, p := range pairs {
		k := DeriveKey(p.tenant, p.job)
		if prev, ok := keys[k]; ok {
			t.Errorf("key collision between %q and %s:%s", prev, p.tenant, p.job)
		}
		keys[k] = p.tenant + ":" + p.job
	}
}

func TestTryAcquireExcludesOtherHolders(t *testing.T) {
	db := setupLockTestDB(t)
	ctx := context.Background()
	key := DeriveKey("tenant-1", "topic_extraction")

	first := NewCoordinator(db, time.Minute)
	second := NewCoordinator(db, time.Minute)

	got, err := first.TryAcquire(ctx, key)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !got {
		t.Fatal("first acquire should succeed")
	}

	got, err = second.TryAcquire(ctx, key)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if got {
		t.Error("second acquire should fail while lease is live")
	}

	// A different key is independent.
	got, err = second.TryAcquire(ctx, DeriveKey("tenant-2", "topic_extraction"))
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !got {
		t.Error("acquire of an unrelated key should succeed")
	}

	if err := first.Release(ctx, key); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	got, err = second.TryAcquire(ctx, key)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !got {
		t.Error("acquire after release should succeed")
	}
}

func TestTryAcquireNotReentrant(t *testing.T) {
	db := setupLockTestDB(t)
	ctx := context.Background()
	key := DeriveKey("tenant-1", "topic_extraction")

	c := NewCoordinator(db, time.Minute)
	if got, _ := c.TryAcquire(ctx, key); !got {
		t.Fatal("first acquire should succeed")
	}
	if got, _ := c.TryAcquire(ctx, key); got {
		t.Error("re-acquire of a live lease should fail, even for the holder")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	db := setupLockTestDB(t)
	ctx := context.Background()
	key := DeriveKey("tenant-1", "topic_extraction")

	c := NewCoordinator(db, time.Minute)

	// Releasing a lock that was never acquired is a no-op.
	if err := c.Release(ctx, key); err != nil {
		t.Fatalf("Release of unheld lock failed: %v", err)
	}

	if got, _ := c.TryAcquire(ctx, key); !got {
		t.Fatal("acquire should succeed")
	}
	if err := c.Release(ctx, key); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := c.Release(ctx, key); err != nil {
		t.Fatalf("double Release failed: %v", err)
	}
}

func TestReleaseDoesNotTouchOtherOwners(t *testing.T) {
	db := setupLockTestDB(t)
	ctx := context.Background()
	key := DeriveKey("tenant-1", "topic_extraction")

	holder := NewCoordinator(db, time.Minute)
	other := NewCoordinator(db, time.Minute)

	if got, _ := holder.TryAcquire(ctx, key); !got {
		t.Fatal("acquire should succeed")
	}
	if err := other.Release(ctx, key); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The holder's lease must still be in place.
	if got, _ := other.TryAcquire(ctx, key); got {
		t.Error("lease should survive a Release by a non-holder")
	}
}

func TestExpiredLeaseTakeover(t *testing.T) {
	db := setupLockTestDB(t)
	ctx := context.Background()
	key := DeriveKey("tenant-1", "topic_extraction")

	if err := ensureLocksTable(db); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	past := time.Now().Add(-time.Hour).Unix()
	if _, err := db.Exec(
		`INSERT INTO job_locks (key, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		key, "dead-process", past, past+60,
	); err != nil {
		t.Fatalf("seed expired lease: %v", err)
	}

	c := NewCoordinator(db, time.Minute)
	got, err := c.TryAcquire(ctx, key)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !got {
		t.Error("expired lease should be taken over")
	}

	leases, err := List(ctx, db)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(leases) != 1 {
		t.Fatalf("expected 1 lease, got %d", len(leases))
	}
	if leases[0].Owner != c.Owner() {
		t.Errorf("lease owner = %q, want %q", leases[0].Owner, c.Owner())
	}
}
