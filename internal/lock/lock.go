// Package lock provides cross-process mutual exclusion for background jobs.
//
// Locks are addressed by int64 keys derived from (tenant, job name) and held as
// lease rows in SQLite. A lease that outlives its TTL can be taken over, so a
// crashed holder cannot wedge a job forever. The acquire/release contract is the
// stable part; the lease mechanism behind it is an implementation detail.
package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a lease survives a crashed holder.
const DefaultTTL = 15 * time.Minute

// DeriveKey maps (tenant, jobName) to a stable int64 lock key: the leading
// 8 bytes of sha256("tenant:jobName") as a signed big-endian integer.
func DeriveKey(tenant, jobName string) int64 {
	sum := sha256.Sum256([]byte(tenant + ":" + jobName))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Coordinator acquires and releases lease rows on behalf of one process.
// Each Coordinator has its own owner identity; Release only ever removes
// leases this owner holds.
type Coordinator struct {
	db    *sql.DB
	owner string
	ttl   time.Duration
}

func NewCoordinator(db *sql.DB, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		db:    db,
		owner: uuid.New().String(),
		ttl:   ttl,
	}
}

// Owner returns this coordinator's lease identity.
func (c *Coordinator) Owner() string {
	return c.owner
}

func ensureLocksTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_locks (
			key INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure job_locks table: %w", err)
	}
	return nil
}

// TryAcquire attempts to take the lock without blocking. It returns true only
// when this coordinator now holds the lease. A live lease held by anyone,
// including this coordinator, makes it return false; only an expired lease can
// be taken over.
func (c *Coordinator) TryAcquire(ctx context.Context, key int64) (bool, error) {
	if err := ensureLocksTable(c.db); err != nil {
		return false, err
	}
	now := time.Now().Unix()
	expires := now + int64(c.ttl.Seconds())

	// Single statement so acquire is atomic: the insert wins when no row
	// exists, the update wins only when the existing lease has expired.
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO job_locks (key, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE job_locks.expires_at <= excluded.acquired_at
	`, key, c.owner, now, expires)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %d: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read acquire result for lock %d: %w", key, err)
	}
	return n == 1, nil
}

// Release drops the lease for key if this coordinator holds it. Releasing a
// lock that is not held, or releasing twice, is a no-op.
func (c *Coordinator) Release(ctx context.Context, key int64) error {
	if err := ensureLocksTable(c.db); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM job_locks WHERE key = ? AND owner = ?
	`, key, c.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %d: %w", key, err)
	}
	return nil
}

// Lease describes a currently held lock row.
type Lease struct {
	Key        int64  `json:"key"`
	Owner      string `json:"owner"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// List returns all lease rows, live and expired, newest first.
func List(ctx context.Context, db *sql.DB) ([]Lease, error) {
	if err := ensureLocksTable(db); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT key, owner, acquired_at, expires_at
		FROM job_locks
		ORDER BY acquired_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.Key, &l.Owner, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock row: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating lock rows: %w", err)
	}
	return out, nil
}
