// Package state is a small key-value store for values background jobs
// need to survive a restart, like the learned provider RPM ceiling.
package state

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

func ensureTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_state (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure job_state table: %w", err)
	}
	return nil
}

func Get(db *sql.DB, scope string, key string) (string, bool, error) {
	if err := ensureTable(db); err != nil {
		return "", false, err
	}
	var v string
	err := db.QueryRow(`SELECT value FROM job_state WHERE scope = ? AND key = ?`, scope, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get job state: %w", err)
	}
	return v, true, nil
}

func Set(db *sql.DB, scope string, key string, value string) error {
	if err := ensureTable(db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO job_state (scope, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, scope, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set job state: %w", err)
	}
	return nil
}

// GetInt64 reads a numeric state value. A malformed stored value is
// reported as absent rather than an error.
func GetInt64(db *sql.DB, scope string, key string) (int64, bool, error) {
	s, ok, err := Get(db, scope, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func SetInt64(db *sql.DB, scope string, key string, value int64) error {
	return Set(db, scope, key, strconv.FormatInt(value, 10))
}
