package insights

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store persists validated insights. Construction failures never reach it.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func ensureInsightsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL,
			confidence REAL NOT NULL,
			evidence_json TEXT NOT NULL,
			generated_by TEXT NOT NULL,
			trace_id TEXT,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure insights table: %w", err)
	}
	return nil
}

// Save writes one insight with its evidence as JSON.
func (s *Store) Save(ctx context.Context, ins *GeneratedInsight) error {
	if err := ensureInsightsTable(s.db); err != nil {
		return err
	}
	evidenceJSON, err := json.Marshal(ins.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	var traceVal any
	if ins.TraceID != "" {
		traceVal = ins.TraceID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insights (id, tenant_id, kind, title, summary, confidence,
			evidence_json, generated_by, trace_id, window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ins.ID, ins.TenantID, ins.Kind, ins.Title, ins.Summary, ins.Confidence,
		string(evidenceJSON), ins.GeneratedBy, traceVal, ins.WindowStart, ins.WindowEnd, ins.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

// List returns stored insights, newest first. Empty tenantID or kind matches
// everything.
func (s *Store) List(ctx context.Context, tenantID, kind string, limit int) ([]GeneratedInsight, error) {
	if err := ensureInsightsTable(s.db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, title, summary, confidence, evidence_json,
			generated_by, trace_id, window_start, window_end, created_at
		FROM insights
		WHERE (? = '' OR tenant_id = ?) AND (? = '' OR kind = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, tenantID, tenantID, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var out []GeneratedInsight
	for rows.Next() {
		var ins GeneratedInsight
		var evidenceJSON string
		var traceID sql.NullString
		if err := rows.Scan(&ins.ID, &ins.TenantID, &ins.Kind, &ins.Title, &ins.Summary,
			&ins.Confidence, &evidenceJSON, &ins.GeneratedBy, &traceID,
			&ins.WindowStart, &ins.WindowEnd, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		if traceID.Valid {
			ins.TraceID = traceID.String
		}
		if err := json.Unmarshal([]byte(evidenceJSON), &ins.Evidence); err != nil {
			return nil, fmt.Errorf("failed to parse evidence for %s: %w", ins.ID, err)
		}
		out = append(out, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating insights: %w", err)
	}
	return out, nil
}
