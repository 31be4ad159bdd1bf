package extract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists extraction rows. Writes are insert-if-absent: the first
// writer for a (tenant, source, version) identity wins and every later write
// is a no-op, which is what makes re-extraction idempotent under races.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func ensureExtractionsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS extractions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			extractor_version TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			method TEXT NOT NULL,
			topics_json TEXT NOT NULL,
			confidence REAL NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_micro_usd INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			created_at INTEGER NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			last_hit_at INTEGER,
			UNIQUE(tenant_id, source_type, source_id, extractor_version)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure extractions table: %w", err)
	}
	return nil
}

// Insert writes ext if no row exists for its identity. It reports whether the
// row was written; false means a concurrent writer got there first and the
// caller should re-read.
func (s *Store) Insert(ctx context.Context, ext *Extraction) (bool, error) {
	if err := ensureExtractionsTable(s.db); err != nil {
		return false, err
	}
	if ext.ID == "" {
		ext.ID = uuid.New().String()
	}
	if ext.CreatedAt == 0 {
		ext.CreatedAt = time.Now().Unix()
	}
	topicsJSON, err := json.Marshal(ext.Topics)
	if err != nil {
		return false, fmt.Errorf("failed to marshal topics: %w", err)
	}

	var modelVal any
	if ext.Model != "" {
		modelVal = ext.Model
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO extractions (id, tenant_id, source_type, source_id, extractor_version,
			idempotency_key, method, topics_json, confidence, input_tokens, output_tokens,
			cost_micro_usd, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, source_type, source_id, extractor_version) DO NOTHING
	`, ext.ID, ext.TenantID, ext.SourceType, ext.SourceID, ext.ExtractorVersion,
		ext.IdempotencyKey, ext.Method, string(topicsJSON), ext.Confidence,
		ext.InputTokens, ext.OutputTokens, ext.CostMicroUSD, modelVal, ext.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert extraction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// GetBySource returns the stored extraction for one source at one extractor
// version, or nil when none exists. Older versions' rows are left in place;
// asking for a new version simply finds nothing and triggers a fresh run.
func (s *Store) GetBySource(ctx context.Context, tenantID, sourceType, sourceID, extractorVersion string) (*Extraction, error) {
	if err := ensureExtractionsTable(s.db); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, source_type, source_id, extractor_version, idempotency_key,
			method, topics_json, confidence, input_tokens, output_tokens, cost_micro_usd,
			model, created_at, hit_count
		FROM extractions
		WHERE tenant_id = ? AND source_type = ? AND source_id = ? AND extractor_version = ?
	`, tenantID, sourceType, sourceID, extractorVersion)
	ext, err := scanExtraction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extraction: %w", err)
	}
	return ext, nil
}

// ListByWindow returns a tenant's extractions with created_at in [start, end),
// oldest first. The insights engine reads its raw material through this.
func (s *Store) ListByWindow(ctx context.Context, tenantID string, start, end int64) ([]Extraction, error) {
	if err := ensureExtractionsTable(s.db); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source_type, source_id, extractor_version, idempotency_key,
			method, topics_json, confidence, input_tokens, output_tokens, cost_micro_usd,
			model, created_at, hit_count
		FROM extractions
		WHERE tenant_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC
	`, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query extractions by window: %w", err)
	}
	defer rows.Close()

	var out []Extraction
	for rows.Next() {
		ext, err := scanExtraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extraction: %w", err)
		}
		out = append(out, *ext)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating extractions: %w", err)
	}
	return out, nil
}

// TouchHits bumps the hit counters for served-from-cache rows. Counter updates
// are the one permitted mutation of an extraction row.
func (s *Store) TouchHits(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ensureExtractionsTable(s.db); err != nil {
		return err
	}
	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin touch tx: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE extractions SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?
		`, now, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to touch extraction %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit touch tx: %w", err)
	}
	return nil
}

// Stats summarizes a tenant's extraction history for status output.
type Stats struct {
	Total             int64            `json:"total"`
	ByMethod          map[string]int64 `json:"by_method"`
	TotalCostMicroUSD int64            `json:"total_cost_micro_usd"`
	TotalCostUSD      float64          `json:"total_cost_usd"`
	TotalHits         int64            `json:"total_hits"`
}

// GetStats aggregates stored extractions. Empty tenantID covers all tenants.
func (s *Store) GetStats(ctx context.Context, tenantID string) (*Stats, error) {
	if err := ensureExtractionsTable(s.db); err != nil {
		return nil, err
	}
	stats := &Stats{ByMethod: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT method, COUNT(*), COALESCE(SUM(cost_micro_usd), 0), COALESCE(SUM(hit_count), 0)
		FROM extractions
		WHERE (? = '' OR tenant_id = ?)
		GROUP BY method
	`, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query extraction stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var method string
		var count, cost, hits int64
		if err := rows.Scan(&method, &count, &cost, &hits); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.ByMethod[method] = count
		stats.Total += count
		stats.TotalCostMicroUSD += cost
		stats.TotalHits += hits
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating stats rows: %w", err)
	}
	stats.TotalCostUSD = MicroToUSD(stats.TotalCostMicroUSD)
	return stats, nil
}

type extRowScanner interface {
	Scan(dest ...any) error
}

func scanExtraction(row extRowScanner) (*Extraction, error) {
	var ext Extraction
	var topicsJSON string
	var model sql.NullString
	if err := row.Scan(
		&ext.ID, &ext.TenantID, &ext.SourceType, &ext.SourceID, &ext.ExtractorVersion,
		&ext.IdempotencyKey, &ext.Method, &topicsJSON, &ext.Confidence,
		&ext.InputTokens, &ext.OutputTokens, &ext.CostMicroUSD, &model,
		&ext.CreatedAt, &ext.HitCount,
	); err != nil {
		return nil, err
	}
	if model.Valid {
		ext.Model = model.String
	}
	if err := json.Unmarshal([]byte(topicsJSON), &ext.Topics); err != nil {
		return nil, fmt.Errorf("failed to parse topics for %s: %w", ext.ID, err)
	}
	return &ext, nil
}
