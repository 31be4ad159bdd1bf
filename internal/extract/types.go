// Package extract turns conversational records into topic extractions.
//
// Every record is processed by exactly one method: KEYWORD (fixed vocabulary
// scan), INTENT (precomputed intent label mapping) or LLM (Gemini call).
// Results are persisted once per (tenant, source, extractor version); repeat
// extractions are served from the stored row at zero cost.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
)

// Extraction methods.
const (
	MethodKeyword = "KEYWORD"
	MethodIntent  = "INTENT"
	MethodLLM     = "LLM"
)

// Item is one conversational record to extract topics from.
type Item struct {
	TenantID   string `json:"tenant_id"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Text       string `json:"text"`
	// Intent is an upstream classifier's label, when one exists. Its presence
	// routes the item to the INTENT method regardless of budget.
	Intent string `json:"intent,omitempty"`
}

// Extraction is a persisted extraction result. Rows are immutable once
// written; only the hit counters move. Cached is result-only state and never
// stored: true means this call was served from an existing row.
type Extraction struct {
	ID               string   `json:"id"`
	TenantID         string   `json:"tenant_id"`
	SourceType       string   `json:"source_type"`
	SourceID         string   `json:"source_id"`
	ExtractorVersion string   `json:"extractor_version"`
	IdempotencyKey   string   `json:"idempotency_key"`
	Method           string   `json:"method"`
	Topics           []string `json:"topics"`
	Confidence       float64  `json:"confidence"`
	InputTokens      int64    `json:"input_tokens"`
	OutputTokens     int64    `json:"output_tokens"`
	CostMicroUSD     int64    `json:"cost_micro_usd"`
	Model            string   `json:"model,omitempty"`
	CreatedAt        int64    `json:"created_at"`
	HitCount         int64    `json:"hit_count"`
	Cached           bool     `json:"cached"`
}

// IdempotencyKey derives the stable identity of an extraction from the fields
// that define it. Same inputs always yield the same key across processes.
func IdempotencyKey(extractorVersion, tenantID, sourceType, sourceID string) string {
	sum := sha256.Sum256([]byte(extractorVersion + ":" + tenantID + ":" + sourceType + ":" + sourceID))
	return hex.EncodeToString(sum[:])
}
