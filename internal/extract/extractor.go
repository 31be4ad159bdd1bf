package extract

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/engram/internal/gemini"
)

// Options configures an Extractor. A nil Client disables the LLM method; the
// selector then routes everything to keyword or intent extraction.
type Options struct {
	Client  *gemini.Client
	Model   string
	Version string
}

// Extractor runs topic extraction end to end, from cache lookup through
// method selection to idempotent persistence.
type Extractor struct {
	store   *Store
	hits    *HitRecorder
	client  *gemini.Client
	model   string
	version string
}

func New(db *sql.DB, opts Options) *Extractor {
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash-lite"
	}
	if opts.Version == "" {
		opts.Version = "v1"
	}
	store := NewStore(db)
	return &Extractor{
		store:   store,
		hits:    NewHitRecorder(store),
		client:  opts.Client,
		model:   opts.Model,
		version: opts.Version,
	}
}

// Version returns the extractor version stamped onto new rows.
func (e *Extractor) Version() string {
	return e.version
}

// Store exposes the underlying store for introspection queries.
func (e *Extractor) Store() *Store {
	return e.store
}

// FlushHits drains pending cache-hit updates. Tests and shutdown paths call
// this to observe a settled state.
func (e *Extractor) FlushHits() error {
	return e.hits.Flush()
}

// HitMetrics reports the cache-hit recorder's counters.
func (e *Extractor) HitMetrics() map[string]any {
	return e.hits.Metrics()
}

// Close drains the hit recorder and stops its timer.
func (e *Extractor) Close() error {
	return e.hits.Close()
}

// Extract processes one item without a budget constraint.
func (e *Extractor) Extract(ctx context.Context, item Item) (*Extraction, error) {
	return e.ExtractWithBudget(ctx, item, NoBudgetLimit)
}

// ExtractWithBudget processes one item under a remaining budget. An existing
// stored row is served at zero cost; otherwise the selected method runs and
// the result is persisted exactly once. A provider failure degrades to the
// keyword method and never surfaces as an error.
func (e *Extractor) ExtractWithBudget(ctx context.Context, item Item, budgetMicroUSD int64) (*Extraction, error) {
	if err := validateItem(item); err != nil {
		return nil, err
	}

	// Cache check first: a stored row at this version answers for free.
	existing, err := e.store.GetBySource(ctx, item.TenantID, item.SourceType, item.SourceID, e.version)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Cached = true
		e.hits.Submit(existing.ID)
		return existing, nil
	}

	sel := SelectMethod(item, budgetMicroUSD, e.client != nil)

	ext := &Extraction{
		ID:               uuid.New().String(),
		TenantID:         item.TenantID,
		SourceType:       item.SourceType,
		SourceID:         item.SourceID,
		ExtractorVersion: e.version,
		IdempotencyKey:   IdempotencyKey(e.version, item.TenantID, item.SourceType, item.SourceID),
		Method:           sel.Method,
		CreatedAt:        time.Now().Unix(),
	}

	switch sel.Method {
	case MethodIntent:
		ext.Topics, ext.Confidence = ExtractIntent(item.Intent)
	case MethodLLM:
		outcome, llmErr := extractLLM(ctx, e.client, e.model, item.Text)
		if llmErr != nil {
			// Provider failures degrade to keyword extraction, they never
			// propagate. The stored method reflects what actually ran.
			ext.Method = MethodKeyword
			ext.Topics, ext.Confidence = ExtractKeyword(item.Text)
			break
		}
		ext.Topics = outcome.Topics
		ext.Confidence = outcome.Confidence
		ext.InputTokens = outcome.InputTokens
		ext.OutputTokens = outcome.OutputTokens
		ext.CostMicroUSD = TokensCostMicroUSD(outcome.InputTokens, outcome.OutputTokens)
		ext.Model = e.model
	default:
		ext.Topics, ext.Confidence = ExtractKeyword(item.Text)
	}

	inserted, err := e.store.Insert(ctx, ext)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A concurrent extraction won the insert race; serve its row.
		stored, err := e.store.GetBySource(ctx, item.TenantID, item.SourceType, item.SourceID, e.version)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("extraction for %s/%s vanished after conflict", item.SourceType, item.SourceID)
		}
		stored.Cached = true
		e.hits.Submit(stored.ID)
		return stored, nil
	}
	return ext, nil
}

func validateItem(item Item) error {
	if item.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if item.SourceType == "" {
		return fmt.Errorf("source_type is required")
	}
	if item.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	return nil
}
