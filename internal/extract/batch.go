package extract

import (
	"context"

	"github.com/Napageneral/engram/internal/bus"
)

// MaxBatchSize bounds how many items one chunk processes.
const MaxBatchSize = 20

// BatchItemError records one item's failure without stopping the batch.
type BatchItemError struct {
	Index    int    `json:"index"`
	SourceID string `json:"source_id"`
	Message  string `json:"message"`
}

// BatchResult summarizes a batch run. ItemsProcessed always equals the input
// length: every item either produced a result or an error entry.
type BatchResult struct {
	ItemsProcessed    int              `json:"items_processed"`
	Results           []Extraction     `json:"results"`
	CacheHits         int              `json:"cache_hits"`
	TotalInputTokens  int64            `json:"total_input_tokens"`
	TotalOutputTokens int64            `json:"total_output_tokens"`
	TotalCostMicroUSD int64            `json:"total_cost_micro_usd"`
	TotalCostUSD      float64          `json:"total_cost_usd"`
	Errors            []BatchItemError `json:"errors,omitempty"`
}

// BatchCoordinator runs extraction over many items under one spend budget.
type BatchCoordinator struct {
	extractor *Extractor
}

func NewBatchCoordinator(extractor *Extractor) *BatchCoordinator {
	return &BatchCoordinator{extractor: extractor}
}

// BatchExtract processes items in chunks of MaxBatchSize. The budget is a
// hard ceiling on new provider spend: once it is gone, every remaining item
// is extracted by the keyword method. Per-item failures are recorded and the
// batch continues; cached results cost nothing and do not touch the budget.
func (b *BatchCoordinator) BatchExtract(ctx context.Context, items []Item, budgetMicroUSD int64) *BatchResult {
	result := &BatchResult{
		Results: make([]Extraction, 0, len(items)),
	}

	remaining := budgetMicroUSD
	budgetAnnounced := remaining <= 0

	for start := 0; start < len(items); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(items) {
			end = len(items)
		}

		for i := start; i < end; i++ {
			item := items[i]
			ext, err := b.extractor.ExtractWithBudget(ctx, item, remaining)
			result.ItemsProcessed++
			if err != nil {
				result.Errors = append(result.Errors, BatchItemError{
					Index:    i,
					SourceID: item.SourceID,
					Message:  err.Error(),
				})
				continue
			}

			result.Results = append(result.Results, *ext)
			if ext.Cached {
				result.CacheHits++
				continue
			}

			result.TotalInputTokens += ext.InputTokens
			result.TotalOutputTokens += ext.OutputTokens
			result.TotalCostMicroUSD += ext.CostMicroUSD
			remaining -= ext.CostMicroUSD

			if remaining <= 0 && !budgetAnnounced {
				budgetAnnounced = true
				_ = bus.Emit(b.extractor.store.db, bus.EventBudgetExhausted, item.TenantID, "", map[string]interface{}{
					"budget_micro_usd": budgetMicroUSD,
					"items_remaining":  len(items) - i - 1,
				})
			}
		}
	}

	result.TotalCostUSD = MicroToUSD(result.TotalCostMicroUSD)
	return result
}
