package extract

import (
	"strings"
	"unicode/utf8"
)

// Text length bounds for LLM extraction. Outside them the keyword method is
// both cheaper and at least as reliable.
const (
	MinTextLen = 12
	MaxTextLen = 8000
)

// Selection reasons, recorded for observability.
const (
	ReasonPrecomputedIntent = "precomputed_intent"
	ReasonTextTooShort      = "text_too_short"
	ReasonTextTooLong       = "text_too_long"
	ReasonBudgetExhausted   = "budget_exhausted"
	ReasonNoLLMClient       = "no_llm_client"
	ReasonLLMAvailable      = "llm_available"
)

// Selection is a method choice and why it was made.
type Selection struct {
	Method string
	Reason string
}

// SelectMethod picks the extraction method for an item. Priority order:
// a precomputed intent always wins; out-of-bounds text falls back to keyword;
// an exhausted budget or missing LLM client falls back to keyword; otherwise
// the LLM is used.
func SelectMethod(item Item, budgetMicroUSD int64, hasLLM bool) Selection {
	if strings.TrimSpace(item.Intent) != "" {
		return Selection{Method: MethodIntent, Reason: ReasonPrecomputedIntent}
	}
	n := utf8.RuneCountInString(strings.TrimSpace(item.Text))
	if n < MinTextLen {
		return Selection{Method: MethodKeyword, Reason: ReasonTextTooShort}
	}
	if n > MaxTextLen {
		return Selection{Method: MethodKeyword, Reason: ReasonTextTooLong}
	}
	if budgetMicroUSD <= 0 {
		return Selection{Method: MethodKeyword, Reason: ReasonBudgetExhausted}
	}
	if !hasLLM {
		return Selection{Method: MethodKeyword, Reason: ReasonNoLLMClient}
	}
	return Selection{Method: MethodLLM, Reason: ReasonLLMAvailable}
}
