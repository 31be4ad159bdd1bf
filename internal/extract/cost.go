package extract

import "math"

// Token pricing in micro-USD per million tokens (Gemini 2.5 Flash-Lite).
// All budget arithmetic is integer micro-USD; floats appear only at the
// JSON/CLI boundary.
const (
	inputMicroPerMTok  int64 = 75_000
	outputMicroPerMTok int64 = 300_000
)

// NoBudgetLimit disables budget-based method selection for a single call.
const NoBudgetLimit int64 = math.MaxInt64

// TokensCostMicroUSD converts token usage into micro-USD spend.
func TokensCostMicroUSD(inputTokens, outputTokens int64) int64 {
	return (inputTokens*inputMicroPerMTok + outputTokens*outputMicroPerMTok) / 1_000_000
}

// USDToMicro converts a boundary dollar amount into internal micro-USD.
func USDToMicro(usd float64) int64 {
	return int64(math.Round(usd * 1_000_000))
}

// MicroToUSD converts internal micro-USD back into dollars for display.
func MicroToUSD(micro int64) float64 {
	return float64(micro) / 1_000_000
}
