package insights

import (
	"fmt"
	"math"

	"github.com/Napageneral/engram/internal/extract"
	"github.com/Napageneral/engram/internal/jobs"
)

// detectPatterns scans a window pair for reportable signals. Topic patterns
// come from the per-topic stats; cost and productivity compare whole-window
// aggregates.
func detectPatterns(stats []TopicStat, costMicro, priorCostMicro int64, totals, priorTotals *jobs.RunTotals) []Pattern {
	var patterns []Pattern

	for _, stat := range stats {
		switch {
		case stat.Trend == TrendUp && stat.TrendPercent >= emergingThreshold:
			patterns = append(patterns, Pattern{
				Kind:          PatternEmergingTheme,
				Topic:         stat.Topic,
				Direction:     TrendUp,
				ChangePercent: stat.TrendPercent,
				Description:   fmt.Sprintf("Topic %q is emerging, up %.0f%% vs the previous window", stat.Topic, stat.TrendPercent),
			})
		case stat.Trend == TrendNew:
			patterns = append(patterns, Pattern{
				Kind:          PatternTopicShift,
				Topic:         stat.Topic,
				Direction:     TrendNew,
				ChangePercent: stat.TrendPercent,
				Description:   fmt.Sprintf("Topic %q is new this window with %d occurrences", stat.Topic, stat.Count),
			})
		}
	}

	if dir, pct, ok := aggregateTrend(costMicro, priorCostMicro); ok {
		patterns = append(patterns, Pattern{
			Kind:          PatternCostTrend,
			Direction:     dir,
			ChangePercent: pct,
			Description: fmt.Sprintf("Provider spend went %s %.0f%% ($%.4f vs $%.4f)",
				dir, math.Abs(pct), extract.MicroToUSD(costMicro), extract.MicroToUSD(priorCostMicro)),
		})
	}
	if dir, pct, ok := aggregateTrend(totals.OutputCount, priorTotals.OutputCount); ok {
		patterns = append(patterns, Pattern{
			Kind:          PatternProductivityTrend,
			Direction:     dir,
			ChangePercent: pct,
			Description: fmt.Sprintf("Job throughput went %s %.0f%% (%d vs %d outputs)",
				dir, math.Abs(pct), totals.OutputCount, priorTotals.OutputCount),
		})
	}
	return patterns
}

// aggregateTrend reports whether a whole-window aggregate moved beyond the
// stability threshold. A zero previous value with a nonzero current counts as
// a 100 percent rise.
func aggregateTrend(cur, prev int64) (string, float64, bool) {
	if prev == 0 {
		if cur == 0 {
			return "", 0, false
		}
		return TrendUp, 100, true
	}
	pct := (float64(cur) - float64(prev)) / float64(prev) * 100
	switch {
	case pct > stabilityThreshold:
		return TrendUp, pct, true
	case pct < -stabilityThreshold:
		return TrendDown, pct, true
	}
	return "", 0, false
}
