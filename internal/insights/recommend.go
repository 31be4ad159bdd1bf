package insights

import (
	"fmt"
	"math"

	"github.com/Napageneral/engram/internal/extract"
)

// maxRecommendations caps the advice list so a noisy window cannot flood the
// caller.
const maxRecommendations = 10

// repeatedTopicFloor is the occurrence count at which an up-trending topic
// counts as repeated and unresolved.
const repeatedTopicFloor = 3

// BuildRecommendations turns stats and patterns into at most ten action
// items, ordered high to low priority. Cost overruns and repeated up-trending
// topics rank high.
func BuildRecommendations(stats []TopicStat, patterns []Pattern) []Recommendation {
	var high, medium, low []Recommendation

	for _, p := range patterns {
		switch p.Kind {
		case PatternCostTrend:
			if p.Direction == TrendUp {
				high = append(high, Recommendation{
					Priority: PriorityHigh,
					Action:   "Review extraction spend and lower the batch budget if the rise is unplanned",
					Context:  p.Description,
				})
			} else {
				low = append(low, Recommendation{
					Priority: PriorityLow,
					Action:   "Spend is falling, consider raising the batch budget if items are degrading to keyword extraction",
					Context:  p.Description,
				})
			}
		case PatternProductivityTrend:
			if p.Direction == TrendDown {
				medium = append(medium, Recommendation{
					Priority: PriorityMedium,
					Action:   "Job throughput dropped, check recent failed runs and lock contention",
					Context:  p.Description,
				})
			}
		case PatternTopicShift:
			medium = append(medium, Recommendation{
				Priority: PriorityMedium,
				Action:   fmt.Sprintf("New topic %q appeared, verify the vocabulary covers it", p.Topic),
				Context:  p.Description,
			})
		}
	}

	for _, stat := range stats {
		if stat.Trend == TrendUp && stat.Count >= repeatedTopicFloor && stat.Topic != extract.DefaultTopic {
			high = append(high, Recommendation{
				Priority: PriorityHigh,
				Action:   fmt.Sprintf("Topic %q keeps growing without resolution, surface it to the tenant", stat.Topic),
				Context:  fmt.Sprintf("%d occurrences, up %.0f%% vs the previous window", stat.Count, math.Abs(stat.TrendPercent)),
			})
		}
		if stat.Topic == extract.DefaultTopic && stat.Count >= repeatedTopicFloor {
			low = append(low, Recommendation{
				Priority: PriorityLow,
				Action:   "Many records matched no specific topic, consider expanding the keyword vocabulary",
				Context:  fmt.Sprintf("%d extractions fell back to %q", stat.Count, extract.DefaultTopic),
			})
		}
	}

	out := make([]Recommendation, 0, len(high)+len(medium)+len(low))
	out = append(out, high...)
	out = append(out, medium...)
	out = append(out, low...)
	if len(out) > maxRecommendations {
		out = out[:maxRecommendations]
	}
	return out
}
