package insights

import (
	"fmt"
	"strings"
	"testing"
)

func TestBuildRecommendationsPriorities(t *testing.T) {
	patterns := []Pattern{
		{Kind: PatternCostTrend, Direction: TrendUp, ChangePercent: 120, Description: "spend up 120%"},
		{Kind: PatternTopicShift, Topic: "pets", Direction: TrendNew, Description: "pets is new"},
		{Kind: PatternProductivityTrend, Direction: TrendDown, ChangePercent: -40, Description: "throughput down 40%"},
	}
	stats := []TopicStat{
		{Topic: "travel", Count: 6, Trend: TrendUp, TrendPercent: 80},
		{Topic: "general", Count: 4, Trend: TrendStable},
	}

	recs := BuildRecommendations(stats, patterns)
	if len(recs) != 5 {
		t.Fatalf("recs = %d, want 5: %+v", len(recs), recs)
	}

	rank := map[string]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}
	for i := 1; i < len(recs); i++ {
		if rank[recs[i].Priority] < rank[recs[i-1].Priority] {
			t.Errorf("recs out of priority order at %d: %+v", i, recs)
		}
	}

	var sawCost, sawRepeated, sawVocab bool
	for _, rec := range recs {
		switch {
		case strings.Contains(rec.Action, "Review extraction spend"):
			sawCost = rec.Priority == PriorityHigh
		case strings.Contains(rec.Action, `"travel"`):
			sawRepeated = rec.Priority == PriorityHigh
		case strings.Contains(rec.Action, "vocabulary") && strings.Contains(rec.Action, "expanding"):
			sawVocab = rec.Priority == PriorityLow
		}
	}
	if !sawCost {
		t.Error("missing high-priority cost recommendation")
	}
	if !sawRepeated {
		t.Error("missing high-priority repeated-topic recommendation")
	}
	if !sawVocab {
		t.Error("missing low-priority vocabulary recommendation")
	}
}

func TestBuildRecommendationsCap(t *testing.T) {
	var stats []TopicStat
	for i := 0; i < 15; i++ {
		stats = append(stats, TopicStat{
			Topic:        fmt.Sprintf("topic-%d", i),
			Count:        5,
			Trend:        TrendUp,
			TrendPercent: 90,
		})
	}

	recs := BuildRecommendations(stats, nil)
	if len(recs) != maxRecommendations {
		t.Fatalf("recs = %d, want cap of %d", len(recs), maxRecommendations)
	}
	for _, rec := range recs {
		if rec.Priority != PriorityHigh {
			t.Errorf("rec = %+v, want every capped entry high priority", rec)
		}
	}
}

func TestBuildRecommendationsEmpty(t *testing.T) {
	if recs := BuildRecommendations(nil, nil); len(recs) != 0 {
		t.Errorf("recs = %+v, want none for empty input", recs)
	}
}

func TestBuildRecommendationsQuietWindow(t *testing.T) {
	stats := []TopicStat{
		{Topic: "work", Count: 2, Trend: TrendStable, TrendPercent: 5},
	}
	patterns := []Pattern{
		{Kind: PatternCostTrend, Direction: TrendDown, ChangePercent: -30, Description: "spend down 30%"},
	}

	recs := BuildRecommendations(stats, patterns)
	if len(recs) != 1 || recs[0].Priority != PriorityLow {
		t.Fatalf("recs = %+v, want a single low-priority entry", recs)
	}
}
