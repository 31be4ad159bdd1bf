// Package insights computes evidence-backed summaries, topic drilldowns and
// trend reports over stored extractions and job runs.
//
// Every insight carries at least one Evidence entry pointing at the rows that
// justify it. Construction validates that contract and fails fast; an invalid
// insight is never stored.
package insights

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Napageneral/engram/internal/bus"
	"github.com/Napageneral/engram/internal/extract"
	"github.com/Napageneral/engram/internal/jobs"
)

// stabilityThreshold is the percent change below which a topic or aggregate
// counts as stable rather than trending.
const stabilityThreshold = 10.0

// emergingThreshold is the trend percent at which an up-trending topic
// becomes an EMERGING_THEME pattern.
const emergingThreshold = 50.0

// maxSampleSources bounds how many source ids a stat or evidence entry carries.
const maxSampleSources = 5

// Engine computes insights for one database. It reads extractions and job
// runs through their owning stores and owns only the insights table.
type Engine struct {
	db          *sql.DB
	store       *Store
	extractions *extract.Store
	runs        *jobs.Recorder
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		db:          db,
		store:       NewStore(db),
		extractions: extract.NewStore(db),
		runs:        jobs.NewRecorder(db),
	}
}

// Store exposes persisted insights for listing.
func (e *Engine) Store() *Store {
	return e.store
}

// GenerateSummary aggregates a window's extraction volume, topic
// distribution, job outcomes and spend into one stored insight. A window with
// no extractions has no evidence to offer and returns an error.
func (e *Engine) GenerateSummary(ctx context.Context, tenantID string, w Window) (*GeneratedInsight, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	rows, err := e.extractions.ListByWindow(ctx, tenantID, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no extractions for tenant %s in window", tenantID)
	}

	stats, patterns, err := e.GetTrends(ctx, tenantID, w)
	if err != nil {
		return nil, err
	}
	totals, err := e.runs.Totals(ctx, tenantID, w.Start, w.End)
	if err != nil {
		return nil, err
	}

	evidence := topicEvidence(stats, rows)
	if len(evidence) == 0 {
		return nil, fmt.Errorf("window has extractions but no topics to report")
	}
	title := fmt.Sprintf("Activity summary: %d extractions across %d topics", len(rows), len(stats))

	ins, err := NewInsight(tenantID, KindSummary, title, summaryText(rows, stats, patterns, totals), meanConfidence(rows), evidence)
	if err != nil {
		return nil, err
	}
	ins.WindowStart, ins.WindowEnd = w.Start, w.End
	if err := e.store.Save(ctx, ins); err != nil {
		return nil, err
	}
	_ = bus.Emit(e.db, bus.EventInsightGenerated, tenantID, "", map[string]interface{}{
		"insight_id": ins.ID,
		"kind":       ins.Kind,
	})
	return ins, nil
}

// AnalyzeTopic drills into one topic: volume, trend against the previous
// window of equal length and the sources behind it.
func (e *Engine) AnalyzeTopic(ctx context.Context, tenantID, topic string, w Window) (*GeneratedInsight, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	rows, err := e.extractions.ListByWindow(ctx, tenantID, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	agg := aggregateTopics(rows)[topic]
	if agg == nil {
		return nil, fmt.Errorf("no extractions mention topic %q in window", topic)
	}

	prior := w.previous()
	priorRows, err := e.extractions.ListByWindow(ctx, tenantID, prior.Start, prior.End)
	if err != nil {
		return nil, err
	}
	prev := 0
	if p := aggregateTopics(priorRows)[topic]; p != nil {
		prev = p.count
	}
	trend, pct := classifyTrend(agg.count, prev)

	evidence := []Evidence{{
		SourceIDs:      agg.samples,
		SourceType:     dominantSourceType(rows),
		TrustLevel:     trustForCount(agg.count),
		SnippetPreview: fmt.Sprintf("topic %q seen %d times", topic, agg.count),
		RetrievalScore: float64(agg.count) / float64(len(rows)),
	}}

	title := fmt.Sprintf("Topic analysis: %s", topic)
	summary := topicSummaryText(topic, agg.count, len(rows), trend, pct, prev)

	ins, err := NewInsight(tenantID, KindTopicAnalysis, title, summary, confidenceForTopic(rows, topic), evidence)
	if err != nil {
		return nil, err
	}
	ins.WindowStart, ins.WindowEnd = w.Start, w.End
	if err := e.store.Save(ctx, ins); err != nil {
		return nil, err
	}
	_ = bus.Emit(e.db, bus.EventInsightGenerated, tenantID, "", map[string]interface{}{
		"insight_id": ins.ID,
		"kind":       ins.Kind,
		"topic":      topic,
	})
	return ins, nil
}

// GetTrends compares the window against the previous window of equal length
// and returns per-topic stats plus detected patterns.
func (e *Engine) GetTrends(ctx context.Context, tenantID string, w Window) ([]TopicStat, []Pattern, error) {
	if tenantID == "" {
		return nil, nil, fmt.Errorf("tenant id is required")
	}
	if err := validateWindow(w); err != nil {
		return nil, nil, err
	}
	current, err := e.extractions.ListByWindow(ctx, tenantID, w.Start, w.End)
	if err != nil {
		return nil, nil, err
	}
	prior := w.previous()
	priorRows, err := e.extractions.ListByWindow(ctx, tenantID, prior.Start, prior.End)
	if err != nil {
		return nil, nil, err
	}
	stats := buildTopicStats(aggregateTopics(current), aggregateTopics(priorRows))

	totals, err := e.runs.Totals(ctx, tenantID, w.Start, w.End)
	if err != nil {
		return nil, nil, err
	}
	priorTotals, err := e.runs.Totals(ctx, tenantID, prior.Start, prior.End)
	if err != nil {
		return nil, nil, err
	}
	patterns := detectPatterns(stats, sumCostMicro(current), sumCostMicro(priorRows), totals, priorTotals)
	return stats, patterns, nil
}

// Recommendations derives prioritized action items from the window's stats
// and patterns.
func (e *Engine) Recommendations(ctx context.Context, tenantID string, w Window) ([]Recommendation, error) {
	stats, patterns, err := e.GetTrends(ctx, tenantID, w)
	if err != nil {
		return nil, err
	}
	return BuildRecommendations(stats, patterns), nil
}

func validateWindow(w Window) error {
	if w.End <= w.Start {
		return fmt.Errorf("window end must be after start")
	}
	return nil
}

type topicAgg struct {
	count     int
	firstSeen int64
	lastSeen  int64
	samples   []string
}

func aggregateTopics(rows []extract.Extraction) map[string]*topicAgg {
	out := make(map[string]*topicAgg)
	for _, row := range rows {
		for _, topic := range row.Topics {
			agg := out[topic]
			if agg == nil {
				agg = &topicAgg{firstSeen: row.CreatedAt}
				out[topic] = agg
			}
			agg.count++
			if row.CreatedAt < agg.firstSeen {
				agg.firstSeen = row.CreatedAt
			}
			if row.CreatedAt > agg.lastSeen {
				agg.lastSeen = row.CreatedAt
			}
			if len(agg.samples) < maxSampleSources {
				agg.samples = append(agg.samples, row.SourceID)
			}
		}
	}
	return out
}

func buildTopicStats(current, previous map[string]*topicAgg) []TopicStat {
	stats := make([]TopicStat, 0, len(current))
	for topic, agg := range current {
		stat := TopicStat{
			Topic:         topic,
			Count:         agg.count,
			SampleQueries: agg.samples,
			FirstSeen:     agg.firstSeen,
			LastSeen:      agg.lastSeen,
		}
		prev := 0
		if p, ok := previous[topic]; ok {
			prev = p.count
		}
		stat.Trend, stat.TrendPercent = classifyTrend(agg.count, prev)
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Topic < stats[j].Topic
	})
	return stats
}

// classifyTrend compares a count against the previous window. A topic with no
// previous presence is new; changes inside the stability threshold are stable.
func classifyTrend(count, prev int) (string, float64) {
	if prev == 0 {
		return TrendNew, 0
	}
	pct := (float64(count) - float64(prev)) / float64(prev) * 100
	switch {
	case pct > stabilityThreshold:
		return TrendUp, pct
	case pct < -stabilityThreshold:
		return TrendDown, pct
	default:
		return TrendStable, pct
	}
}

func sumCostMicro(rows []extract.Extraction) int64 {
	var total int64
	for _, row := range rows {
		total += row.CostMicroUSD
	}
	return total
}

// meanConfidence averages stored row confidence, clamped so the insight
// always constructs.
func meanConfidence(rows []extract.Extraction) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, row := range rows {
		sum += row.Confidence
	}
	mean := sum / float64(len(rows))
	if mean < 0 {
		mean = 0
	}
	if mean > 1 {
		mean = 1
	}
	return mean
}

func confidenceForTopic(rows []extract.Extraction, topic string) float64 {
	var matching []extract.Extraction
	for _, row := range rows {
		for _, t := range row.Topics {
			if t == topic {
				matching = append(matching, row)
				break
			}
		}
	}
	return meanConfidence(matching)
}

// topicEvidence builds one evidence entry per leading topic, pointing at the
// sample sources behind it. RetrievalScore is the topic's share of the window.
func topicEvidence(stats []TopicStat, rows []extract.Extraction) []Evidence {
	evidence := make([]Evidence, 0, maxSampleSources)
	for _, stat := range stats {
		if len(evidence) == maxSampleSources {
			break
		}
		if len(stat.SampleQueries) == 0 {
			continue
		}
		evidence = append(evidence, Evidence{
			SourceIDs:      stat.SampleQueries,
			SourceType:     dominantSourceType(rows),
			TrustLevel:     trustForCount(stat.Count),
			SnippetPreview: fmt.Sprintf("topic %q seen %d times", stat.Topic, stat.Count),
			RetrievalScore: float64(stat.Count) / float64(len(rows)),
		})
	}
	return evidence
}

func dominantSourceType(rows []extract.Extraction) string {
	counts := make(map[string]int)
	best := ""
	for _, row := range rows {
		counts[row.SourceType]++
		if best == "" || counts[row.SourceType] > counts[best] {
			best = row.SourceType
		}
	}
	return best
}

// trustForCount maps sample size to a trust level. More supporting rows mean
// the entry can carry more weight.
func trustForCount(n int) string {
	switch {
	case n >= 5:
		return TrustHigh
	case n >= 2:
		return TrustMedium
	default:
		return TrustLow
	}
}

func summaryText(rows []extract.Extraction, stats []TopicStat, patterns []Pattern, totals *jobs.RunTotals) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d extractions across %d topics.", len(rows), len(stats))
	if len(stats) > 0 {
		fmt.Fprintf(&b, " Leading topic %q with %d occurrences.", stats[0].Topic, stats[0].Count)
	}
	if totals.Runs > 0 {
		fmt.Fprintf(&b, " %d job runs, %d succeeded, %d failed.", totals.Runs, totals.Success, totals.Failed)
	}
	if spend := sumCostMicro(rows); spend > 0 {
		fmt.Fprintf(&b, " Provider spend $%.4f.", extract.MicroToUSD(spend))
	}
	for _, p := range patterns {
		fmt.Fprintf(&b, " %s.", p.Description)
	}
	return b.String()
}

func topicSummaryText(topic string, count, total int, trend string, pct float64, prev int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic %q appears in %d of %d extractions.", topic, count, total)
	switch trend {
	case TrendNew:
		b.WriteString(" Not seen in the previous window.")
	case TrendStable:
		fmt.Fprintf(&b, " Stable vs the previous window (%d occurrences).", prev)
	default:
		fmt.Fprintf(&b, " Trending %s %.0f%% vs the previous window (%d occurrences).", trend, math.Abs(pct), prev)
	}
	return b.String()
}
