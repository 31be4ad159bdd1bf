package insights

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Insight kinds.
const (
	KindSummary       = "summary"
	KindTopicAnalysis = "topic_analysis"
)

// Evidence trust levels.
const (
	TrustHigh   = "high"
	TrustMedium = "medium"
	TrustLow    = "low"
)

// Topic trends.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
	TrendNew    = "new"
)

// Detected pattern kinds.
const (
	PatternEmergingTheme     = "EMERGING_THEME"
	PatternTopicShift        = "TOPIC_SHIFT"
	PatternCostTrend         = "COST_TREND"
	PatternProductivityTrend = "PRODUCTIVITY_TREND"
)

// Recommendation priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// generatedBy tags stored rows with their producer so they stay attributable
// across engine revisions.
const generatedBy = "insights_engine/v1"

// Window is a half-open time range [Start, End) in unix seconds.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// LastDays returns the window covering the previous n days, ending now.
func LastDays(n int) Window {
	now := time.Now().Unix()
	return Window{Start: now - int64(n)*86400, End: now}
}

// previous returns the window of equal length immediately before w.
func (w Window) previous() Window {
	return Window{Start: 2*w.Start - w.End, End: w.Start}
}

// Evidence points an insight back at the concrete rows justifying it. Nothing
// is asserted without one of these.
type Evidence struct {
	SourceIDs      []string `json:"source_ids"`
	SourceType     string   `json:"source_type"`
	TrustLevel     string   `json:"trust_level"`
	SnippetPreview string   `json:"snippet_preview,omitempty"`
	RetrievalScore float64  `json:"retrieval_score"`
}

// GeneratedInsight is one produced insight. Instances come from NewInsight,
// so one in hand is always valid.
type GeneratedInsight struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Kind        string     `json:"kind"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Confidence  float64    `json:"confidence"`
	Evidence    []Evidence `json:"evidence"`
	GeneratedBy string     `json:"generated_by"`
	TraceID     string     `json:"trace_id,omitempty"`
	WindowStart int64      `json:"window_start"`
	WindowEnd   int64      `json:"window_end"`
	CreatedAt   int64      `json:"created_at"`
}

// NewInsight builds a validated insight. Empty evidence, an evidence entry
// without source ids, an unknown trust level or a confidence outside [0,1]
// are construction errors, not soft warnings.
func NewInsight(tenantID, kind, title, summary string, confidence float64, evidence []Evidence) (*GeneratedInsight, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if kind == "" {
		return nil, fmt.Errorf("kind is required")
	}
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %.2f outside [0,1]", confidence)
	}
	if len(evidence) == 0 {
		return nil, fmt.Errorf("insight requires at least one evidence entry")
	}
	for i, ev := range evidence {
		if len(ev.SourceIDs) == 0 {
			return nil, fmt.Errorf("evidence %d has no source ids", i)
		}
		switch ev.TrustLevel {
		case TrustHigh, TrustMedium, TrustLow:
		default:
			return nil, fmt.Errorf("evidence %d has unknown trust level %q", i, ev.TrustLevel)
		}
	}
	return &GeneratedInsight{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Kind:        kind,
		Title:       title,
		Summary:     summary,
		Confidence:  confidence,
		Evidence:    evidence,
		GeneratedBy: generatedBy,
		CreatedAt:   time.Now().Unix(),
	}, nil
}

// TopicStat is a derived per-topic view over one window, never stored.
type TopicStat struct {
	Topic         string   `json:"topic"`
	Count         int      `json:"count"`
	Trend         string   `json:"trend"`
	TrendPercent  float64  `json:"trend_percent"`
	SampleQueries []string `json:"sample_queries,omitempty"`
	FirstSeen     int64    `json:"first_seen"`
	LastSeen      int64    `json:"last_seen"`
}

// Pattern is one detected signal over a window pair.
type Pattern struct {
	Kind          string  `json:"kind"`
	Topic         string  `json:"topic,omitempty"`
	Direction     string  `json:"direction"`
	ChangePercent float64 `json:"change_percent"`
	Description   string  `json:"description"`
}

// Recommendation is a derived action item, ephemeral like TopicStat.
type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
	Context  string `json:"context,omitempty"`
}
