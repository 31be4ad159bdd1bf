package compute

import (
	"sync"
	"time"
)

// ExtractMetricEvent captures timings and outcome for one extract job.
type ExtractMetricEvent struct {
	Extract time.Duration
	Overall time.Duration

	Method       string
	Outcome      string // ok, cached, error
	CostMicroUSD int64
}

// InsightMetricEvent captures timings and outcome for one insight job.
type InsightMetricEvent struct {
	Generate time.Duration
	Overall  time.Duration

	Kind    string
	Outcome string // ok, error
}

// JobMetrics aggregates handler timings and spend for the daemon's stats
// output. All counters are process-local and reset with the process.
type JobMetrics struct {
	mu sync.Mutex

	extractCount    int
	extractOK       int
	extractCached   int
	extractErrors   int
	extractByMethod map[string]int
	extractDurSum   time.Duration
	extractCallSum  time.Duration
	spendMicroUSD   int64

	insightCount  int
	insightOK     int
	insightErrors int
	insightByKind map[string]int
	insightDurSum time.Duration
}

func NewJobMetrics() *JobMetrics {
	return &JobMetrics{
		extractByMethod: make(map[string]int),
		insightByKind:   make(map[string]int),
	}
}

func (m *JobMetrics) RecordExtract(ev ExtractMetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.extractCount++
	m.extractDurSum += ev.Overall
	m.extractCallSum += ev.Extract
	m.spendMicroUSD += ev.CostMicroUSD
	if ev.Method != "" {
		m.extractByMethod[ev.Method]++
	}
	switch ev.Outcome {
	case "ok":
		m.extractOK++
	case "cached":
		m.extractCached++
	default:
		m.extractErrors++
	}
}

func (m *JobMetrics) RecordInsight(ev InsightMetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insightCount++
	m.insightDurSum += ev.Overall
	if ev.Kind != "" {
		m.insightByKind[ev.Kind]++
	}
	if ev.Outcome == "ok" {
		m.insightOK++
	} else {
		m.insightErrors++
	}
}

// Snapshot returns a point-in-time view shaped for JSON output.
func (m *JobMetrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	avgMs := func(sum time.Duration, n int) float64 {
		if n == 0 {
			return 0
		}
		return float64(sum.Milliseconds()) / float64(n)
	}

	byMethod := make(map[string]int, len(m.extractByMethod))
	for k, v := range m.extractByMethod {
		byMethod[k] = v
	}
	byKind := make(map[string]int, len(m.insightByKind))
	for k, v := range m.insightByKind {
		byKind[k] = v
	}

	return map[string]any{
		"extract": map[string]any{
			"count":           m.extractCount,
			"ok":              m.extractOK,
			"cached":          m.extractCached,
			"errors":          m.extractErrors,
			"by_method":       byMethod,
			"avg_overall_ms":  avgMs(m.extractDurSum, m.extractCount),
			"avg_call_ms":     avgMs(m.extractCallSum, m.extractCount),
			"spend_micro_usd": m.spendMicroUSD,
		},
		"insight": map[string]any{
			"count":          m.insightCount,
			"ok":             m.insightOK,
			"errors":         m.insightErrors,
			"by_kind":        byKind,
			"avg_overall_ms": avgMs(m.insightDurSum, m.insightCount),
		},
	}
}
