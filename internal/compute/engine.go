// Package compute runs the background job side of engram. Extraction and
// insight jobs flow through a persistent queue under adaptive concurrency
// and RPM control, with provider spend charged against a session budget.
package compute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/Napageneral/taskengine/engine"
	"github.com/Napageneral/taskengine/queue"

	"github.com/Napageneral/engram/internal/extract"
	"github.com/Napageneral/engram/internal/gemini"
	"github.com/Napageneral/engram/internal/insights"
	"github.com/Napageneral/engram/internal/state"
)

const (
	JobTypeExtract = "extract"
	JobTypeInsight = "insight"
)

// Engine wraps the taskengine with engram-specific handlers and adaptive control
type Engine struct {
	db      *sql.DB
	client  *gemini.Client
	queue   *queue.Queue
	engine  *engine.Engine
	metrics *JobMetrics

	extractor  *extract.Extractor
	insightEng *insights.Engine

	// Adaptive control components
	sem               *AdaptiveSemaphore
	adaptiveCtrl      *AdaptiveController
	generateRPMCtrl   *AutoRPMController
	cancelControllers context.CancelFunc

	// Remaining provider budget for this engine's lifetime, micro-USD.
	// Workers read it before each call and charge actual cost after, so
	// concurrent jobs can overshoot by at most one call each before the
	// selector routes everything to the free methods.
	budgetRemaining atomic.Int64
}

// Config for the compute engine
type Config struct {
	WorkerCount      int
	Model            string
	ExtractorVersion string

	// Provider spend ceiling for everything this engine processes, in
	// micro-USD. Zero keeps extraction on the free methods;
	// extract.NoBudgetLimit removes the ceiling.
	BudgetMicroUSD int64

	// RPM setting (0 = auto-probe)
	GenerateRPM int

	// Disable adaptive concurrency controller (no in-flight throttling)
	DisableAdaptive bool
}

// DefaultConfig returns defaults sized for steady background extraction.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      16,
		Model:            "gemini-2.5-flash-lite",
		ExtractorVersion: "v1",
		BudgetMicroUSD:   extract.NoBudgetLimit,
		GenerateRPM:      0, // 0 = auto-probe
	}
}

// NewEngine creates a compute engine for engram with adaptive control.
// A nil client is allowed; extraction then runs on the free methods only.
func NewEngine(db *sql.DB, client *gemini.Client, cfg Config) (*Engine, error) {
	// Initialize the job queue schema
	if err := queue.Init(db); err != nil {
		return nil, fmt.Errorf("init queue schema: %w", err)
	}

	q := queue.New(db)

	engineCfg := engine.DefaultConfig()
	engineCfg.WorkerCount = cfg.WorkerCount
	engineCfg.LeaseOwner = "engram-compute"

	e := &Engine{
		db:      db,
		client:  client,
		queue:   q,
		engine:  engine.New(q, engineCfg),
		metrics: NewJobMetrics(),
		extractor: extract.New(db, extract.Options{
			Client:  client,
			Model:   cfg.Model,
			Version: cfg.ExtractorVersion,
		}),
		insightEng: insights.NewEngine(db),
	}
	e.budgetRemaining.Store(cfg.BudgetMicroUSD)

	// Setup RPM rate limiting.
	// If RPM is explicitly set (non-zero), use fixed RPM.
	// If 0, an auto-probe controller owns the limiter from Run().
	if client != nil {
		if cfg.GenerateRPM > 0 {
			client.SetGenerateRPM(cfg.GenerateRPM)
		} else {
			rpmCfg := DefaultAutoRPMConfig()
			// Resume from the ceiling the last run discovered instead of
			// re-probing from max every start.
			if saved, ok, _ := state.GetInt64(db, "compute", "generate_rpm"); ok && saved > 0 {
				rpmCfg.StartRPM = int(saved)
			}
			e.generateRPMCtrl = NewAutoRPMController(rpmCfg, client.SetGenerateRPM)
		}
	}

	// Create adaptive semaphore/controller for in-flight control (optional)
	if !cfg.DisableAdaptive {
		e.sem = NewAdaptiveSemaphore(cfg.WorkerCount)
		e.adaptiveCtrl = NewAdaptiveController(e.sem, DefaultAdaptiveControllerConfig(cfg.WorkerCount))
	}

	// Register handlers (adaptive control optional)
	e.engine.RegisterHandler(JobTypeExtract, e.wrapHandler(e.handleExtractJob, JobTypeExtract))
	e.engine.RegisterHandler(JobTypeInsight, e.wrapHandler(e.handleInsightJob, JobTypeInsight))

	return e, nil
}

// wrapHandler wraps a job handler with adaptive control (semaphore + observation)
func (e *Engine) wrapHandler(base func(context.Context, *queue.Job) error, jobType string) func(context.Context, *queue.Job) error {
	return func(ctx context.Context, job *queue.Job) error {
		// Acquire semaphore if adaptive control is enabled
		if e.sem != nil {
			if err := e.sem.Acquire(ctx); err != nil {
				return err
			}
			defer e.sem.Release()
		}

		start := time.Now()
		err := base(ctx, job)
		elapsed := time.Since(start)

		// Feed the adaptive controller
		if e.adaptiveCtrl != nil {
			e.adaptiveCtrl.Observe(elapsed, err)
		}

		// Only extract jobs touch the provider, so only they feed the RPM probe.
		if jobType == JobTypeExtract && e.generateRPMCtrl != nil {
			e.generateRPMCtrl.Observe(err)
		}

		return err
	}
}

// Close shuts down the engine gracefully
func (e *Engine) Close() error {
	// Stop controllers
	if e.cancelControllers != nil {
		e.cancelControllers()
	}
	if e.generateRPMCtrl != nil {
		_ = state.SetInt64(e.db, "compute", "generate_rpm", int64(e.generateRPMCtrl.CurrentRPM()))
	}
	// Drains pending cache-hit updates
	return e.extractor.Close()
}

// JobMetrics returns the job metrics collector
func (e *Engine) JobMetrics() *JobMetrics {
	return e.metrics
}

// Extractor exposes the engine's extractor for inline work and introspection.
func (e *Engine) Extractor() *extract.Extractor {
	return e.extractor
}

// Insights exposes the engine's insights generator.
func (e *Engine) Insights() *insights.Engine {
	return e.insightEng
}

// BudgetRemaining reports the micro-USD still spendable in this session.
func (e *Engine) BudgetRemaining() int64 {
	return e.budgetRemaining.Load()
}

// Run starts the compute engine and processes jobs until done or context cancelled
func (e *Engine) Run(ctx context.Context) (*engine.Stats, error) {
	// Create a cancellable context for the controllers
	ctrlCtx, cancel := context.WithCancel(ctx)
	e.cancelControllers = cancel

	// Start the adaptive controller
	if e.adaptiveCtrl != nil {
		e.adaptiveCtrl.Start(ctrlCtx)
	}

	// Start the RPM auto-controller
	if e.generateRPMCtrl != nil {
		e.generateRPMCtrl.Start(ctrlCtx)
	}

	return e.engine.Run(ctx)
}

// ControllerStats returns snapshots of all controller states
func (e *Engine) ControllerStats() map[string]any {
	stats := make(map[string]any)
	stats["adaptive_controller"] = json.RawMessage(e.adaptiveCtrl.SnapshotJSON())
	if e.generateRPMCtrl != nil {
		stats["generate_rpm_controller"] = json.RawMessage(e.generateRPMCtrl.SnapshotJSON())
	}
	stats["job_metrics"] = e.metrics.Snapshot()
	stats["hit_recorder"] = e.extractor.HitMetrics()
	stats["budget_remaining_micro_usd"] = e.budgetRemaining.Load()
	return stats
}

// EffectiveRPM returns the current effective RPM for provider calls
func (e *Engine) EffectiveRPM() int {
	if e.generateRPMCtrl != nil {
		return e.generateRPMCtrl.CurrentRPM()
	}
	return 0
}

// QueueStats returns current queue statistics
func (e *Engine) QueueStats() (*queue.Stats, error) {
	return e.queue.GetStats()
}

// EnqueueExtractions queues one extract job per item. The key dedupes
// re-enqueues of the same source inside the queue, so callers can submit
// overlapping batches without double work.
func (e *Engine) EnqueueExtractions(items []extract.Item) (int, error) {
	count := 0
	for _, item := range items {
		payload := ExtractJobPayload{
			TenantID:   item.TenantID,
			SourceType: item.SourceType,
			SourceID:   item.SourceID,
			Text:       item.Text,
			Intent:     item.Intent,
		}

		if err := e.queue.Enqueue(queue.EnqueueOptions{
			Type:    JobTypeExtract,
			Key:     fmt.Sprintf("extract:%s:%s:%s", item.TenantID, item.SourceType, item.SourceID),
			Payload: payload,
		}); err != nil {
			log.Printf("failed to enqueue extract for %s/%s: %v", item.SourceType, item.SourceID, err)
			continue
		}
		count++
	}

	return count, nil
}

// EnqueueInsight queues one insight job. Topic is only meaningful for
// topic_analysis and becomes part of the dedupe key when set.
func (e *Engine) EnqueueInsight(tenantID, kind, topic string, w insights.Window) error {
	payload := InsightJobPayload{
		TenantID:    tenantID,
		Kind:        kind,
		Topic:       topic,
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}

	key := fmt.Sprintf("insight:%s:%s:%d", tenantID, kind, w.Start)
	if topic != "" {
		key = fmt.Sprintf("insight:%s:%s:%s:%d", tenantID, kind, topic, w.Start)
	}

	return e.queue.Enqueue(queue.EnqueueOptions{
		Type:    JobTypeInsight,
		Key:     key,
		Payload: payload,
	})
}

// ExtractJobPayload carries one extraction source through the queue
type ExtractJobPayload struct {
	TenantID   string `json:"tenant_id"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Text       string `json:"text,omitempty"`
	Intent     string `json:"intent,omitempty"`
}

// InsightJobPayload asks for one generated insight over a window
type InsightJobPayload struct {
	TenantID    string `json:"tenant_id"`
	Kind        string `json:"kind"`
	Topic       string `json:"topic,omitempty"`
	WindowStart int64  `json:"window_start"`
	WindowEnd   int64  `json:"window_end"`
}

// handleExtractJob processes an extract job
func (e *Engine) handleExtractJob(ctx context.Context, job *queue.Job) error {
	overallStart := time.Now()
	var (
		extractDur time.Duration
		method     string
		cost       int64
		outcome    = "error"
	)
	defer func() {
		e.metrics.RecordExtract(ExtractMetricEvent{
			Extract:      extractDur,
			Overall:      time.Since(overallStart),
			Method:       method,
			Outcome:      outcome,
			CostMicroUSD: cost,
		})
	}()

	var payload ExtractJobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	item := extract.Item{
		TenantID:   payload.TenantID,
		SourceType: payload.SourceType,
		SourceID:   payload.SourceID,
		Text:       payload.Text,
		Intent:     payload.Intent,
	}

	t0 := time.Now()
	res, err := e.extractor.ExtractWithBudget(ctx, item, e.budgetRemaining.Load())
	extractDur = time.Since(t0)
	if err != nil {
		return err
	}

	method = res.Method
	if res.Cached {
		outcome = "cached"
		return nil
	}
	if res.CostMicroUSD > 0 {
		cost = res.CostMicroUSD
		e.budgetRemaining.Add(-res.CostMicroUSD)
	}
	outcome = "ok"
	return nil
}

// handleInsightJob processes an insight job
func (e *Engine) handleInsightJob(ctx context.Context, job *queue.Job) error {
	overallStart := time.Now()
	var (
		generateDur time.Duration
		kind        string
		outcome     = "error"
	)
	defer func() {
		e.metrics.RecordInsight(InsightMetricEvent{
			Generate: generateDur,
			Overall:  time.Since(overallStart),
			Kind:     kind,
			Outcome:  outcome,
		})
	}()

	var payload InsightJobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	kind = payload.Kind

	w := insights.Window{Start: payload.WindowStart, End: payload.WindowEnd}

	t0 := time.Now()
	var err error
	switch payload.Kind {
	case insights.KindSummary:
		_, err = e.insightEng.GenerateSummary(ctx, payload.TenantID, w)
	case insights.KindTopicAnalysis:
		_, err = e.insightEng.AnalyzeTopic(ctx, payload.TenantID, payload.Topic, w)
	default:
		return fmt.Errorf("unknown insight kind %q", payload.Kind)
	}
	generateDur = time.Since(t0)
	if err != nil {
		return err
	}

	outcome = "ok"
	return nil
}
