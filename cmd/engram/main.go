package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/engram/internal/bus"
	"github.com/Napageneral/engram/internal/compute"
	"github.com/Napageneral/engram/internal/config"
	"github.com/Napageneral/engram/internal/db"
	"github.com/Napageneral/engram/internal/extract"
	"github.com/Napageneral/engram/internal/gemini"
	"github.com/Napageneral/engram/internal/insights"
	"github.com/Napageneral/engram/internal/jobs"
	"github.com/Napageneral/engram/internal/lock"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "engram",
		Short: "Background intelligence for conversational memory",
		Long: `Engram runs the background side of a conversational memory store.
It extracts topics from conversation records under budget control and
turns the accumulated extractions into evidence-backed insights.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("engram %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize engram config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("Failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("Failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("Failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("Failed to create data directory: %v", err)
			}

			// Seed the config file on first run
			configPath := filepath.Join(configDir, "config.yaml")
			wroteConfig := false
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				cfg, err := config.Load()
				if err != nil {
					fail("Failed to load config: %v", err)
				}
				if err := cfg.Save(); err != nil {
					fail("Failed to write default config: %v", err)
				}
				wroteConfig = true
			}

			if err := db.Init(); err != nil {
				fail("Failed to initialize database: %v", err)
			}
			dbPath, err := db.GetPath()
			if err != nil {
				fail("Failed to get database path: %v", err)
			}

			result := Result{
				OK:        true,
				Message:   "Engram initialized successfully",
				ConfigDir: configDir,
				DataDir:   dataDir,
				DBPath:    dbPath,
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				if wroteConfig {
					fmt.Printf("✓ Default config written: %s\n", configPath)
				}
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nEngram initialized successfully!")
			}
		},
	})

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show extraction, job and lock status",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK          bool            `json:"ok"`
				DBPath      string          `json:"db_path"`
				Extractions *extract.Stats  `json:"extractions"`
				JobRuns     *jobs.RunTotals `json:"job_runs"`
				ActiveLocks int             `json:"active_locks"`
			}

			tenant, _ := cmd.Flags().GetString("tenant")

			database := mustOpenDB()
			defer database.Close()
			ctx := context.Background()

			dbPath, err := db.GetPath()
			if err != nil {
				fail("Failed to get database path: %v", err)
			}

			stats, err := extract.NewStore(database).GetStats(ctx, tenant)
			if err != nil {
				fail("Failed to read extraction stats: %v", err)
			}

			totals, err := jobs.NewRecorder(database).Totals(ctx, tenant, 0, time.Now().Unix()+1)
			if err != nil {
				fail("Failed to read job totals: %v", err)
			}

			leases, err := lock.List(ctx, database)
			if err != nil {
				fail("Failed to list locks: %v", err)
			}

			result := Result{
				OK:          true,
				DBPath:      dbPath,
				Extractions: stats,
				JobRuns:     totals,
				ActiveLocks: len(leases),
			}

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("Database: %s\n", result.DBPath)
				fmt.Printf("\nExtractions: %d total, %d cache hits, $%.4f spent\n",
					stats.Total, stats.TotalHits, stats.TotalCostUSD)
				for method, count := range stats.ByMethod {
					fmt.Printf("  %s: %d\n", method, count)
				}
				fmt.Printf("\nJob runs: %d total, %d succeeded, %d failed\n",
					totals.Runs, totals.Success, totals.Failed)
				fmt.Printf("Active locks: %d\n", result.ActiveLocks)
			}
		},
	}
	statusCmd.Flags().String("tenant", "", "Scope stats to one tenant")
	rootCmd.AddCommand(statusCmd)

	// jobs command
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and run background jobs",
	}

	jobsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent job runs",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK   bool          `json:"ok"`
				Runs []jobs.JobRun `json:"runs"`
			}

			tenant, _ := cmd.Flags().GetString("tenant")
			name, _ := cmd.Flags().GetString("name")
			limit, _ := cmd.Flags().GetInt("limit")

			database := mustOpenDB()
			defer database.Close()

			runs, err := jobs.NewRecorder(database).List(context.Background(), tenant, name, limit)
			if err != nil {
				fail("Failed to list job runs: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Runs: runs})
				return
			}

			if len(runs) == 0 {
				fmt.Println("No job runs recorded")
				return
			}
			for _, run := range runs {
				symbol := "✓"
				if run.Status != jobs.StatusSuccess {
					symbol = "✗"
				}
				line := fmt.Sprintf("%s %s %s/%s %s", symbol,
					time.Unix(run.StartedAt, 0).Format("2006-01-02 15:04:05"),
					run.TenantID, run.JobName, run.Status)
				if run.DurationMs != nil {
					line += fmt.Sprintf(" (%dms)", *run.DurationMs)
				}
				if run.OutputCount != nil && *run.OutputCount > 0 {
					line += fmt.Sprintf(" out=%d", *run.OutputCount)
				}
				if run.Error != nil {
					line += fmt.Sprintf(" error=%q", *run.Error)
				}
				fmt.Println(line)
			}
		},
	}
	jobsListCmd.Flags().String("tenant", "", "Filter by tenant")
	jobsListCmd.Flags().String("name", "", "Filter by job name")
	jobsListCmd.Flags().Int("limit", 20, "Maximum rows to return")

	jobsRunCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a named job under the cross-process lock",
	}

	jobsRunSummaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Generate the windowed summary insight as a coordinated job",
		Run: func(cmd *cobra.Command, args []string) {
			tenant, _ := cmd.Flags().GetString("tenant")
			days, _ := cmd.Flags().GetInt("days")
			if tenant == "" {
				fail("The --tenant flag is required")
			}

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}

			database := mustOpenDB()
			defer database.Close()
			ctx := context.Background()

			runner := jobs.NewRunner(database, time.Duration(cfg.Jobs.LockTTLMinutes)*time.Minute)
			w := insights.LastDays(days)
			ws := time.Unix(w.Start, 0)
			we := time.Unix(w.End, 0)

			res := runner.Run(ctx, jobs.RunSpec{
				TenantID:    tenant,
				JobName:     "insights_summary",
				JobVersion:  "v1",
				WindowStart: &ws,
				WindowEnd:   &we,
			}, func(ctx context.Context) (map[string]interface{}, error) {
				ins, err := insights.NewEngine(database).GenerateSummary(ctx, tenant, w)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"output_count": 1,
					"insight_id":   ins.ID,
				}, nil
			})

			if jsonOutput {
				printJSON(res)
				return
			}

			switch res.Status {
			case jobs.StatusSkipped:
				fmt.Printf("Skipped: %s\n", res.Reason)
			case jobs.StatusSuccess:
				fmt.Printf("✓ insights_summary for %s finished in %dms\n", tenant, res.DurationMs)
			default:
				fmt.Fprintf(os.Stderr, "✗ insights_summary failed: %s\n", res.Error)
				os.Exit(1)
			}
		},
	}
	jobsRunSummaryCmd.Flags().String("tenant", "", "Tenant to summarize")
	jobsRunSummaryCmd.Flags().Int("days", 7, "Window size in days")

	jobsRunCmd.AddCommand(jobsRunSummaryCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	rootCmd.AddCommand(jobsCmd)

	// locks command
	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect job locks",
	}
	locksListCmd := &cobra.Command{
		Use:   "list",
		Short: "List currently held job locks",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK    bool         `json:"ok"`
				Locks []lock.Lease `json:"locks"`
			}

			database := mustOpenDB()
			defer database.Close()

			leases, err := lock.List(context.Background(), database)
			if err != nil {
				fail("Failed to list locks: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Locks: leases})
				return
			}
			if len(leases) == 0 {
				fmt.Println("No locks held")
				return
			}
			for _, l := range leases {
				fmt.Printf("%d held by %s since %s (expires %s)\n",
					l.Key, l.Owner,
					time.Unix(l.AcquiredAt, 0).Format("15:04:05"),
					time.Unix(l.ExpiresAt, 0).Format("15:04:05"))
			}
		},
	}
	locksCmd.AddCommand(locksListCmd)
	rootCmd.AddCommand(locksCmd)

	// extract command
	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "Run topic extraction",
	}

	extractOneCmd := &cobra.Command{
		Use:   "one",
		Short: "Extract topics from a single record",
		Run: func(cmd *cobra.Command, args []string) {
			tenant, _ := cmd.Flags().GetString("tenant")
			sourceType, _ := cmd.Flags().GetString("source-type")
			sourceID, _ := cmd.Flags().GetString("source-id")
			text, _ := cmd.Flags().GetString("text")
			intent, _ := cmd.Flags().GetString("intent")

			if tenant == "" || sourceID == "" {
				fail("The --tenant and --source-id flags are required")
			}

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}

			database := mustOpenDB()
			defer database.Close()

			extractor := extract.New(database, extract.Options{
				Client:  geminiClient(cfg),
				Model:   cfg.Gemini.Model,
				Version: cfg.Extract.Version,
			})
			defer extractor.Close()

			ext, err := extractor.Extract(context.Background(), extract.Item{
				TenantID:   tenant,
				SourceType: sourceType,
				SourceID:   sourceID,
				Text:       text,
				Intent:     intent,
			})
			if err != nil {
				fail("Extraction failed: %v", err)
			}

			if jsonOutput {
				printJSON(ext)
				return
			}
			fmt.Printf("Topics: %v\n", ext.Topics)
			fmt.Printf("Method: %s (confidence %.2f)\n", ext.Method, ext.Confidence)
			if ext.Cached {
				fmt.Println("Served from cache")
			}
			if ext.CostMicroUSD > 0 {
				fmt.Printf("Cost: $%.6f\n", extract.MicroToUSD(ext.CostMicroUSD))
			}
		},
	}
	extractOneCmd.Flags().String("tenant", "", "Tenant the record belongs to")
	extractOneCmd.Flags().String("source-type", "conversation", "Record source type")
	extractOneCmd.Flags().String("source-id", "", "Record source id")
	extractOneCmd.Flags().String("text", "", "Record text")
	extractOneCmd.Flags().String("intent", "", "Precomputed intent label, if any")

	extractBatchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Extract topics for a JSONL file of records",
		Long: `Reads one JSON record per line ({"source_type", "source_id", "text",
"intent"}) and extracts topics for all of them under one spend budget.
With --enqueue the records are queued for the daemon instead of being
processed inline.`,
		Run: func(cmd *cobra.Command, args []string) {
			tenant, _ := cmd.Flags().GetString("tenant")
			file, _ := cmd.Flags().GetString("file")
			budgetUSD, _ := cmd.Flags().GetFloat64("budget-usd")
			enqueue, _ := cmd.Flags().GetBool("enqueue")

			if tenant == "" || file == "" {
				fail("The --tenant and --file flags are required")
			}

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if !cmd.Flags().Changed("budget-usd") {
				budgetUSD = cfg.Extract.BatchBudgetUSD
			}
			budgetMicro := extract.USDToMicro(budgetUSD)

			items, err := readItems(file, tenant)
			if err != nil {
				fail("Failed to read %s: %v", file, err)
			}
			if len(items) == 0 {
				fail("No records found in %s", file)
			}

			database := mustOpenDB()
			defer database.Close()

			if enqueue {
				eng, err := compute.NewEngine(database, geminiClient(cfg), compute.Config{
					WorkerCount:      cfg.Compute.Workers,
					Model:            cfg.Gemini.Model,
					ExtractorVersion: cfg.Extract.Version,
					BudgetMicroUSD:   budgetMicro,
					GenerateRPM:      cfg.Gemini.RPM,
				})
				if err != nil {
					fail("Failed to create engine: %v", err)
				}
				defer eng.Close()

				n, err := eng.EnqueueExtractions(items)
				if err != nil {
					fail("Failed to enqueue: %v", err)
				}
				if jsonOutput {
					printJSON(map[string]interface{}{"ok": true, "enqueued": n})
				} else {
					fmt.Printf("✓ Enqueued %d extraction jobs\n", n)
					fmt.Println("\nRun 'engram daemon' to process them")
				}
				return
			}

			extractor := extract.New(database, extract.Options{
				Client:  geminiClient(cfg),
				Model:   cfg.Gemini.Model,
				Version: cfg.Extract.Version,
			})
			defer extractor.Close()

			res := extract.NewBatchCoordinator(extractor).BatchExtract(context.Background(), items, budgetMicro)

			if jsonOutput {
				printJSON(res)
				return
			}
			fmt.Printf("Processed %d records (%d cache hits, %d errors)\n",
				res.ItemsProcessed, res.CacheHits, len(res.Errors))
			fmt.Printf("Spend: $%.6f of $%.2f budget\n", res.TotalCostUSD, budgetUSD)
			for _, e := range res.Errors {
				fmt.Printf("  ✗ %s: %s\n", e.SourceID, e.Message)
			}
		},
	}
	extractBatchCmd.Flags().String("tenant", "", "Tenant the records belong to")
	extractBatchCmd.Flags().String("file", "", "JSONL file of records")
	extractBatchCmd.Flags().Float64("budget-usd", 0, "Spend budget in USD (defaults to config)")
	extractBatchCmd.Flags().Bool("enqueue", false, "Queue for the daemon instead of processing inline")

	extractCmd.AddCommand(extractOneCmd)
	extractCmd.AddCommand(extractBatchCmd)
	rootCmd.AddCommand(extractCmd)

	// insights command
	insightsCmd := &cobra.Command{
		Use:   "insights",
		Short: "Generate and inspect insights",
	}

	insightsSummaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Generate a summary insight for a window",
		Run: func(cmd *cobra.Command, args []string) {
			tenant, _ := cmd.Flags().GetString("tenant")
			days, _ := cmd.Flags().GetInt("days")
			if tenant == "" {
				fail("The --tenant flag is required")
			}

			database := mustOpenDB()
			defer database.Close()

			ins, err := insights.NewEngine(database).GenerateSummary(context.Background(), tenant, insights.LastDays(days))
			if err != nil {
				fail("Failed to generate summary: %v", err)
			}
			printInsight(ins)
		},
	}
	insightsSummaryCmd.Flags().String("tenant", "", "Tenant to summarize")
	insightsSummaryCmd.Flags().Int("days", 7, "Window size in days")

	insightsTopicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Analyze one topic over a window",
		Run: func(cmd *cobra.Command, args []string) {
			tenant, _ := cmd.Flags().GetString("tenant")
			topic, _ := cmd.Flags().GetString("topic")
			days, _ := cmd.Flags().GetInt("days")
			if tenant == "" || topic == "" {
				fail("The --tenant and --topic flags are required")
			}

			database := mustOpenDB()
			defer database.Close()

			ins, err := insights.NewEngine(database).AnalyzeTopic(context.Background(), tenant, topic, insights.LastDays(days))
			if err != nil {
				fail("Failed to analyze topic: %v", err)
			}
			printInsight(ins)
		},
	}
	insightsTopicCmd.Flags().String("tenant", "", "Tenant to analyze")
	insightsTopicCmd.Flags().String("topic", "", "Topic to analyze")
	insightsTopicCmd.Flags().Int("days", 7, "Window size in days")

	insightsTrendsCmd := &cobra.Command{
		Use:   "trends",
		Short: "Show topic trends and detected patterns",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK       bool                 `json:"ok"`
				Topics   []insights.TopicStat `json:"topics"`
				Patterns []insights.Pattern   `json:"patterns"`
			}

			tenant, _ := cmd.Flags().GetString("tenant")
			days, _ := cmd.Flags().GetInt("days")
			if tenant == "" {
				fail("The --tenant flag is required")
			}

			database := mustOpenDB()
			defer database.Close()

			stats, patterns, err := insights.NewEngine(database).GetTrends(context.Background(), tenant, insights.LastDays(days))
			if err != nil {
				fail("Failed to compute trends: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Topics: stats, Patterns: patterns})
				return
			}
			if len(stats) == 0 {
				fmt.Println("No extractions in window")
				return
			}
			fmt.Println("Topics:")
			for _, s := range stats {
				line := fmt.Sprintf("  %-14s %4d  %s", s.Topic, s.Count, s.Trend)
				if s.Trend == insights.TrendUp || s.Trend == insights.TrendDown {
					line += fmt.Sprintf(" %+.0f%%", s.TrendPercent)
				}
				fmt.Println(line)
			}
			if len(patterns) > 0 {
				fmt.Println("\nPatterns:")
				for _, p := range patterns {
					fmt.Printf("  %s: %s\n", p.Kind, p.Description)
				}
			}
		},
	}
	insightsTrendsCmd.Flags().String("tenant", "", "Tenant to analyze")
	insightsTrendsCmd.Flags().Int("days", 7, "Window size in days")

	insightsRecommendCmd := &cobra.Command{
		Use:   "recommend",
		Short: "Show recommendations derived from trends",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK              bool                      `json:"ok"`
				Recommendations []insights.Recommendation `json:"recommendations"`
			}

			tenant, _ := cmd.Flags().GetString("tenant")
			days, _ := cmd.Flags().GetInt("days")
			if tenant == "" {
				fail("The --tenant flag is required")
			}

			database := mustOpenDB()
			defer database.Close()

			recs, err := insights.NewEngine(database).Recommendations(context.Background(), tenant, insights.LastDays(days))
			if err != nil {
				fail("Failed to build recommendations: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Recommendations: recs})
				return
			}
			if len(recs) == 0 {
				fmt.Println("Nothing to recommend")
				return
			}
			for _, r := range recs {
				fmt.Printf("[%s] %s\n", r.Priority, r.Action)
				if r.Context != "" {
					fmt.Printf("       %s\n", r.Context)
				}
			}
		},
	}
	insightsRecommendCmd.Flags().String("tenant", "", "Tenant to analyze")
	insightsRecommendCmd.Flags().Int("days", 7, "Window size in days")

	insightsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored insights",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK       bool                        `json:"ok"`
				Insights []insights.GeneratedInsight `json:"insights"`
			}

			tenant, _ := cmd.Flags().GetString("tenant")
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			database := mustOpenDB()
			defer database.Close()

			stored, err := insights.NewStore(database).List(context.Background(), tenant, kind, limit)
			if err != nil {
				fail("Failed to list insights: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Insights: stored})
				return
			}
			if len(stored) == 0 {
				fmt.Println("No insights stored")
				return
			}
			for _, ins := range stored {
				fmt.Printf("%s [%s] %s (confidence %.2f)\n",
					time.Unix(ins.CreatedAt, 0).Format("2006-01-02"),
					ins.Kind, ins.Title, ins.Confidence)
			}
		},
	}
	insightsListCmd.Flags().String("tenant", "", "Filter by tenant")
	insightsListCmd.Flags().String("kind", "", "Filter by insight kind")
	insightsListCmd.Flags().Int("limit", 20, "Maximum rows to return")

	insightsCmd.AddCommand(insightsSummaryCmd)
	insightsCmd.AddCommand(insightsTopicCmd)
	insightsCmd.AddCommand(insightsTrendsCmd)
	insightsCmd.AddCommand(insightsRecommendCmd)
	insightsCmd.AddCommand(insightsListCmd)
	rootCmd.AddCommand(insightsCmd)

	// daemon command
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Process queued extraction and insight jobs",
		Run: func(cmd *cobra.Command, args []string) {
			workers, _ := cmd.Flags().GetInt("workers")
			budgetUSD, _ := cmd.Flags().GetFloat64("budget-usd")
			rpm, _ := cmd.Flags().GetInt("rpm")

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if workers <= 0 {
				workers = cfg.Compute.Workers
			}
			if !cmd.Flags().Changed("rpm") {
				rpm = cfg.Gemini.RPM
			}

			budgetMicro := extract.NoBudgetLimit
			if cmd.Flags().Changed("budget-usd") {
				budgetMicro = extract.USDToMicro(budgetUSD)
			}

			database := mustOpenDB()
			defer database.Close()

			client := geminiClient(cfg)
			if client == nil {
				log.Printf("[daemon] no Gemini API key configured, extraction runs on free methods only")
			}

			eng, err := compute.NewEngine(database, client, compute.Config{
				WorkerCount:      workers,
				Model:            cfg.Gemini.Model,
				ExtractorVersion: cfg.Extract.Version,
				BudgetMicroUSD:   budgetMicro,
				GenerateRPM:      rpm,
			})
			if err != nil {
				fail("Failed to create engine: %v", err)
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Printf("[daemon] starting with %d workers, model %s", workers, cfg.Gemini.Model)
			stats, err := eng.Run(ctx)
			if err != nil && ctx.Err() == nil {
				fail("Engine stopped: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]interface{}{
					"ok":          true,
					"engine":      stats,
					"controllers": eng.ControllerStats(),
				})
				return
			}
			fmt.Printf("Engine finished: %+v\n", stats)
			fmt.Printf("Budget remaining: $%.6f\n", extract.MicroToUSD(eng.BudgetRemaining()))
		},
	}
	daemonCmd.Flags().Int("workers", 0, "Worker count (defaults to config)")
	daemonCmd.Flags().Float64("budget-usd", 0, "Session spend ceiling in USD (default unlimited)")
	daemonCmd.Flags().Int("rpm", 0, "Fixed provider RPM (0 = auto-probe)")
	rootCmd.AddCommand(daemonCmd)

	// bus command
	busCmd := &cobra.Command{
		Use:   "bus",
		Short: "Inspect the event bus",
	}
	busTailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent bus events",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK     bool        `json:"ok"`
				Events []bus.Event `json:"events"`
			}

			after, _ := cmd.Flags().GetInt64("after")
			limit, _ := cmd.Flags().GetInt("limit")

			database := mustOpenDB()
			defer database.Close()

			events, err := bus.List(database, after, limit)
			if err != nil {
				fail("Failed to list events: %v", err)
			}

			if jsonOutput {
				printJSON(Result{OK: true, Events: events})
				return
			}
			if len(events) == 0 {
				fmt.Println("No events")
				return
			}
			for _, ev := range events {
				line := fmt.Sprintf("[%d] %s %s", ev.Seq,
					time.Unix(ev.CreatedAt, 0).Format("15:04:05"), ev.Type)
				if ev.TenantID != nil {
					line += " tenant=" + *ev.TenantID
				}
				if ev.Payload != nil {
					line += " " + *ev.Payload
				}
				fmt.Println(line)
			}
		},
	}
	busTailCmd.Flags().Int64("after", 0, "Only events with a larger sequence number")
	busTailCmd.Flags().Int("limit", 50, "Maximum events to return")
	busCmd.AddCommand(busTailCmd)
	rootCmd.AddCommand(busCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// fail reports a command error in the selected output mode and exits.
func fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]interface{}{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func mustOpenDB() *sql.DB {
	database, err := db.Open()
	if err != nil {
		fail("Failed to open database: %v", err)
	}
	return database
}

// geminiClient builds a client from config, or nil when no key is set.
func geminiClient(cfg *config.Config) *gemini.Client {
	if cfg.Gemini.APIKey == "" {
		return nil
	}
	return gemini.NewClient(cfg.Gemini.APIKey)
}

func printInsight(ins *insights.GeneratedInsight) {
	if jsonOutput {
		printJSON(ins)
		return
	}
	fmt.Println(ins.Title)
	fmt.Printf("\n%s\n", ins.Summary)
	fmt.Printf("\nConfidence: %.2f\n", ins.Confidence)
	for _, ev := range ins.Evidence {
		fmt.Printf("Evidence: %d %s records (trust %s)\n",
			len(ev.SourceIDs), ev.SourceType, ev.TrustLevel)
	}
}

// readItems parses a JSONL file into extraction items for one tenant.
func readItems(path, tenant string) ([]extract.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []extract.Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item extract.Item
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if item.TenantID == "" {
			item.TenantID = tenant
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
