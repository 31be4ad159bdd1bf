package extract

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/Napageneral/engram/internal/gemini"
)

func setupExtractTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	// A second pooled connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// mockGeminiServer returns a server that answers every generateContent call
// with responseJSON as the candidate text.
func mockGeminiServer(t *testing.T, responseJSON string, calls *int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		response := map[string]interface{}{
			"candidates": []map[string]interface{}{
				{
					"content": map[string]interface{}{
						"parts": []map[string]interface{}{
							{"text": responseJSON},
						},
					},
				},
			},
			"usageMetadata": map[string]interface{}{
				"promptTokenCount":     1200,
				"candidatesTokenCount": 40,
				"totalTokenCount":      1240,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
}

// failingGeminiServer rejects every request with a non-retryable error so the
// client fails fast without burning through its retry backoff.
func failingGeminiServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":400,"message":"invalid request","status":"INVALID_ARGUMENT"}}`, http.StatusBadRequest)
	}))
}

func testClient(url string) *gemini.Client {
	c := gemini.NewClient("test-key")
	c.SetBaseURL(url)
	return c
}

func TestExtractKeywordPath(t *testing.T) {
	db := setupExtractTestDB(t)
	ctx := context.Background()

	e := New(db, Options{Version: "v1"})
	defer e.Close()

	ext, err := e.Extract(ctx, Item{
		TenantID:   "tenant-1",
		SourceType: "conversation",
		SourceID:   "c-1",
		Text:       "Reschedule the dentist appointment and pay the invoice",
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if ext.Method != MethodKeyword {
		t.Errorf("method = %q, want KEYWORD", ext.Method)
	}
	if ext.Cached {
		t.Error("first extraction must not be cached")
	}
	if ext.CostMicroUSD != 0 {
		t.Errorf("keyword extraction cost = %d, want 0", ext.CostMicroUSD)
	}
	if len(ext.Topics) == 0 {
		t.Fatal("expected topics")
	}
}

func TestExtractIdempotent(t *testing.T) {
	db := setupExtractTestDB(t)
	ctx := context.Background()

	e := New(db, Options{Version: "v1"})
	defer e.Close()

	item := Item{
		TenantID:   "tenant-1",
		SourceType: "conversation",
		SourceID:   "c-1",
		Text:       "Book a flight to Denver and a hotel downtown",
	}

	first, err := e.Extract(ctx, item)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	second, err := e.Extract(ctx, item)
	if err != nil {
		t.Fatalf("re-Extract failed: %v", err)
	}

	if !second.Cached {
		t.Error("second extraction should be cached")
	}
	if second.ID != first.ID {
		t.Errorf("cached row id = %s, want %s", second.ID, first.ID)
	}
	if second.CostMicroUSD != first.CostMicroUSD {
		t.Error("cached result must not accrue new cost")
	}

	// Exactly one row persisted.
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM extractions`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("extractions rows = %d, want 1", n)
	}

	// The cache hit is recorded once the queue drains.
	if err := e.FlushHits(); err != nil {
		t.Fatalf("FlushHits failed: %v", err)
	}
	stored, err := e.Store().GetBySource(ctx, "tenant-1", "conversation", "c-1", "v1")
	if err != nil {
		t.Fatalf("GetBySource failed: %v", err)
	}
	if stored.HitCount != 1 {
		t.Errorf("hit_count = %d, want 1", stored.HitCount)
	}
}

func TestExtractNewVersionSupersedes(t *testing.T) {
	db := setupExtractTestDB(t)
	ctx := context.Background()

	item := Item{
		TenantID:   "tenant-1",
		SourceType: "conversation",
		SourceID:   "c-1",
		Text:       "Book a flight to Denver",
	}

	v1 := New(db, Options{Version: "v1"})
	defer v1.Close()
	if _, err := v1.Extract(ctx, item); err != nil {
		t.Fatalf("v1 Extract failed: %v", err)
	}

	v2 := New(db, Options{Version: "v2"})
	defer v2.Close()
	ext, err := v2.Extract(ctx, item)
	if err != nil {
		t.Fatalf("v2 Extract failed: %v", err)
	}
	if ext.Cached {
		t.Error("new extractor version must re-extract, not serve the old row")
	}

	// Both versions' rows are retained.
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM extractions`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("extractions rows = %d, want 2", n)
	}
}

func TestExtractIntentPrecedence(t *testing.T) {
	db := setupExtractTestDB(t)
	ctx := context.Background()

	var calls int64
	server := mockGeminiServer(t, `{"topics":["travel"],"confidence":0.95}`, &calls)
	defer server.Close()

	e := New(db, Options{Client: testClient(server.URL), Version: "v1"})
	defer e.Close()

	ext, err := e.Extract(ctx, Item{
		TenantID:   "tenant-1",
		SourceType: "conversation",
		SourceID:   "c-1",
		Text:       "Find me a table for two somewhere nice on Saturday",
		Intent:     "find_restaurant",
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if ext.Method != MethodIntent {
		t.Errorf("method = %q, want INTENT", ext.Method)
	}
	if len(ext.Topics) != 1 || ext.Topics[0] != "food" {
		t.Errorf("topics = %v, want [food]", ext.Topics)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Error("intent extraction must not call the LLM")
	}
	if ext.CostMicroUSD != 0 {
		t.Errorf("intent extraction cost = %d, want 0", ext.CostMicroUSD)
	}
}

func TestExtractLLMPath(t *testing.T) {
	db := setupExtractTestDB(t)
	ctx := context.Background()

	server := mockGeminiServer(t, `{"topics":["travel","food"],"confidence":0.92}`, nil)
	defer server.Close()

	e := New(db, Options{Client: testClient(server.URL), Version: "v1"})
	defer e.Close()

	ext, err := e.Extract(ctx, Item{
		TenantID:   "tenant-1",
		SourceType: "conversation",
		SourceID:   "c-1",
		Text:       "Planning the anniversary: somewhere warm, good restaurants, direct flights only",
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if ext.Method != MethodLLM {
		t.Errorf("method = %q, want LLM", ext.Method)
	}
	if len(ext.Topics) != 2 {
		t.Errorf("topics = %v, want 2 entries", ext.Topics)
	}
	if ext.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", ext.Confidence)
	}
	if ext.InputTokens != 1200 || ext.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d, want 1200/40", ext.InputTokens, ext.OutputTokens)
	}
	if ext.CostMicroUSD != TokensCostMicroUSD(1200, 40) {
		t.Errorf("cost = %d, want %d", ext.CostMicroUSD, TokensCostMicroUSD(1200, 40))
	}
}

func TestExtractLLMFiltersUnknownTopics(t *testing.T) {
	db := setupExtractTestDB(t)
	ctx := context.Background()

	server := mockGeminiServer(t, `{"topics":["travel","made_up_topic","TRAVEL"],"confidence":0.9}`, nil)
	defer server.Close()

	e := New(db, Options{Client: testClient(server.URL), Version: "v1"})
	defer e.Close()

	ext, err := e.Extract(ctx, Item{
		TenantID:   "tenant-1",
		SourceType: "conversation",
		SourceID:   "c-1",
		Text:       "Thinking about where to go for the long weekend in October",
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(ext.Topics) != 1 || ext.Topics[0] != "travel" {
		t.Errorf("topics = %v, want deduplicated [travel]", ext.Topics)
	}
}

func TestExtractProviderFailureDegradesToKeyword(t *testing.T) {
	db := setupExtractTestDB(t)
	ctx := context.Background()

	server := failingGeminiServer(t)
	defer server.Close()

	e := New(db, Options{Client: testClient(server.URL), Version: "v1"})
	defer e.Close()

	ext, err := e.Extract(ctx, Item{
		TenantID:   "tenant-1",
		SourceType: "conversation",
		SourceID:   "c-1",
		Text:       "Need to reschedule the doctor appointment before the trip",
	})
	if err != nil {
		t.Fatalf("provider failure must not propagate, got: %v", err)
	}
	if ext.Method != MethodKeyword {
		t.Errorf("method = %q, want KEYWORD after degrade", ext.Method)
	}
	if ext.CostMicroUSD != 0 {
		t.Errorf("degraded extraction cost = %d, want 0", ext.CostMicroUSD)
	}
	if len(ext.Topics) == 0 {
		t.Error("degraded extraction should still produce topics")
	}
}

func TestExtractValidation(t *testing.T) {
	db := setupExtractTestDB(t)
	e := New(db, Options{Version: "v1"})
	defer e.Close()

	tests := []struct {
		name string
		item Item
	}{
		{"missing tenant", Item{SourceType: "conversation", SourceID: "c-1"}},
		{"missing source type", Item{TenantID: "tenant-1", SourceID: "c-1"}},
		{"missing source id", Item{TenantID: "tenant-1", SourceType: "conversation"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Extract(context.Background(), tt.item); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
