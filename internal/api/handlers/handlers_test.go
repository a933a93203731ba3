package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/physioclinic/ai-router/internal/analytics"
	"github.com/physioclinic/ai-router/internal/ingestion"
	"github.com/physioclinic/ai-router/internal/query"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/internal/storage/sqlite"
	"github.com/physioclinic/ai-router/internal/warmer"
)

type fakeQueryService struct {
	mu      sync.Mutex
	last    models.Query
	cfg     query.Config
	savings analytics.SavingsReport
}

func (f *fakeQueryService) ProcessQuery(_ context.Context, q models.Query) (*models.Response, error) {
	f.mu.Lock()
	f.last = q
	f.mu.Unlock()
	if q.Context.TenantID == "" {
		return nil, &query.ValidationError{Field: "context.tenantId", Reason: "is required"}
	}
	return &models.Response{ID: "r1", QueryID: q.ID, Content: "answer", Confidence: 0.9, Source: models.SourceInternal}, nil
}

func (f *fakeQueryService) ServiceStats() query.ServiceStats {
	return query.ServiceStats{TotalQueries: 3, QueriesBySource: map[models.Source]int64{models.SourceCache: 3}}
}

func (f *fakeQueryService) GenerateSavingsReport(p analytics.Period) (analytics.SavingsReport, error) {
	r := f.savings
	r.Period = p
	return r, nil
}

func (f *fakeQueryService) Config() query.Config { return f.cfg }

func (f *fakeQueryService) UpdateConfig(p query.ConfigPatch) (query.Config, error) {
	if p.InternalConfidenceThreshold != nil && *p.InternalConfidenceThreshold > 1 {
		return f.cfg, &query.ValidationError{Field: "config", Reason: "threshold out of range"}
	}
	if p.InternalConfidenceThreshold != nil {
		f.cfg.InternalConfidenceThreshold = *p.InternalConfidenceThreshold
	}
	return f.cfg, nil
}

type fakeWarmer struct {
	running bool
	ran     chan string
}

func (f *fakeWarmer) Stats() warmer.Stats { return warmer.Stats{Completed: 4} }

func (f *fakeWarmer) Strategies() []warmer.StrategyConfig {
	return []warmer.StrategyConfig{{Name: "popular", Schedule: "0 */6 * * *"}}
}

func (f *fakeWarmer) Running() bool { return f.running }

func (f *fakeWarmer) RunStrategy(_ context.Context, name string) (*warmer.RunReport, error) {
	f.ran <- name
	return &warmer.RunReport{Strategy: name}, nil
}

type fakeProcessor struct{}

func (fakeProcessor) ProcessDocument(_ context.Context, doc ingestion.Document) (*models.KnowledgeEntry, error) {
	if doc.URL == "" {
		return nil, ingestion.ErrInvalidDocument
	}
	return &models.KnowledgeEntry{ID: "k1", TenantID: doc.TenantID, Title: "LCA", Category: models.CategoryProtocol}, nil
}

type fakeFeedback struct{}

func (fakeFeedback) RecordFeedback(_ context.Context, id string, helpful bool) (float64, error) {
	if id != "k1" {
		return 0, sqlite.ErrEntryNotFound
	}
	if helpful {
		return 0.55, nil
	}
	return 0.45, nil
}

type fakeUsage struct{}

func (fakeUsage) Usage() []models.ProviderUsage {
	return []models.ProviderUsage{
		{Provider: "openai", Status: models.ProviderAvailable},
		{Provider: "claude", Status: models.ProviderLimitReached},
	}
}

type testApp struct {
	app     *fiber.App
	queries *fakeQueryService
	warmer  *fakeWarmer
	records *analytics.Collector
	clock   *clockwork.FakeClock
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	ta := &testApp{
		app:     fiber.New(),
		queries: &fakeQueryService{cfg: query.DefaultConfig()},
		warmer:  &fakeWarmer{ran: make(chan string, 1)},
		records: analytics.NewCollector(analytics.Options{Clock: clock}),
		clock:   clock,
	}
	Handlers{
		Query:     NewQueryHandler(ta.queries),
		Analytics: NewAnalyticsHandler(ta.records, clock),
		Providers: NewProvidersHandler(fakeUsage{}),
		Warmer:    NewWarmerHandler(context.Background(), ta.warmer),
		Documents: NewDocumentHandler(fakeProcessor{}, fakeFeedback{}),
	}.Register(ta.app.Group("/api/v1"))
	return ta
}

func (ta *testApp) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHandleQuery(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.do(t, http.MethodPost, "/api/v1/query", map[string]any{
		"text":    "exercícios lombalgia",
		"type":    "exercise_recommendation",
		"context": map[string]any{"tenantId": "clinic-a", "symptoms": []string{"dor lombar"}},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "answer", body["content"])
	assert.Equal(t, "internal", body["source"])

	assert.Equal(t, models.QueryTypeExerciseRecommendation, ta.queries.last.Type)
	assert.Equal(t, []string{"dor lombar"}, ta.queries.last.Context.Symptoms)
	assert.NotEmpty(t, ta.queries.last.Fingerprint)
}

func TestHandleQuery_TenantHeaderAndDefaultType(t *testing.T) {
	ta := newTestApp(t)

	resp, _ := ta.do(t, http.MethodPost, "/api/v1/query",
		map[string]any{"text": "o que é tendinite?", "maxResponseTimeMs": 1500},
		TenantHeader, "clinic-b")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "clinic-b", ta.queries.last.Context.TenantID)
	assert.Equal(t, models.QueryTypeGeneralQuestion, ta.queries.last.Type)
	assert.Equal(t, 1500*time.Millisecond, ta.queries.last.MaxResponseTime)
}

func TestHandleQuery_ValidationErrorIs400(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.do(t, http.MethodPost, "/api/v1/query", map[string]any{"text": "dor no joelho"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "context.tenantId", body["field"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	raw, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, raw.StatusCode)
}

func TestStatsSavingsAndConfig(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["totalQueries"])

	resp, body = ta.do(t, http.MethodGet, "/api/v1/savings?period=week", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "week", body["period"])

	resp, body = ta.do(t, http.MethodGet, "/api/v1/savings?period=decade", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "period", body["field"])

	resp, body = ta.do(t, http.MethodPatch, "/api/v1/config", map[string]any{"internalConfidenceThreshold": 0.8})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.8, body["internalConfidenceThreshold"])

	resp, _ = ta.do(t, http.MethodPatch, "/api/v1/config", map[string]any{"internalConfidenceThreshold": 3})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = ta.do(t, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.8, body["internalConfidenceThreshold"])
}

func TestAnalyticsEndpoints(t *testing.T) {
	ta := newTestApp(t)
	now := ta.clock.Now()
	for i := 0; i < 4; i++ {
		ta.records.Record(context.Background(), models.UsageRecord{
			Timestamp:        now.Add(-time.Duration(i) * time.Minute),
			QueryID:          "q",
			Fingerprint:      "fp-premium",
			Text:             "exercícios lombalgia",
			Type:             models.QueryTypeExerciseRecommendation,
			Source:           models.SourcePremium,
			Provider:         "openai",
			ResponseTime:     time.Second,
			Confidence:       0.8,
			ActualCost:       0.01,
			TenantID:         "clinic-a",
			AttemptedSources: []models.Source{models.SourceInternal, models.SourceCache, models.SourcePremium},
		})
	}

	resp, body := ta.do(t, http.MethodGet, "/api/v1/analytics/metrics?period=day", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 4, body["totalQueries"])

	resp, body = ta.do(t, http.MethodGet, "/api/v1/analytics/top-queries?limit=5", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["queries"], 1)

	resp, body = ta.do(t, http.MethodGet, "/api/v1/analytics/trends?period=day&bucket=30m", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "30m0s", body["bucket"])

	resp, _ = ta.do(t, http.MethodGet, "/api/v1/analytics/trends?bucket=soon", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = ta.do(t, http.MethodGet, "/api/v1/analytics/metrics?from=yesterday", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = ta.do(t, http.MethodGet, "/api/v1/analytics/insights", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	insights, ok := body["insights"].([]any)
	require.True(t, ok)
	metrics := make([]string, 0, len(insights))
	for _, raw := range insights {
		metrics = append(metrics, raw.(map[string]any)["metric"].(string))
	}
	assert.Contains(t, metrics, "premiumShare")
	assert.Contains(t, metrics, "cacheHitRate")
}

func TestProvidersEndpoint(t *testing.T) {
	ta := newTestApp(t)
	resp, body := ta.do(t, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["available"])
	assert.Len(t, body["providers"], 2)
}

func TestWarmerEndpoints(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.do(t, http.MethodGet, "/api/v1/warmer", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["strategies"], 1)

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/warmer/run/unknown", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/warmer/run/popular", nil)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	select {
	case name := <-ta.warmer.ran:
		assert.Equal(t, "popular", name)
	case <-time.After(time.Second):
		t.Fatal("warming run was not started")
	}

	ta.warmer.running = true
	resp, _ = ta.do(t, http.MethodPost, "/api/v1/warmer/run/popular", nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestDocumentEndpoints(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.do(t, http.MethodPost, "/api/v1/knowledge/documents",
		map[string]any{"url": "https://clinic.example/lca", "html": "<p>x</p>"},
		TenantHeader, "clinic-a")
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, "k1", body["id"])

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/knowledge/documents", map[string]any{"html": "<p>x</p>"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = ta.do(t, http.MethodPost, "/api/v1/knowledge/feedback", map[string]any{"entryId": "k1", "helpful": true})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.55, body["successRate"])

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/knowledge/feedback", map[string]any{"entryId": "nope", "helpful": false})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/knowledge/feedback", map[string]any{"entryId": "k1"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
