package premium

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/physioclinic/ai-router/internal/llm"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

type fakeCompleter struct {
	content   string
	tokens    int
	err       error
	calls     int
	available bool
	lastReq   llm.CompletionRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.content, Model: "fake-model", Usage: llm.Usage{TotalTokens: f.tokens}}, nil
}

func (f *fakeCompleter) Available() bool { return f.available }

func newFake(content string, tokens int) *fakeCompleter {
	return &fakeCompleter{content: content, tokens: tokens, available: true}
}

func testQuery(qt models.QueryType) models.Query {
	return models.NewQuery("exercícios lombalgia", qt, models.QueryContext{
		TenantID:  "clinic-a",
		UserRole:  "physiotherapist",
		Specialty: "ortopedia",
		Symptoms:  []string{"dor lombar"},
	})
}

func TestSelectBestProvider_Ranking(t *testing.T) {
	general := &Provider{Name: "general", Priority: 1, CostPerToken: 0.00001, Client: newFake("a", 10)}
	specialist := &Provider{Name: "specialist", Priority: 5, CostPerToken: 0.0001,
		QueryTypes: []models.QueryType{models.QueryTypeDiagnosisHelp}, Client: newFake("b", 10)}
	research := &Provider{Name: "research", Priority: 1,
		QueryTypes: []models.QueryType{models.QueryTypeResearchQuery}, Client: newFake("c", 10)}

	m := NewManager([]*Provider{general, specialist, research}, Options{Clock: clockwork.NewFakeClock()})

	assert.Equal(t, "specialist", m.SelectBestProvider(models.QueryTypeDiagnosisHelp).Name)
	assert.Equal(t, "general", m.SelectBestProvider(models.QueryTypeExerciseRecommendation).Name)
	assert.Equal(t, "general", m.SelectBestProvider(models.QueryTypeDiagnosisHelp, "specialist").Name)
	assert.Nil(t, m.SelectBestProvider(models.QueryTypeCaseAnalysis, "general"))
}

func TestSelectBestProvider_SkipsLimitReachedAndOpenCircuit(t *testing.T) {
	cheap := &Provider{Name: "cheap", Priority: 1, Limits: Limits{MonthlyRequests: 1}, Client: newFake("x", 5)}
	broken := newFake("y", 5)
	broken.available = false
	down := &Provider{Name: "down", Priority: 2, Client: broken}
	backup := &Provider{Name: "backup", Priority: 3, Client: newFake("z", 5)}

	m := NewManager([]*Provider{cheap, down, backup}, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()

	require.Equal(t, "cheap", m.SelectBestProvider(models.QueryTypeGeneralQuestion).Name)
	_, err := m.Query(ctx, cheap, testQuery(models.QueryTypeGeneralQuestion))
	require.NoError(t, err)

	assert.Equal(t, models.ProviderLimitReached, m.UsageStatus("cheap"))
	assert.Equal(t, "backup", m.SelectBestProvider(models.QueryTypeGeneralQuestion).Name)
}

func TestSelectBestProvider_PrefersAvailableOverWarning(t *testing.T) {
	busy := &Provider{Name: "busy", Priority: 1, Limits: Limits{MonthlyRequests: 10}, Client: newFake("x", 1)}
	idle := &Provider{Name: "idle", Priority: 2, Client: newFake("y", 1)}
	m := NewManager([]*Provider{busy, idle}, Options{Clock: clockwork.NewFakeClock()})

	for i := 0; i < 8; i++ {
		_, err := m.Query(context.Background(), busy, testQuery(models.QueryTypeGeneralQuestion))
		require.NoError(t, err)
	}
	assert.Equal(t, models.ProviderWarning, m.UsageStatus("busy"))
	assert.Equal(t, "idle", m.SelectBestProvider(models.QueryTypeGeneralQuestion).Name)
}

func TestQuery_RecordsUsageAndBuildsResponse(t *testing.T) {
	fake := newFake("Ponte glútea, prancha e bird-dog, 3x12.", 120)
	p := &Provider{Name: "openai", Model: "gpt-4o-mini", CostPerToken: 0.0001, Client: fake}
	m := NewManager([]*Provider{p}, Options{Clock: clockwork.NewFakeClock()})

	q := testQuery(models.QueryTypeExerciseRecommendation)
	res, err := m.Query(context.Background(), p, q)
	require.NoError(t, err)

	assert.Equal(t, 120, res.Tokens)
	assert.InDelta(t, 0.012, res.Cost, 1e-9)
	assert.Equal(t, models.SourcePremium, res.Response.Source)
	assert.Equal(t, "openai", res.Response.Provider)
	assert.Equal(t, q.ID, res.Response.QueryID)
	assert.Equal(t, 0.7, res.Response.Metadata.Reliability)
	assert.Len(t, res.Response.FollowUpQuestions, 3)

	assert.Contains(t, fake.lastReq.UserPrompt, "exercícios lombalgia")
	assert.Contains(t, fake.lastReq.UserPrompt, "Symptoms: dor lombar")
	assert.Contains(t, fake.lastReq.SystemPrompt, "sets, repetitions")

	usage := m.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(1), usage[0].Requests)
	assert.Equal(t, int64(120), usage[0].Tokens)
	assert.Equal(t, models.ProviderAvailable, usage[0].Status)
}

func TestQuery_EstimatesTokensWhenProviderOmitsUsage(t *testing.T) {
	p := &Provider{Name: "gemini", CostPerToken: 1, Client: newFake("abcdefgh", 0)}
	m := NewManager([]*Provider{p}, Options{Clock: clockwork.NewFakeClock()})

	res, err := m.Query(context.Background(), p, testQuery(models.QueryTypeGeneralQuestion))
	require.NoError(t, err)
	assert.Greater(t, res.Tokens, 2)
	assert.Equal(t, float64(res.Tokens), res.Cost)
}

func TestQuery_QuotaExceeded(t *testing.T) {
	fake := newFake("x", 1000)
	p := &Provider{Name: "capped", CostPerToken: 0.01, Limits: Limits{MonthlyCost: 5}, Client: fake}
	m := NewManager([]*Provider{p}, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()

	_, err := m.Query(ctx, p, testQuery(models.QueryTypeGeneralQuestion))
	require.NoError(t, err)

	_, err = m.Query(ctx, p, testQuery(models.QueryTypeGeneralQuestion))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 1, fake.calls)
}

func TestQuery_FailureIsCountedAndWrapped(t *testing.T) {
	boom := errors.New("upstream 500")
	p := &Provider{Name: "anthropic", Client: &fakeCompleter{err: boom, available: true}}
	m := NewManager([]*Provider{p}, Options{Clock: clockwork.NewFakeClock()})

	_, err := m.Query(context.Background(), p, testQuery(models.QueryTypeGeneralQuestion))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), m.Usage()[0].Failures)
}

func TestUsage_ResetsEachMonth(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC))
	p := &Provider{Name: "openai", Limits: Limits{MonthlyRequests: 1}, Client: newFake("x", 1)}
	m := NewManager([]*Provider{p}, Options{Clock: clock})

	_, err := m.Query(context.Background(), p, testQuery(models.QueryTypeGeneralQuestion))
	require.NoError(t, err)
	assert.Equal(t, models.ProviderLimitReached, m.UsageStatus("openai"))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, models.ProviderAvailable, m.UsageStatus("openai"))
	assert.Equal(t, int64(0), m.Usage()[0].Requests)
}

func TestQuery_NilProvider(t *testing.T) {
	m := NewManager(nil, Options{})
	_, err := m.Query(context.Background(), nil, testQuery(models.QueryTypeGeneralQuestion))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, models.ProviderLimitReached, m.UsageStatus("missing"))
}
