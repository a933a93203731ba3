package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func result(id string, relevance, confidence, success float64) models.KnowledgeResult {
	return models.KnowledgeResult{
		Entry: models.KnowledgeEntry{
			ID:          id,
			Title:       "Entry " + id,
			Content:     "content " + id,
			Confidence:  confidence,
			SuccessRate: success,
		},
		RelevanceScore: relevance,
	}
}

func TestScore(t *testing.T) {
	r := result("a", 0.8, 0.9, 0.5)
	assert.InDelta(t, 0.8*0.9+0.05, Score(r, "", now), 1e-9)

	r.Entry.Specialties = []string{"Ortopedia"}
	assert.InDelta(t, 0.72+0.1+0.05, Score(r, "ortopedia", now), 1e-9)

	r.Entry.LastUsed = now.Add(-6 * 24 * time.Hour)
	assert.InDelta(t, 0.72+0.1+0.05+0.05, Score(r, "ortopedia", now), 1e-9)

	r.Entry.LastUsed = now.Add(-8 * 24 * time.Hour)
	assert.InDelta(t, 0.72+0.1+0.05, Score(r, "ortopedia", now), 1e-9)
}

func TestRank_OrderAndTies(t *testing.T) {
	ranked := Rank([]models.KnowledgeResult{
		result("low", 0.3, 0.5, 0),
		result("b", 0.9, 0.9, 0),
		result("a", 0.9, 0.9, 0),
		result("mid", 0.7, 0.8, 0),
	}, "", now)

	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.Entry.ID
	}
	assert.Equal(t, []string{"a", "b", "mid", "low"}, ids)
}

func TestDedupe_KeepsHighestRelevance(t *testing.T) {
	out := Dedupe(
		[]models.KnowledgeResult{result("x", 0.4, 1, 0), result("y", 0.5, 1, 0)},
		[]models.KnowledgeResult{result("x", 0.9, 1, 0)},
	)
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0].Entry.ID)
	assert.Equal(t, 0.9, out[0].RelevanceScore)
}

func TestMerge_WeightedConfidence(t *testing.T) {
	a := result("a", 0.9, 0.9, 0.8)
	a.Entry.Techniques = []string{"Mobilização neural", "Pilates"}
	a.Entry.EvidenceLevel = "B"
	b := result("b", 0.3, 0.5, 0.6)
	b.Entry.Techniques = []string{"pilates", "Dry needling"}
	b.Entry.Conditions = []string{"Lombalgia"}
	b.Entry.EvidenceLevel = "A"

	merged := Merge(Rank([]models.KnowledgeResult{a, b}, "", now), 3, models.QueryTypeProtocolSuggestion)

	assert.InDelta(t, (0.9*0.9+0.3*0.5)/(0.9+0.3), merged.Confidence, 1e-9)
	assert.Len(t, merged.References, 2)
	assert.Equal(t, []string{"Mobilização neural", "Pilates", "Dry needling"}, merged.Suggestions)
	assert.Len(t, merged.FollowUpQuestions, 3)
	assert.Equal(t, "A", merged.Metadata.EvidenceLevel)
	assert.InDelta(t, 0.7, merged.Metadata.Reliability, 1e-9)
	assert.Contains(t, merged.Content, "## Entry a")
	assert.Contains(t, merged.Content, "## Entry b")
}

func TestMerge_ZeroRelevanceFallsBackToPlainAverage(t *testing.T) {
	merged := Merge(Rank([]models.KnowledgeResult{
		result("a", 0, 0.8, 0),
		result("b", 0, 0.4, 0),
	}, "", now), 5, models.QueryTypeGeneralQuestion)
	assert.InDelta(t, 0.6, merged.Confidence, 1e-9)
}

func TestMerge_SingleEntryHasNoHeader(t *testing.T) {
	merged := Merge(Rank([]models.KnowledgeResult{result("a", 1, 1, 1)}, "", now), 3, models.QueryTypeCaseAnalysis)
	assert.Equal(t, "content a", merged.Content)
}

func TestFollowUps_UnknownTypeUsesGeneral(t *testing.T) {
	assert.Equal(t, FollowUps(models.QueryTypeGeneralQuestion), FollowUps("other"))
}

type stubSearcher struct {
	results []models.KnowledgeResult
	err     error
}

func (s stubSearcher) Search(ctx context.Context, req SearchRequest) ([]models.KnowledgeResult, error) {
	return s.results, s.err
}

func TestMultiSource(t *testing.T) {
	ctx := context.Background()

	ms := NewMultiSource(
		NamedSearcher{Name: "sqlite", Searcher: stubSearcher{results: []models.KnowledgeResult{result("a", 0.5, 1, 0)}}},
		NamedSearcher{Name: "graph", Searcher: stubSearcher{err: errors.New("neo4j down")}},
		NamedSearcher{Name: "vector", Searcher: stubSearcher{results: []models.KnowledgeResult{result("a", 0.8, 1, 0), result("b", 0.6, 1, 0)}}},
	)
	out, err := ms.Search(ctx, SearchRequest{Text: "lombalgia"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	allDown := NewMultiSource(NamedSearcher{Name: "graph", Searcher: stubSearcher{err: errors.New("down")}})
	_, err = allDown.Search(ctx, SearchRequest{Text: "x"})
	assert.Error(t, err)
}

type markingSearcher struct {
	stubSearcher
	marked []string
}

func (m *markingSearcher) MarkUsed(_ context.Context, ids []string, _ time.Time) error {
	m.marked = append(m.marked, ids...)
	return nil
}

func TestMultiSource_MarkUsedForwardsToTrackingBackends(t *testing.T) {
	store := &markingSearcher{}
	ms := NewMultiSource(
		NamedSearcher{Name: "sqlite", Searcher: store},
		NamedSearcher{Name: "graph", Searcher: stubSearcher{}},
	)
	require.NoError(t, ms.MarkUsed(context.Background(), []string{"a", "b"}, now))
	assert.Equal(t, []string{"a", "b"}, store.marked)
}
