package zilliz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

func TestQueryText(t *testing.T) {
	got := QueryText(knowledge.SearchRequest{
		Text:      " exercícios lombalgia ",
		Symptoms:  []string{"dor lombar", "rigidez"},
		Diagnosis: "hérnia de disco",
	})
	assert.Equal(t, "exercícios lombalgia\nSymptoms: dor lombar, rigidez\nDiagnosis: hérnia de disco", got)
	assert.Empty(t, QueryText(knowledge.SearchRequest{}))
}

func TestTenantExpr(t *testing.T) {
	assert.Equal(t, `tenant_id == ""`, TenantExpr(""))
	assert.Equal(t, `tenant_id in ["", "clinic-a"]`, TenantExpr("clinic-a"))
	assert.Equal(t, `tenant_id in ["", "a\"b"]`, TenantExpr(`a"b`))
}

func TestRelevanceFromDistance(t *testing.T) {
	assert.Equal(t, 1.0, RelevanceFromDistance(0))
	assert.Equal(t, 1.0, RelevanceFromDistance(-1))
	assert.InDelta(t, 0.5, RelevanceFromDistance(1), 1e-9)
	assert.Less(t, RelevanceFromDistance(4), RelevanceFromDistance(1))
}

func TestEntryRoundTripThroughRow(t *testing.T) {
	e := &models.KnowledgeEntry{
		ID:         "k1",
		Title:      "Tendinopatia patelar",
		Content:    "Exercícios excêntricos.",
		Category:   models.CategoryExercise,
		Confidence: 0.8,
		Conditions: []string{"tendinopatia"},
		Techniques: []string{"excêntrico"},
	}
	row := map[string]any{
		"entry_id":   e.ID,
		"title":      e.Title,
		"content":    e.Content,
		"category":   string(e.Category),
		"confidence": e.Confidence,
		"tags":       encodeTags(e),
	}

	got := entryFromRow(row)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Conditions, got.Conditions)
	assert.Equal(t, e.Techniques, got.Techniques)
	assert.Equal(t, 0.8, got.Confidence)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "ab", truncate("ab", 5))
	assert.Equal(t, "exerc", truncate("exercícios", 6))
	assert.Equal(t, "exercí", truncate("exercícios", 7))
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	return []float32{0.1, 0.2}, nil
}

type mapCache struct {
	data map[string][]float32
	err  error
}

func (m *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	m.data[key] = v
	return nil
}

func TestEmbed_UsesCache(t *testing.T) {
	emb := &fakeEmbedder{}
	cache := &mapCache{data: map[string][]float32{}}
	z := &Client{embedder: emb, cache: cache, log: nopLogger()}

	for i := 0; i < 3; i++ {
		v, err := z.embed(context.Background(), "dor no ombro")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.1, 0.2}, v)
	}
	assert.Equal(t, 1, emb.calls)

	cache.err = errors.New("redis down")
	_, err := z.embed(context.Background(), "dor no ombro")
	require.NoError(t, err)
	assert.Equal(t, 2, emb.calls)
}

func nopLogger() *zap.Logger { return zap.NewNop() }
