package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

func TestSearchTerms(t *testing.T) {
	terms := SearchTerms(knowledge.SearchRequest{
		Text:      "Exercícios para lombalgia",
		Symptoms:  []string{"Dor Lombar", "dor lombar"},
		Diagnosis: "Hérnia de disco",
	})

	assert.Equal(t, []string{
		"dor lombar",
		"exercícios",
		"exercícios para lombalgia",
		"hérnia de disco",
		"lombalgia",
	}, terms)

	assert.Empty(t, SearchTerms(knowledge.SearchRequest{Text: "  "}))
}

func TestRelevance(t *testing.T) {
	assert.Equal(t, 0.0, Relevance(0, 3))
	assert.Equal(t, 0.0, Relevance(2, 0))
	assert.Equal(t, 1.0, Relevance(3, 3))
	assert.InDelta(t, 0.25, Relevance(1, 4), 1e-9)
	assert.Equal(t, 0.5, Relevance(2, 8))
}

func TestEntryParams_BuildsNormalizedTerms(t *testing.T) {
	params := entryParams(&models.KnowledgeEntry{
		ID:          "k1",
		Title:       "Lombalgia",
		Conditions:  []string{"Lombalgia crônica"},
		Symptoms:    []string{"Dor  lombar"},
		Techniques:  []string{"McKenzie"},
		Specialties: nil,
	})

	assert.Equal(t, []map[string]any{
		{"kind": "condition", "name": "lombalgia crônica"},
		{"kind": "symptom", "name": "dor lombar"},
		{"kind": "technique", "name": "mckenzie"},
	}, params["terms"])
	assert.Equal(t, []string{}, params["specialties"])
}

func TestEntryFromRow(t *testing.T) {
	e := entryFromRow(map[string]any{
		"id":           "k1",
		"title":        "Ombro congelado",
		"confidence":   0.85,
		"success_rate": int64(1),
		"techniques":   []any{"mobilização", 3},
		"category":     "condition",
	})

	assert.Equal(t, "k1", e.ID)
	assert.Equal(t, 0.85, e.Confidence)
	assert.Equal(t, 1.0, e.SuccessRate)
	assert.Equal(t, []string{"mobilização"}, e.Techniques)
	assert.Equal(t, models.CategoryCondition, e.Category)
	assert.Nil(t, e.Symptoms)
}
