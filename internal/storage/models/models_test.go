package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuery(t *testing.T) {
	qc := QueryContext{TenantID: "clinic-a", UserRole: "physiotherapist", Symptoms: []string{"dor lombar"}}
	q := NewQuery("  exercícios lombalgia ", QueryTypeExerciseRecommendation, qc)

	assert.NotEmpty(t, q.ID)
	assert.Equal(t, "exercícios lombalgia", q.Text)
	assert.Equal(t, PriorityNormal, q.Priority)
	assert.Equal(t, FingerprintOf("exercícios lombalgia", QueryTypeExerciseRecommendation, qc), q.Fingerprint)

	qc.Symptoms[0] = "changed"
	assert.Equal(t, "dor lombar", q.Context.Symptoms[0], "query must not alias caller slices")
}

func TestQueryType_Valid(t *testing.T) {
	for _, qt := range QueryTypes {
		assert.True(t, qt.Valid(), qt)
	}
	assert.False(t, QueryType("astrology").Valid())
	assert.False(t, QueryType("").Valid())
}

func TestResponse_ServedFrom(t *testing.T) {
	orig := &Response{
		ID:          "r1",
		QueryID:     "q1",
		Content:     "Fortalecimento do core",
		Confidence:  0.82,
		Source:      SourcePremium,
		Suggestions: []string{"prancha"},
		CreatedAt:   time.Unix(0, 0),
	}
	now := time.Unix(100, 0)

	hit := orig.ServedFrom(SourceCache, "q2", now)
	require.NotNil(t, hit)
	assert.NotEqual(t, orig.ID, hit.ID)
	assert.Equal(t, "q2", hit.QueryID)
	assert.Equal(t, SourceCache, hit.Source)
	assert.Equal(t, now, hit.CreatedAt)
	assert.Equal(t, orig.Content, hit.Content)
	assert.Equal(t, orig.Confidence, hit.Confidence)

	hit.Suggestions[0] = "mutated"
	assert.Equal(t, "prancha", orig.Suggestions[0])
}
