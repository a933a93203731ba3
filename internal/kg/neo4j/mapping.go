package neo4j

import (
	"sort"
	"strings"

	"github.com/physioclinic/ai-router/internal/fingerprint"
	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

const (
	termCondition = "condition"
	termSymptom   = "symptom"
	termTechnique = "technique"
	termSpecialty = "specialty"
)

// minTermRunes drops short words like articles from free-text terms.
const minTermRunes = 5

func entryParams(e *models.KnowledgeEntry) map[string]any {
	var terms []map[string]any
	add := func(kind string, values []string) {
		for _, v := range values {
			if n := fingerprint.Normalize(v); n != "" {
				terms = append(terms, map[string]any{"kind": kind, "name": n})
			}
		}
	}
	add(termCondition, e.Conditions)
	add(termSymptom, e.Symptoms)
	add(termTechnique, e.Techniques)
	add(termSpecialty, e.Specialties)
	if terms == nil {
		terms = []map[string]any{}
	}

	return map[string]any{
		"id":             e.ID,
		"tenant_id":      e.TenantID,
		"title":          e.Title,
		"content":        e.Content,
		"category":       string(e.Category),
		"confidence":     e.Confidence,
		"success_rate":   e.SuccessRate,
		"evidence_level": e.EvidenceLevel,
		"source_url":     e.SourceURL,
		"specialties":    nonNil(e.Specialties),
		"conditions":     nonNil(e.Conditions),
		"techniques":     nonNil(e.Techniques),
		"symptoms":       nonNil(e.Symptoms),
		"terms":          terms,
	}
}

// SearchTerms turns a request into normalized graph term names: each
// symptom, the diagnosis, the whole text and its longer words.
func SearchTerms(req knowledge.SearchRequest) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		n := fingerprint.Normalize(s)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}

	for _, s := range req.Symptoms {
		add(s)
	}
	add(req.Diagnosis)
	if text := fingerprint.Normalize(req.Text); text != "" {
		add(text)
		for _, w := range strings.Fields(text) {
			if len([]rune(w)) >= minTermRunes {
				add(w)
			}
		}
	}
	sort.Strings(out)
	return out
}

func Relevance(hits, terms int) float64 {
	if terms <= 0 || hits <= 0 {
		return 0
	}
	r := float64(hits) / float64(terms)
	// a single strong link is already meaningful for long free-text queries
	if r < 0.5 && hits >= 2 {
		r = 0.5
	}
	if r > 1 {
		return 1
	}
	return r
}

func entryFromRow(row map[string]any) models.KnowledgeEntry {
	return models.KnowledgeEntry{
		ID:            asString(row["id"]),
		TenantID:      asString(row["tenant_id"]),
		Title:         asString(row["title"]),
		Content:       asString(row["content"]),
		Category:      models.KnowledgeCategory(asString(row["category"])),
		Confidence:    asFloat(row["confidence"]),
		SuccessRate:   asFloat(row["success_rate"]),
		EvidenceLevel: asString(row["evidence_level"]),
		SourceURL:     asString(row["source_url"]),
		Specialties:   asStrings(row["specialties"]),
		Conditions:    asStrings(row["conditions"]),
		Techniques:    asStrings(row["techniques"]),
		Symptoms:      asStrings(row["symptoms"]),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
