package zilliz

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

type tags struct {
	Specialties []string `json:"sp,omitempty"`
	Conditions  []string `json:"co,omitempty"`
	Techniques  []string `json:"te,omitempty"`
	Symptoms    []string `json:"sy,omitempty"`
}

// EntryText is what gets embedded for an entry.
func EntryText(e *models.KnowledgeEntry) string {
	parts := []string{e.Title}
	if len(e.Conditions) > 0 {
		parts = append(parts, "Conditions: "+strings.Join(e.Conditions, ", "))
	}
	if len(e.Symptoms) > 0 {
		parts = append(parts, "Symptoms: "+strings.Join(e.Symptoms, ", "))
	}
	if len(e.Techniques) > 0 {
		parts = append(parts, "Techniques: "+strings.Join(e.Techniques, ", "))
	}
	parts = append(parts, truncate(e.Content, maxContentBytes))
	return strings.Join(parts, "\n")
}

// QueryText combines the free text with the clinical context so one
// embedding covers the whole request.
func QueryText(req knowledge.SearchRequest) string {
	parts := make([]string, 0, 3)
	if t := strings.TrimSpace(req.Text); t != "" {
		parts = append(parts, t)
	}
	if len(req.Symptoms) > 0 {
		parts = append(parts, "Symptoms: "+strings.Join(req.Symptoms, ", "))
	}
	if d := strings.TrimSpace(req.Diagnosis); d != "" {
		parts = append(parts, "Diagnosis: "+d)
	}
	return strings.Join(parts, "\n")
}

// TenantExpr limits results to global entries and the tenant's own.
func TenantExpr(tenantID string) string {
	if tenantID == "" {
		return `tenant_id == ""`
	}
	return `tenant_id in ["", ` + strconv.Quote(tenantID) + `]`
}

func idExpr(id string) string {
	return "entry_id in [" + strconv.Quote(id) + "]"
}

// RelevanceFromDistance maps an L2 distance onto (0, 1].
func RelevanceFromDistance(d float32) float64 {
	if d < 0 {
		d = 0
	}
	return 1 / (1 + float64(d))
}

func encodeTags(e *models.KnowledgeEntry) string {
	data, _ := json.Marshal(tags{
		Specialties: e.Specialties,
		Conditions:  e.Conditions,
		Techniques:  e.Techniques,
		Symptoms:    e.Symptoms,
	})
	return string(data)
}

func entryFromRow(row map[string]any) models.KnowledgeEntry {
	var t tags
	if s, ok := row["tags"].(string); ok && s != "" {
		_ = json.Unmarshal([]byte(s), &t)
	}
	return models.KnowledgeEntry{
		ID:            asString(row["entry_id"]),
		TenantID:      asString(row["tenant_id"]),
		Title:         asString(row["title"]),
		Content:       asString(row["content"]),
		Category:      models.KnowledgeCategory(asString(row["category"])),
		Confidence:    asFloat(row["confidence"]),
		SuccessRate:   asFloat(row["success_rate"]),
		EvidenceLevel: asString(row["evidence_level"]),
		SourceURL:     asString(row["source_url"]),
		Specialties:   t.Specialties,
		Conditions:    t.Conditions,
		Techniques:    t.Techniques,
		Symptoms:      t.Symptoms,
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	}
	return 0
}
