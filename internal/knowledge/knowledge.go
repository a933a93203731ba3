// Package knowledge ranks internal knowledge-base candidates and merges the
// best of them into a single answer.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

const (
	specialtyBonus   = 0.1
	recentUseBonus   = 0.05
	recentUseWindow  = 7 * 24 * time.Hour
	successRateScale = 0.1

	maxSuggestions = 3
	maxFollowUps   = 3
)

type SearchRequest struct {
	Text      string
	Symptoms  []string
	Diagnosis string
	Specialty string
	TenantID  string
	Limit     int
}

type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]models.KnowledgeResult, error)
}

type Ranked struct {
	models.KnowledgeResult
	Score float64
}

// Score is relevance x confidence plus bonuses for specialty match, use in
// the last week, and historical success rate.
func Score(r models.KnowledgeResult, specialty string, now time.Time) float64 {
	e := r.Entry
	score := r.RelevanceScore * e.Confidence
	if specialty != "" && containsFold(e.Specialties, specialty) {
		score += specialtyBonus
	}
	if !e.LastUsed.IsZero() && now.Sub(e.LastUsed) <= recentUseWindow {
		score += recentUseBonus
	}
	score += clamp01(e.SuccessRate) * successRateScale
	return score
}

func Rank(results []models.KnowledgeResult, specialty string, now time.Time) []Ranked {
	ranked := make([]Ranked, 0, len(results))
	for _, r := range results {
		ranked = append(ranked, Ranked{KnowledgeResult: r, Score: Score(r, specialty, now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].RelevanceScore != ranked[j].RelevanceScore {
			return ranked[i].RelevanceScore > ranked[j].RelevanceScore
		}
		return ranked[i].Entry.ID < ranked[j].Entry.ID
	})
	return ranked
}

// Dedupe keeps one result per entry ID, the one with the highest relevance.
func Dedupe(sets ...[]models.KnowledgeResult) []models.KnowledgeResult {
	index := make(map[string]int)
	var out []models.KnowledgeResult
	for _, set := range sets {
		for _, r := range set {
			if i, ok := index[r.Entry.ID]; ok {
				if r.RelevanceScore > out[i].RelevanceScore {
					out[i] = r
				}
				continue
			}
			index[r.Entry.ID] = len(out)
			out = append(out, r)
		}
	}
	return out
}

type Merged struct {
	Content           string
	Confidence        float64
	References        []models.Reference
	Suggestions       []string
	FollowUpQuestions []string
	Metadata          models.ResponseMetadata
}

// Merge combines the top n ranked entries. n is clamped to [1, len(ranked)].
func Merge(ranked []Ranked, n int, qt models.QueryType) Merged {
	if n > len(ranked) {
		n = len(ranked)
	}
	if n <= 0 {
		return Merged{FollowUpQuestions: FollowUps(qt)}
	}
	top := ranked[:n]

	var (
		sections       []string
		weighted, wsum float64
		plain          float64
		success        float64
		relevance      float64
		refs           = make([]models.Reference, 0, n)
		suggestions    []string
		seen           = make(map[string]bool)
		evidence       string
	)

	for _, r := range top {
		e := r.Entry
		if n == 1 {
			sections = append(sections, e.Content)
		} else {
			sections = append(sections, "## "+e.Title+"\n"+e.Content)
		}

		weighted += r.RelevanceScore * e.Confidence
		wsum += r.RelevanceScore
		plain += e.Confidence
		success += e.SuccessRate
		relevance += r.RelevanceScore

		refs = append(refs, models.Reference{
			ID:            e.ID,
			Title:         e.Title,
			URL:           e.SourceURL,
			Kind:          string(e.Category),
			EvidenceLevel: e.EvidenceLevel,
		})

		for _, group := range [][]string{e.Techniques, e.Conditions, e.Specialties} {
			for _, s := range group {
				key := strings.ToLower(strings.TrimSpace(s))
				if key == "" || seen[key] || len(suggestions) >= maxSuggestions {
					continue
				}
				seen[key] = true
				suggestions = append(suggestions, s)
			}
		}

		evidence = strongerEvidence(evidence, e.EvidenceLevel)
	}

	confidence := plain / float64(n)
	if wsum > 0 {
		confidence = weighted / wsum
	}

	return Merged{
		Content:           strings.Join(sections, "\n\n"),
		Confidence:        clamp01(confidence),
		References:        refs,
		Suggestions:       suggestions,
		FollowUpQuestions: FollowUps(qt),
		Metadata: models.ResponseMetadata{
			Reliability:   success / float64(n),
			Relevance:     relevance / float64(n),
			EvidenceLevel: evidence,
		},
	}
}

var followUpTemplates = map[models.QueryType][]string{
	models.QueryTypeGeneralQuestion: {
		"Would you like references for this topic?",
		"Should I relate this to a specific patient profile?",
		"Do you need a summary for patient education?",
	},
	models.QueryTypeDiagnosisHelp: {
		"Which special tests have already been performed?",
		"Are there red flags that should be ruled out first?",
		"How long have the symptoms been present?",
	},
	models.QueryTypeProtocolSuggestion: {
		"What phase of rehabilitation is the patient in?",
		"Are there contraindications to consider?",
		"How many sessions per week are available?",
	},
	models.QueryTypeExerciseRecommendation: {
		"What equipment does the patient have at home?",
		"What is the patient's current pain level during exercise?",
		"Should the progression be adjusted for age or comorbidities?",
	},
	models.QueryTypeCaseAnalysis: {
		"What outcome measures are being tracked?",
		"Has the patient responded to previous interventions?",
		"Are there psychosocial factors to consider?",
	},
	models.QueryTypeResearchQuery: {
		"Do you need the most recent systematic reviews?",
		"Should the search focus on a specific population?",
		"Would a summary of evidence levels help?",
	},
	models.QueryTypeDocumentAnalysis: {
		"Which sections of the document matter most?",
		"Should findings be compared with current guidelines?",
		"Do you need a structured summary for the patient record?",
	},
}

func FollowUps(qt models.QueryType) []string {
	tpl, ok := followUpTemplates[qt]
	if !ok {
		tpl = followUpTemplates[models.QueryTypeGeneralQuestion]
	}
	if len(tpl) > maxFollowUps {
		tpl = tpl[:maxFollowUps]
	}
	return append([]string(nil), tpl...)
}

func strongerEvidence(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if evidenceRank(b) < evidenceRank(a) {
		return b
	}
	return a
}

func evidenceRank(level string) int {
	for i, l := range models.EvidenceLevels {
		if strings.EqualFold(l, level) {
			return i
		}
	}
	return len(models.EvidenceLevels)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
