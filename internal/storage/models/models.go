package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/physioclinic/ai-router/internal/fingerprint"
)

type QueryType string

const (
	QueryTypeGeneralQuestion        QueryType = "general_question"
	QueryTypeDiagnosisHelp          QueryType = "diagnosis_help"
	QueryTypeProtocolSuggestion     QueryType = "protocol_suggestion"
	QueryTypeExerciseRecommendation QueryType = "exercise_recommendation"
	QueryTypeCaseAnalysis           QueryType = "case_analysis"
	QueryTypeResearchQuery          QueryType = "research_query"
	QueryTypeDocumentAnalysis       QueryType = "document_analysis"
)

var QueryTypes = []QueryType{
	QueryTypeGeneralQuestion,
	QueryTypeDiagnosisHelp,
	QueryTypeProtocolSuggestion,
	QueryTypeExerciseRecommendation,
	QueryTypeCaseAnalysis,
	QueryTypeResearchQuery,
	QueryTypeDocumentAnalysis,
}

func (t QueryType) Valid() bool {
	for _, qt := range QueryTypes {
		if t == qt {
			return true
		}
	}
	return false
}

type Source string

const (
	SourceInternal Source = "internal"
	SourceCache    Source = "cache"
	SourcePremium  Source = "premium"
	SourceFallback Source = "fallback"
)

var Sources = []Source{SourceInternal, SourceCache, SourcePremium, SourceFallback}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type QueryContext struct {
	Symptoms  []string `json:"symptoms,omitempty"`
	Diagnosis string   `json:"diagnosis,omitempty"`
	Specialty string   `json:"specialty,omitempty"`
	UserRole  string   `json:"userRole"`
	TenantID  string   `json:"tenantId"`
	UserID    string   `json:"userId,omitempty"`
}

// Query is built once by NewQuery and not mutated afterwards.
type Query struct {
	ID              string        `json:"id"`
	Text            string        `json:"text"`
	Type            QueryType     `json:"type"`
	Context         QueryContext  `json:"context"`
	Priority        Priority      `json:"priority"`
	MaxResponseTime time.Duration `json:"maxResponseTime,omitempty"`
	Fingerprint     string        `json:"fingerprint"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func NewQuery(text string, qt QueryType, qc QueryContext) Query {
	symptoms := make([]string, len(qc.Symptoms))
	copy(symptoms, qc.Symptoms)
	qc.Symptoms = symptoms

	return Query{
		ID:          uuid.New().String(),
		Text:        strings.TrimSpace(text),
		Type:        qt,
		Context:     qc,
		Priority:    PriorityNormal,
		Fingerprint: FingerprintOf(text, qt, qc),
		CreatedAt:   time.Now(),
	}
}

func FingerprintOf(text string, qt QueryType, qc QueryContext) string {
	return fingerprint.Of(fingerprint.Input{
		Text:      text,
		QueryType: string(qt),
		TenantID:  qc.TenantID,
		Symptoms:  qc.Symptoms,
		Diagnosis: qc.Diagnosis,
		Specialty: qc.Specialty,
	})
}

type Reference struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url,omitempty"`
	Kind          string `json:"kind"`
	EvidenceLevel string `json:"evidenceLevel,omitempty"`
}

type ResponseMetadata struct {
	Reliability   float64 `json:"reliability"`
	Relevance     float64 `json:"relevance"`
	EvidenceLevel string  `json:"evidenceLevel,omitempty"`
	Model         string  `json:"model,omitempty"`
	TokensUsed    int     `json:"tokensUsed,omitempty"`
}

type Response struct {
	ID                string           `json:"id"`
	QueryID           string           `json:"queryId"`
	Content           string           `json:"content"`
	Confidence        float64          `json:"confidence"`
	Source            Source           `json:"source"`
	Provider          string           `json:"provider,omitempty"`
	References        []Reference      `json:"references"`
	Suggestions       []string         `json:"suggestions"`
	FollowUpQuestions []string         `json:"followUpQuestions"`
	ResponseTime      time.Duration    `json:"responseTime"`
	CreatedAt         time.Time        `json:"createdAt"`
	Metadata          ResponseMetadata `json:"metadata"`
}

// Clone deep-copies the response so cached values are never shared.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.References = append([]Reference(nil), r.References...)
	out.Suggestions = append([]string(nil), r.Suggestions...)
	out.FollowUpQuestions = append([]string(nil), r.FollowUpQuestions...)
	return &out
}

// ServedFrom returns a copy re-issued for another query, keeping content
// and confidence.
func (r *Response) ServedFrom(source Source, queryID string, now time.Time) *Response {
	out := r.Clone()
	out.ID = uuid.New().String()
	out.QueryID = queryID
	out.Source = source
	out.CreatedAt = now
	out.ResponseTime = 0
	return out
}
