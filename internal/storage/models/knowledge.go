package models

import "time"

type KnowledgeCategory string

const (
	CategoryTechnique KnowledgeCategory = "technique"
	CategoryCondition KnowledgeCategory = "condition"
	CategoryProtocol  KnowledgeCategory = "protocol"
	CategoryExercise  KnowledgeCategory = "exercise"
	CategoryResearch  KnowledgeCategory = "research"
)

// Evidence levels ordered strongest first.
var EvidenceLevels = []string{"A", "B", "C", "D", "expert_opinion"}

type KnowledgeEntry struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenantId,omitempty"`
	Title             string            `json:"title"`
	Content           string            `json:"content"`
	Category          KnowledgeCategory `json:"category"`
	Confidence        float64           `json:"confidence"`
	SuccessRate       float64           `json:"successRate"`
	LastUsed          time.Time         `json:"lastUsed"`
	Specialties       []string          `json:"specialties,omitempty"`
	Conditions        []string          `json:"conditions,omitempty"`
	Techniques        []string          `json:"techniques,omitempty"`
	Symptoms          []string          `json:"symptoms,omitempty"`
	Contraindications []string          `json:"contraindications,omitempty"`
	EvidenceLevel     string            `json:"evidenceLevel,omitempty"`
	SourceURL         string            `json:"sourceUrl,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type KnowledgeResult struct {
	Entry          KnowledgeEntry `json:"entry"`
	RelevanceScore float64        `json:"relevanceScore"`
}
