package premium

import (
	"fmt"
	"strings"

	"github.com/physioclinic/ai-router/internal/llm"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

const baseSystemPrompt = `You are a clinical support assistant for licensed physiotherapists.
Answer in the same language as the question. Be concise and practical, cite the level of
evidence when you know it, flag contraindications and red flags, and never replace the
clinician's own assessment.`

var typeInstructions = map[models.QueryType]string{
	models.QueryTypeGeneralQuestion:        "Give a short, accurate explanation suitable for a clinician.",
	models.QueryTypeDiagnosisHelp:          "List the most likely differential diagnoses, the tests that discriminate between them and any red flags.",
	models.QueryTypeProtocolSuggestion:     "Propose a phased treatment protocol with goals, interventions and progression criteria per phase.",
	models.QueryTypeExerciseRecommendation: "Recommend specific exercises with sets, repetitions, frequency and progression, plus precautions.",
	models.QueryTypeCaseAnalysis:           "Analyse the case: key findings, clinical reasoning, suggested plan and outcome measures to track.",
	models.QueryTypeResearchQuery:          "Summarise the current evidence, naming study types and the strength of the evidence.",
	models.QueryTypeDocumentAnalysis:       "Summarise the document's clinically relevant content and highlight anything that needs follow up.",
}

// BuildPrompt renders the system and user prompts for a query.
func BuildPrompt(q models.Query) llm.CompletionRequest {
	instr, ok := typeInstructions[q.Type]
	if !ok {
		instr = typeInstructions[models.QueryTypeGeneralQuestion]
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", q.Text)
	if q.Context.UserRole != "" {
		fmt.Fprintf(&user, "Asked by: %s\n", q.Context.UserRole)
	}
	if q.Context.Specialty != "" {
		fmt.Fprintf(&user, "Specialty: %s\n", q.Context.Specialty)
	}
	if len(q.Context.Symptoms) > 0 {
		fmt.Fprintf(&user, "Symptoms: %s\n", strings.Join(q.Context.Symptoms, ", "))
	}
	if q.Context.Diagnosis != "" {
		fmt.Fprintf(&user, "Diagnosis: %s\n", q.Context.Diagnosis)
	}

	return llm.CompletionRequest{
		SystemPrompt: baseSystemPrompt + "\n\n" + instr,
		UserPrompt:   strings.TrimSpace(user.String()),
	}
}
