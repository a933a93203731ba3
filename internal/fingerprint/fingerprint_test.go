package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "  Exercícios   LOMBALGIA? ", want: "exercícios lombalgia"},
		{in: "dor\tno\njoelho", want: "dor no joelho"},
		{in: "Exercícios", want: "exercícios"},
		{in: "!!!", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestOf_Idempotent(t *testing.T) {
	in := Input{Text: "exercícios lombalgia", QueryType: "exercise_recommendation", TenantID: "clinic-a"}
	assert.Equal(t, Of(in), Of(in))

	variant := in
	variant.Text = "  Exercícios LOMBALGIA "
	assert.Equal(t, Of(in), Of(variant))
}

func TestOf_TenantIsolation(t *testing.T) {
	a := Input{Text: "dor lombar", QueryType: "general_question", TenantID: "clinic-a"}
	b := a
	b.TenantID = "clinic-b"
	assert.NotEqual(t, Of(a), Of(b))
}

func TestOf_ContextParticipates(t *testing.T) {
	base := Input{Text: "dor lombar", QueryType: "diagnosis_help", TenantID: "t"}

	withSymptoms := base
	withSymptoms.Symptoms = []string{"Dor irradiada", "formigamento"}
	reordered := base
	reordered.Symptoms = []string{"formigamento", "dor irradiada", "formigamento"}

	assert.NotEqual(t, Of(base), Of(withSymptoms))
	assert.Equal(t, Of(withSymptoms), Of(reordered))

	otherType := base
	otherType.QueryType = "general_question"
	assert.NotEqual(t, Of(base), Of(otherType))

	withSpecialty := base
	withSpecialty.Specialty = "ortopedia"
	assert.NotEqual(t, Of(base), Of(withSpecialty))
}
