// Package fingerprint derives the cache key shared by the query path and
// the pre-cache warmer.
package fingerprint

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/physioclinic/ai-router/pkg/utils"
)

const version = "v1"

type Input struct {
	Text      string
	QueryType string
	TenantID  string
	Symptoms  []string
	Diagnosis string
	Specialty string
}

// Normalize lower-cases, NFC-normalizes and collapses whitespace.
// Punctuation hugging a word is dropped.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = cases.Lower(language.Und).String(s)

	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, unicode.IsPunct)
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// Of returns the hex SHA-256 of the canonical tuple. The symptom list is
// treated as a set.
func Of(in Input) string {
	symptoms := make([]string, 0, len(in.Symptoms))
	seen := make(map[string]bool, len(in.Symptoms))
	for _, s := range in.Symptoms {
		n := Normalize(s)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		symptoms = append(symptoms, n)
	}
	sort.Strings(symptoms)

	return utils.HashParts(
		version,
		Normalize(in.Text),
		in.QueryType,
		in.TenantID,
		strings.Join(symptoms, "\x1f"),
		Normalize(in.Diagnosis),
		Normalize(in.Specialty),
	)
}
