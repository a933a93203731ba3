// Package cache stores resolved responses keyed by query fingerprint with a
// per-query-type lifetime.
package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

var ErrUnavailable = eris.New("cache unavailable")

// Store returns (nil, nil) on a miss.
type Store interface {
	Get(ctx context.Context, key string, qt models.QueryType) (*models.Response, error)
	Set(ctx context.Context, key string, resp *models.Response, qt models.QueryType) error
}

type Entry struct {
	Key       string           `json:"key"`
	Response  *models.Response `json:"response"`
	QueryType models.QueryType `json:"queryType"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTLPolicy maps query types to cache lifetimes.
type TTLPolicy struct {
	Default time.Duration
	ByType  map[models.QueryType]time.Duration
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default: time.Hour,
		ByType: map[models.QueryType]time.Duration{
			models.QueryTypeGeneralQuestion:        24 * time.Hour,
			models.QueryTypeDiagnosisHelp:          6 * time.Hour,
			models.QueryTypeProtocolSuggestion:     time.Hour,
			models.QueryTypeExerciseRecommendation: 12 * time.Hour,
			models.QueryTypeCaseAnalysis:           2 * time.Hour,
			models.QueryTypeResearchQuery:          48 * time.Hour,
			models.QueryTypeDocumentAnalysis:       4 * time.Hour,
		},
	}
}

// TTLPolicyFrom overlays configured durations on the defaults. Unknown
// type names are ignored.
func TTLPolicyFrom(def time.Duration, byName map[string]time.Duration) TTLPolicy {
	p := DefaultTTLPolicy()
	if def > 0 {
		p.Default = def
	}
	for name, ttl := range byName {
		qt := models.QueryType(name)
		if qt.Valid() && ttl > 0 {
			p.ByType[qt] = ttl
		}
	}
	return p
}

func (p TTLPolicy) For(qt models.QueryType) time.Duration {
	if ttl, ok := p.ByType[qt]; ok && ttl > 0 {
		return ttl
	}
	if p.Default > 0 {
		return p.Default
	}
	return time.Hour
}
