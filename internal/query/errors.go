package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/physioclinic/ai-router/internal/cache"
	"github.com/physioclinic/ai-router/internal/premium"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/circuitbreaker"
	"github.com/physioclinic/ai-router/pkg/retry"
)

var (
	ErrValidation           = eris.New("invalid query")
	ErrKnowledgeUnavailable = eris.New("knowledge base unavailable")
	ErrCacheUnavailable     = eris.New("cache unavailable")
	ErrPremiumUnavailable   = eris.New("premium provider unavailable")
	ErrQuotaExceeded        = eris.New("premium quota exceeded")
	ErrNetwork              = eris.New("network error")
	ErrNoSourceAvailable    = eris.New("no source available")
)

// ValidationError is the only error ProcessQuery returns.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid query: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TierError records why a tier produced nothing.
type TierError struct {
	Tier models.Source
	Kind error
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s tier: %s: %v", e.Tier, e.Kind.Error(), e.Err)
}

func (e *TierError) Unwrap() []error { return []error{e.Kind, e.Err} }

func classify(tier models.Source, err error) *TierError {
	return &TierError{Tier: tier, Kind: kindOf(tier, err), Err: err}
}

func kindOf(tier models.Source, err error) error {
	switch {
	case errors.Is(err, premium.ErrQuotaExceeded):
		return ErrQuotaExceeded
	case errors.Is(err, context.DeadlineExceeded), retry.IsTransient(err):
		return ErrNetwork
	case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, premium.ErrProviderUnavailable):
		return ErrPremiumUnavailable
	case errors.Is(err, cache.ErrUnavailable):
		return ErrCacheUnavailable
	}

	switch tier {
	case models.SourceInternal:
		return ErrKnowledgeUnavailable
	case models.SourceCache:
		return ErrCacheUnavailable
	case models.SourcePremium:
		return ErrPremiumUnavailable
	}
	return ErrNoSourceAvailable
}
