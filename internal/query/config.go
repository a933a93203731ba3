package query

import (
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/config"
)

// Config is the runtime-mutable routing configuration.
type Config struct {
	InternalConfidenceThreshold float64                      `json:"internalConfidenceThreshold"`
	CacheEnabled                bool                         `json:"cacheEnabled"`
	PremiumEnabled              bool                         `json:"premiumEnabled"`
	FallbackEnabled             bool                         `json:"fallbackEnabled"`
	MaxResponseTime             time.Duration                `json:"maxResponseTime"`
	MaxQueryLength              int                          `json:"maxQueryLength"`
	MaxMergedEntries            int                          `json:"maxMergedEntries"`
	MaxProviderAttempts         int                          `json:"maxProviderAttempts"`
	KnowledgeLimit              int                          `json:"knowledgeLimit"`
	CostPerToken                float64                      `json:"costPerToken"`
	TypeMultipliers             map[models.QueryType]float64 `json:"typeMultipliers"`
}

func DefaultConfig() Config {
	return Config{
		InternalConfidenceThreshold: 0.7,
		CacheEnabled:                true,
		PremiumEnabled:              true,
		FallbackEnabled:             true,
		MaxResponseTime:             30 * time.Second,
		MaxQueryLength:              2000,
		MaxMergedEntries:            3,
		MaxProviderAttempts:         2,
		KnowledgeLimit:              10,
		CostPerToken:                0.00003,
		TypeMultipliers: map[models.QueryType]float64{
			models.QueryTypeGeneralQuestion:        1.0,
			models.QueryTypeDiagnosisHelp:          1.5,
			models.QueryTypeProtocolSuggestion:     1.3,
			models.QueryTypeExerciseRecommendation: 1.2,
			models.QueryTypeCaseAnalysis:           2.0,
			models.QueryTypeResearchQuery:          1.8,
			models.QueryTypeDocumentAnalysis:       2.5,
		},
	}
}

// ConfigFrom builds the runtime config from the loaded application config.
// Unknown query types in the multiplier table are ignored.
func ConfigFrom(rc config.RouterConfig, cc config.CostConfig, knowledgeLimit int) Config {
	cfg := DefaultConfig()
	cfg.InternalConfidenceThreshold = rc.InternalConfidenceThreshold
	cfg.CacheEnabled = rc.CacheEnabled
	cfg.PremiumEnabled = rc.PremiumEnabled
	cfg.FallbackEnabled = rc.FallbackEnabled
	if rc.MaxResponseTime > 0 {
		cfg.MaxResponseTime = rc.MaxResponseTime
	}
	if rc.MaxQueryLength > 0 {
		cfg.MaxQueryLength = rc.MaxQueryLength
	}
	if rc.MaxMergedEntries > 0 {
		cfg.MaxMergedEntries = rc.MaxMergedEntries
	}
	if rc.MaxProviderAttempts > 0 {
		cfg.MaxProviderAttempts = rc.MaxProviderAttempts
	}
	if knowledgeLimit > 0 {
		cfg.KnowledgeLimit = knowledgeLimit
	}
	if cc.CostPerToken > 0 {
		cfg.CostPerToken = cc.CostPerToken
	}
	for name, m := range cc.TypeMultipliers {
		if qt := models.QueryType(name); qt.Valid() {
			cfg.TypeMultipliers[qt] = m
		}
	}
	return cfg
}

func (c Config) Validate() error {
	if c.InternalConfidenceThreshold < 0 || c.InternalConfidenceThreshold > 1 {
		return eris.Errorf("internalConfidenceThreshold must be within [0,1], got %v", c.InternalConfidenceThreshold)
	}
	if c.MaxResponseTime <= 0 {
		return eris.New("maxResponseTime must be positive")
	}
	if c.MaxQueryLength <= 0 {
		return eris.New("maxQueryLength must be positive")
	}
	if c.MaxProviderAttempts < 1 {
		return eris.New("maxProviderAttempts must be at least 1")
	}
	if c.CostPerToken < 0 {
		return eris.New("costPerToken must not be negative")
	}
	return nil
}

// mergeCount clamps the number of merged knowledge entries to 3..5.
func (c Config) mergeCount() int {
	switch {
	case c.MaxMergedEntries < 3:
		return 3
	case c.MaxMergedEntries > 5:
		return 5
	}
	return c.MaxMergedEntries
}

// EstimateCost is the API cost a premium provider would have charged:
// tokens are approximated as a quarter of the text length in runes.
func (c Config) EstimateCost(q models.Query) float64 {
	tokens := float64(utf8.RuneCountInString(q.Text)) / 4
	mult, ok := c.TypeMultipliers[q.Type]
	if !ok {
		mult = 1
	}
	return tokens * c.CostPerToken * mult
}

func (c Config) clone() Config {
	out := c
	out.TypeMultipliers = make(map[models.QueryType]float64, len(c.TypeMultipliers))
	for k, v := range c.TypeMultipliers {
		out.TypeMultipliers[k] = v
	}
	return out
}

// ConfigPatch is a partial update; nil fields are left unchanged.
type ConfigPatch struct {
	InternalConfidenceThreshold *float64 `json:"internalConfidenceThreshold,omitempty"`
	CacheEnabled                *bool    `json:"cacheEnabled,omitempty"`
	PremiumEnabled              *bool    `json:"premiumEnabled,omitempty"`
	FallbackEnabled             *bool    `json:"fallbackEnabled,omitempty"`
	MaxResponseTimeMs           *int64   `json:"maxResponseTimeMs,omitempty"`
	MaxProviderAttempts         *int     `json:"maxProviderAttempts,omitempty"`
}

func (p ConfigPatch) apply(c Config) Config {
	if p.InternalConfidenceThreshold != nil {
		c.InternalConfidenceThreshold = *p.InternalConfidenceThreshold
	}
	if p.CacheEnabled != nil {
		c.CacheEnabled = *p.CacheEnabled
	}
	if p.PremiumEnabled != nil {
		c.PremiumEnabled = *p.PremiumEnabled
	}
	if p.FallbackEnabled != nil {
		c.FallbackEnabled = *p.FallbackEnabled
	}
	if p.MaxResponseTimeMs != nil {
		c.MaxResponseTime = time.Duration(*p.MaxResponseTimeMs) * time.Millisecond
	}
	if p.MaxProviderAttempts != nil {
		c.MaxProviderAttempts = *p.MaxProviderAttempts
	}
	return c
}
