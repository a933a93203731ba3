package models

import "time"

type ProviderStatus string

const (
	ProviderAvailable    ProviderStatus = "available"
	ProviderWarning      ProviderStatus = "warning"
	ProviderLimitReached ProviderStatus = "limit_reached"
)

type ProviderUsage struct {
	Provider    string         `json:"provider"`
	Requests    int64          `json:"requests"`
	Tokens      int64          `json:"tokens"`
	Cost        float64        `json:"cost"`
	Failures    int64          `json:"failures"`
	PeriodStart time.Time      `json:"periodStart"`
	QuotaRatio  float64        `json:"quotaRatio"`
	Status      ProviderStatus `json:"status"`
}

// UsageRecord is written once per processed query.
type UsageRecord struct {
	Timestamp        time.Time         `json:"timestamp"`
	QueryID          string            `json:"queryId"`
	Fingerprint      string            `json:"fingerprint"`
	Text             string            `json:"text"`
	Type             QueryType         `json:"type"`
	Source           Source            `json:"source"`
	Provider         string            `json:"provider,omitempty"`
	ResponseTime     time.Duration     `json:"responseTime"`
	Confidence       float64           `json:"confidence"`
	EstimatedCost    float64           `json:"estimatedCost"`
	ActualCost       float64           `json:"actualCost"`
	Tokens           int               `json:"tokens,omitempty"`
	UserID           string            `json:"userId,omitempty"`
	TenantID         string            `json:"tenantId"`
	AttemptedSources []Source          `json:"attemptedSources"`
	TierErrors       map[string]string `json:"tierErrors,omitempty"`
}
