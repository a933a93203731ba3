package analytics

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func ParsePeriod(s string) (Period, error) {
	p := Period(s)
	if s == "" {
		p = PeriodMonth
	}
	if _, err := p.Duration(); err != nil {
		return "", err
	}
	return p, nil
}

func (p Period) Duration() (time.Duration, error) {
	switch p {
	case PeriodDay:
		return 24 * time.Hour, nil
	case PeriodWeek:
		return 7 * 24 * time.Hour, nil
	case PeriodMonth:
		return 30 * 24 * time.Hour, nil
	}
	return 0, eris.Wrapf(ErrInvalidPeriod, "%q", string(p))
}

type ProviderSpend struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

type Metrics struct {
	From               time.Time                `json:"from"`
	To                 time.Time                `json:"to"`
	TotalQueries       int                      `json:"totalQueries"`
	BySource           map[models.Source]int    `json:"bySource"`
	ByType             map[models.QueryType]int `json:"byType"`
	AvgResponseTime    time.Duration            `json:"avgResponseTime"`
	AvgConfidence      float64                  `json:"avgConfidence"`
	CacheLookups       int                      `json:"cacheLookups"`
	CacheHitRate       float64                  `json:"cacheHitRate"`
	EstimatedCostSaved float64                  `json:"estimatedCostSaved"`
	ActualCost         float64                  `json:"actualCost"`
	PremiumByProvider  map[string]ProviderSpend `json:"premiumByProvider"`
}

// Share returns the fraction of queries answered by source.
func (m Metrics) Share(source models.Source) float64 {
	if m.TotalQueries == 0 {
		return 0
	}
	return float64(m.BySource[source]) / float64(m.TotalQueries)
}

type SavingsReport struct {
	Period                    Period                   `json:"period"`
	From                      time.Time                `json:"from"`
	To                        time.Time                `json:"to"`
	TotalQueries              int                      `json:"totalQueries"`
	QueriesAnsweredInternally int                      `json:"queriesAnsweredInternally"`
	QueriesFromCache          int                      `json:"queriesFromCache"`
	PremiumQueries            int                      `json:"premiumQueries"`
	EstimatedAPICostSaved     float64                  `json:"estimatedApiCostSaved"`
	ActualCost                float64                  `json:"actualCost"`
	SavingsRate               float64                  `json:"savingsRate"`
	PremiumUsageByProvider    map[string]ProviderSpend `json:"premiumUsageByProvider"`
	CacheHitRate              float64                  `json:"cacheHitRate"`
}

type TopQuery struct {
	Fingerprint     string                `json:"fingerprint"`
	Text            string                `json:"text"`
	Type            models.QueryType      `json:"type"`
	Count           int                   `json:"count"`
	AvgResponseTime time.Duration         `json:"avgResponseTime"`
	AvgConfidence   float64               `json:"avgConfidence"`
	LastSeen        time.Time             `json:"lastSeen"`
	Sources         map[models.Source]int `json:"sources"`
}

type TrendPoint struct {
	Start           time.Time     `json:"start"`
	Queries         int           `json:"queries"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	AvgConfidence   float64       `json:"avgConfidence"`
	CacheHitRate    float64       `json:"cacheHitRate"`
	CostSaved       float64       `json:"costSaved"`
}

// Aggregate summarizes records. The cache-hit rate is measured against the
// queries that actually consulted the cache.
func Aggregate(records []models.UsageRecord, from, to time.Time) Metrics {
	m := Metrics{
		From:              from,
		To:                to,
		BySource:          make(map[models.Source]int, len(models.Sources)),
		ByType:            make(map[models.QueryType]int),
		PremiumByProvider: make(map[string]ProviderSpend),
	}
	var totalTime time.Duration
	var totalConf float64
	var cacheHits int

	for _, r := range records {
		m.TotalQueries++
		m.BySource[r.Source]++
		m.ByType[r.Type]++
		totalTime += r.ResponseTime
		totalConf += r.Confidence
		m.EstimatedCostSaved += r.EstimatedCost
		m.ActualCost += r.ActualCost

		if consulted(r, models.SourceCache) {
			m.CacheLookups++
			if r.Source == models.SourceCache {
				cacheHits++
			}
		}
		if r.Source == models.SourcePremium && r.Provider != "" {
			spend := m.PremiumByProvider[r.Provider]
			spend.Requests++
			spend.Tokens += r.Tokens
			spend.Cost += r.ActualCost
			m.PremiumByProvider[r.Provider] = spend
		}
	}

	if m.TotalQueries > 0 {
		m.AvgResponseTime = totalTime / time.Duration(m.TotalQueries)
		m.AvgConfidence = totalConf / float64(m.TotalQueries)
	}
	if m.CacheLookups > 0 {
		m.CacheHitRate = float64(cacheHits) / float64(m.CacheLookups)
	}
	return m
}

func consulted(r models.UsageRecord, s models.Source) bool {
	if r.Source == s {
		return true
	}
	for _, a := range r.AttemptedSources {
		if a == s {
			return true
		}
	}
	return false
}

func topQueries(records []models.UsageRecord, n int) []TopQuery {
	type acc struct {
		TopQuery
		totalTime time.Duration
		totalConf float64
	}
	byKey := make(map[string]*acc)
	for _, r := range records {
		key := r.Fingerprint
		if key == "" {
			key = string(r.Type) + "|" + r.Text
		}
		a, ok := byKey[key]
		if !ok {
			a = &acc{TopQuery: TopQuery{
				Fingerprint: r.Fingerprint,
				Text:        r.Text,
				Type:        r.Type,
				Sources:     make(map[models.Source]int),
			}}
			byKey[key] = a
		}
		a.Count++
		a.Sources[r.Source]++
		a.totalTime += r.ResponseTime
		a.totalConf += r.Confidence
		if r.Timestamp.After(a.LastSeen) {
			a.LastSeen = r.Timestamp
		}
	}

	out := make([]TopQuery, 0, len(byKey))
	for _, a := range byKey {
		a.AvgResponseTime = a.totalTime / time.Duration(a.Count)
		a.AvgConfidence = a.totalConf / float64(a.Count)
		out = append(out, a.TopQuery)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Text < out[j].Text
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func trends(records []models.UsageRecord, from, to time.Time, bucket time.Duration) []TrendPoint {
	count := int(to.Sub(from) / bucket)
	if to.Sub(from)%bucket != 0 {
		count++
	}
	buckets := make([][]models.UsageRecord, count)
	for _, r := range records {
		i := int(r.Timestamp.Sub(from) / bucket)
		if i < 0 || i >= count {
			continue
		}
		buckets[i] = append(buckets[i], r)
	}

	points := make([]TrendPoint, count)
	for i, recs := range buckets {
		start := from.Add(time.Duration(i) * bucket)
		m := Aggregate(recs, start, start.Add(bucket))
		points[i] = TrendPoint{
			Start:           start,
			Queries:         m.TotalQueries,
			AvgResponseTime: m.AvgResponseTime,
			AvgConfidence:   m.AvgConfidence,
			CacheHitRate:    m.CacheHitRate,
			CostSaved:       m.EstimatedCostSaved,
		}
	}
	return points
}
