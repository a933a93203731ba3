package analytics

import (
	"fmt"
	"time"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

type InsightType string

const (
	InsightOptimization InsightType = "optimization"
	InsightWarning      InsightType = "warning"
	InsightSuccess      InsightType = "success"
)

type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

type Insight struct {
	Type    InsightType `json:"type"`
	Title   string      `json:"title"`
	Message string      `json:"message"`
	Impact  Impact      `json:"impact"`
	Metric  string      `json:"metric"`
	Value   float64     `json:"value"`
}

const (
	lowCacheHitRate     = 0.30
	highPremiumShare    = 0.50
	highFallbackShare   = 0.10
	slowAverageResponse = 3 * time.Second
	lowAvgConfidence    = 0.6
	strongInternalShare = 0.70
)

// Insights derives observations from a metrics snapshot. It reads m only.
func Insights(m Metrics) []Insight {
	if m.TotalQueries == 0 {
		return nil
	}
	var out []Insight

	if m.CacheLookups > 0 && m.CacheHitRate < lowCacheHitRate {
		out = append(out, Insight{
			Type:    InsightOptimization,
			Title:   "Low cache hit rate",
			Message: fmt.Sprintf("Cache hit rate is %.0f%%, below 30%%. Consider expanding pre-cache warming strategies.", m.CacheHitRate*100),
			Impact:  ImpactMedium,
			Metric:  "cacheHitRate",
			Value:   m.CacheHitRate,
		})
	}

	if share := m.Share(models.SourcePremium); share > highPremiumShare {
		out = append(out, Insight{
			Type:    InsightWarning,
			Title:   "High premium usage",
			Message: fmt.Sprintf("Premium providers answered %.0f%% of queries. Expand the internal knowledge base to reduce cost.", share*100),
			Impact:  ImpactHigh,
			Metric:  "premiumShare",
			Value:   share,
		})
	}

	if share := m.Share(models.SourceFallback); share > highFallbackShare {
		out = append(out, Insight{
			Type:    InsightWarning,
			Title:   "Frequent fallback responses",
			Message: fmt.Sprintf("%.0f%% of queries received a fallback answer. Check provider availability and knowledge coverage.", share*100),
			Impact:  ImpactHigh,
			Metric:  "fallbackShare",
			Value:   share,
		})
	}

	if m.AvgResponseTime > slowAverageResponse {
		out = append(out, Insight{
			Type:    InsightOptimization,
			Title:   "Slow responses",
			Message: fmt.Sprintf("Average response time is %s. Warm the cache for frequent queries.", m.AvgResponseTime.Round(time.Millisecond)),
			Impact:  ImpactMedium,
			Metric:  "avgResponseTime",
			Value:   m.AvgResponseTime.Seconds(),
		})
	}

	if m.AvgConfidence < lowAvgConfidence {
		out = append(out, Insight{
			Type:    InsightWarning,
			Title:   "Low answer confidence",
			Message: fmt.Sprintf("Average confidence is %.2f. Review knowledge entries with low success rates.", m.AvgConfidence),
			Impact:  ImpactMedium,
			Metric:  "avgConfidence",
			Value:   m.AvgConfidence,
		})
	}

	if share := m.Share(models.SourceInternal); share >= strongInternalShare {
		out = append(out, Insight{
			Type:    InsightSuccess,
			Title:   "Knowledge base is carrying the load",
			Message: fmt.Sprintf("%.0f%% of queries were answered internally at no API cost.", share*100),
			Impact:  ImpactLow,
			Metric:  "internalShare",
			Value:   share,
		})
	}

	return out
}
