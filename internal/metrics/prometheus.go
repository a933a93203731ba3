package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "physio_router"

// Metrics is safe to use through a nil pointer; every recorder is a no-op
// in that case so tests can skip registration.
type Metrics struct {
	queryDuration   *prometheus.HistogramVec
	queryTotal      *prometheus.CounterVec
	confidence      *prometheus.HistogramVec
	tierErrors      *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	costSaved       prometheus.Counter
	premiumTokens   *prometheus.CounterVec
	premiumCost     *prometheus.CounterVec
	providerQuota   *prometheus.GaugeVec
	warmerJobs      *prometheus.CounterVec
	knowledgeIngest prometheus.Counter
	rateLimited     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end query resolution time by source.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Resolved queries by source and query type.",
		}, []string{"source", "query_type"}),
		confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_confidence",
			Help:      "Confidence of delivered responses.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}, []string{"source"}),
		tierErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_errors_total",
			Help:      "Tier failures that degraded a query to the next tier.",
		}, []string{"tier"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		costSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_saved_usd_total",
			Help:      "Estimated premium API spend avoided.",
		}),
		premiumTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "premium",
			Name:      "tokens_total",
			Help:      "Tokens consumed per premium provider.",
		}, []string{"provider"}),
		premiumCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "premium",
			Name:      "cost_usd_total",
			Help:      "Spend per premium provider.",
		}, []string{"provider"}),
		providerQuota: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "premium",
			Name:      "quota_ratio",
			Help:      "Fraction of the monthly quota consumed.",
		}, []string{"provider"}),
		warmerJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "warmer",
			Name:      "jobs_total",
			Help:      "Pre-cache jobs by strategy and final status.",
		}, []string{"strategy", "status"}),
		knowledgeIngest: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_documents_ingested_total",
			Help:      "Knowledge articles ingested.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the tenant rate limiter.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.queryDuration,
			m.queryTotal,
			m.confidence,
			m.tierErrors,
			m.cacheLookups,
			m.costSaved,
			m.premiumTokens,
			m.premiumCost,
			m.providerQuota,
			m.warmerJobs,
			m.knowledgeIngest,
			m.rateLimited,
		)
	}
	return m
}

func (m *Metrics) ObserveQuery(source, queryType string, d time.Duration, confidence float64) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(source).Observe(d.Seconds())
	m.queryTotal.WithLabelValues(source, queryType).Inc()
	m.confidence.WithLabelValues(source).Observe(confidence)
}

func (m *Metrics) TierError(tier string) {
	if m == nil {
		return
	}
	m.tierErrors.WithLabelValues(tier).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CostSaved(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.costSaved.Add(usd)
}

func (m *Metrics) PremiumUsage(provider string, tokens int, cost float64, quotaRatio float64) {
	if m == nil {
		return
	}
	m.premiumTokens.WithLabelValues(provider).Add(float64(tokens))
	if cost > 0 {
		m.premiumCost.WithLabelValues(provider).Add(cost)
	}
	m.providerQuota.WithLabelValues(provider).Set(quotaRatio)
}

func (m *Metrics) WarmerJob(strategy, status string) {
	if m == nil {
		return
	}
	m.warmerJobs.WithLabelValues(strategy, status).Inc()
}

func (m *Metrics) KnowledgeIngested() {
	if m == nil {
		return
	}
	m.knowledgeIngest.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func Handler(g prometheus.Gatherer) fiber.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
