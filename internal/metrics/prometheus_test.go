package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveQuery("cache", "general_question", time.Millisecond, 0.9)
		m.TierError("premium")
		m.CacheLookup(true)
		m.CostSaved(1)
		m.PremiumUsage("openai", 10, 0.1, 0.5)
		m.WarmerJob("popular", "completed")
		m.KnowledgeIngested()
		m.RateLimited()
	})
}

func TestMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveQuery("premium", "exercise_recommendation", 2*time.Second, 0.8)
	m.ObserveQuery("premium", "exercise_recommendation", time.Second, 0.8)
	m.CacheLookup(false)
	m.CostSaved(0.25)
	m.CostSaved(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queryTotal.WithLabelValues("premium", "exercise_recommendation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.costSaved), 1e-9)
}
