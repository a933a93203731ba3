// Package query routes clinical-support queries through the internal
// knowledge base, the response cache and metered premium providers, in that
// order, and always returns an answer.
package query

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/physioclinic/ai-router/internal/analytics"
	"github.com/physioclinic/ai-router/internal/cache"
	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/metrics"
	"github.com/physioclinic/ai-router/internal/patterns"
	"github.com/physioclinic/ai-router/internal/premium"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

const (
	fallbackConfidence = 0.1
	maxBackgroundTasks = 64
)

// PremiumManager is the subset of premium.Manager the premium tier needs.
type PremiumManager interface {
	SelectBestProvider(qt models.QueryType, exclude ...string) *premium.Provider
	Query(ctx context.Context, p *premium.Provider, q models.Query) (*premium.Result, error)
	UsageStatus(name string) models.ProviderStatus
}

type Analytics interface {
	Record(ctx context.Context, r models.UsageRecord)
	SavingsReport(period analytics.Period) (analytics.SavingsReport, error)
}

// usageMarker is implemented by knowledge stores that track entry use.
type usageMarker interface {
	MarkUsed(ctx context.Context, ids []string, at time.Time) error
}

type Deps struct {
	Knowledge knowledge.Searcher
	Cache     cache.Store
	Premium   PremiumManager
	Analytics Analytics
	Patterns  patterns.Observer
	Metrics   *metrics.Metrics
	Clock     clockwork.Clock
}

type ServiceStats struct {
	TotalQueries       int64                   `json:"totalQueries"`
	QueriesBySource    map[models.Source]int64 `json:"queriesBySource"`
	AvgResponseTime    time.Duration           `json:"avgResponseTime"`
	SuccessRate        float64                 `json:"successRate"`
	CacheHitRate       float64                 `json:"cacheHitRate"`
	EstimatedCostSaved float64                 `json:"estimatedCostSaved"`
	ActualCost         float64                 `json:"actualCost"`
	InFlight           int                     `json:"inFlight"`
}

type counters struct {
	total        int64
	bySource     map[models.Source]int64
	totalTime    time.Duration
	cacheLookups int64
	cacheHits    int64
	costSaved    float64
	actualCost   float64
}

type Orchestrator struct {
	deps  Deps
	clock clockwork.Clock
	log   *zap.Logger

	cfgMu sync.RWMutex
	cfg   Config

	inFlight atomic.Int64
	premium  singleflight.Group

	// background work that must not hold a response, such as stamping
	// knowledge entries as used.
	bg      sync.WaitGroup
	bgSlots chan struct{}

	statsMu sync.Mutex
	stats   counters
}

func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid router config")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		deps:    deps,
		clock:   deps.Clock,
		log:     logger.Named("orchestrator"),
		cfg:     cfg.clone(),
		stats:   counters{bySource: make(map[models.Source]int64, len(models.Sources))},
		bgSlots: make(chan struct{}, maxBackgroundTasks),
	}, nil
}

// Wait blocks until background work started by earlier queries is done.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// goBackground runs fn off the request path. It returns false, without
// running fn, when too many tasks are already pending.
func (o *Orchestrator) goBackground(timeout time.Duration, fn func(ctx context.Context)) bool {
	select {
	case o.bgSlots <- struct{}{}:
	default:
		return false
	}
	o.bg.Add(1)
	go func() {
		defer func() {
			<-o.bgSlots
			o.bg.Done()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (o *Orchestrator) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg.clone()
}

// UpdateConfig applies a partial update. The config is left unchanged when
// the result would be invalid.
func (o *Orchestrator) UpdateConfig(p ConfigPatch) (Config, error) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	next := p.apply(o.cfg.clone())
	if err := next.Validate(); err != nil {
		return o.cfg.clone(), &ValidationError{Field: "config", Reason: err.Error()}
	}
	o.cfg = next

	o.log.Info("router config updated",
		zap.Float64("internal_confidence_threshold", next.InternalConfidenceThreshold),
		zap.Bool("cache_enabled", next.CacheEnabled),
		zap.Bool("premium_enabled", next.PremiumEnabled),
		zap.Bool("fallback_enabled", next.FallbackEnabled),
		zap.Duration("max_response_time", next.MaxResponseTime),
	)
	return next.clone(), nil
}

// InFlight is the number of live queries being processed.
func (o *Orchestrator) InFlight() int {
	return int(o.inFlight.Load())
}

func (o *Orchestrator) validate(q models.Query, cfg Config) error {
	text := strings.TrimSpace(q.Text)
	switch {
	case text == "":
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	case utf8.RuneCountInString(text) > cfg.MaxQueryLength:
		return &ValidationError{Field: "text", Reason: "exceeds maximum length"}
	case !q.Type.Valid():
		return &ValidationError{Field: "type", Reason: "unknown query type " + string(q.Type)}
	case strings.TrimSpace(q.Context.TenantID) == "":
		return &ValidationError{Field: "context.tenantId", Reason: "is required"}
	case q.MaxResponseTime < 0:
		return &ValidationError{Field: "maxResponseTime", Reason: "must not be negative"}
	}
	return nil
}

// ProcessQuery answers q. The only error it returns is a validation error;
// every other failure degrades to the next tier and finally to a fallback
// answer.
func (o *Orchestrator) ProcessQuery(ctx context.Context, q models.Query) (*models.Response, error) {
	cfg := o.Config()
	if err := o.validate(q, cfg); err != nil {
		return nil, err
	}
	q = prepare(q, o.clock.Now())

	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	start := o.clock.Now()
	tctx, cancel := context.WithTimeout(ctx, deadline(q, cfg))
	defer cancel()

	tr := &trace{}
	resp := o.internalTier(tctx, q, cfg, tr)
	if resp == nil && cfg.CacheEnabled {
		resp = o.cacheTier(tctx, q, tr)
	}
	if resp == nil && cfg.PremiumEnabled {
		resp = o.premiumTier(tctx, q, cfg, tr, cfg.CacheEnabled)
	}
	if resp == nil {
		tr.errs = append(tr.errs, &TierError{Tier: models.SourceFallback, Kind: ErrNoSourceAvailable, Err: tctx.Err()})
		resp = o.fallback(q, cfg)
	}
	resp.ResponseTime = o.clock.Since(start)

	o.finish(ctx, q, resp, tr, cfg)
	return resp, nil
}

// Resolve runs the internal and premium tiers without consulting or writing
// the cache and without recording analytics. The warmer uses it to compute
// answers it stores itself.
func (o *Orchestrator) Resolve(ctx context.Context, q models.Query) (*models.Response, error) {
	cfg := o.Config()
	if err := o.validate(q, cfg); err != nil {
		return nil, err
	}
	q = prepare(q, o.clock.Now())

	tctx, cancel := context.WithTimeout(ctx, deadline(q, cfg))
	defer cancel()

	tr := &trace{}
	if resp := o.internalTier(tctx, q, cfg, tr); resp != nil {
		return resp, nil
	}
	if cfg.PremiumEnabled {
		if resp := o.premiumTier(tctx, q, cfg, tr, false); resp != nil {
			return resp, nil
		}
	}
	return nil, eris.Wrapf(ErrNoSourceAvailable, "attempted %v: %s", tr.attempted, tr.summary())
}

func prepare(q models.Query, now time.Time) models.Query {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.Priority == "" {
		q.Priority = models.PriorityNormal
	}
	// the warmer and the cache tier must agree on this key
	q.Fingerprint = models.FingerprintOf(q.Text, q.Type, q.Context)
	return q
}

func deadline(q models.Query, cfg Config) time.Duration {
	if q.MaxResponseTime > 0 && q.MaxResponseTime < cfg.MaxResponseTime {
		return q.MaxResponseTime
	}
	return cfg.MaxResponseTime
}

func (o *Orchestrator) fallback(q models.Query, cfg Config) *models.Response {
	resp := &models.Response{
		ID:         uuid.New().String(),
		QueryID:    q.ID,
		Confidence: fallbackConfidence,
		Source:     models.SourceFallback,
		CreatedAt:  o.clock.Now(),
		Metadata:   models.ResponseMetadata{Reliability: fallbackConfidence},
	}
	if !cfg.FallbackEnabled {
		resp.Content = "No answer is available for this query right now."
		return resp
	}
	resp.Content = "We could not find a reliable answer for this question at the moment. " +
		"Please consult the clinic's protocols or a senior physiotherapist, and try again shortly."
	resp.Suggestions = []string{
		"Reformulate your question with more specific terms",
		"Add the patient's main symptoms or diagnosis",
		"Try again in a few minutes",
	}
	resp.FollowUpQuestions = knowledge.FollowUps(q.Type)
	return resp
}

func (o *Orchestrator) finish(ctx context.Context, q models.Query, resp *models.Response, tr *trace, cfg Config) {
	now := o.clock.Now()

	var saved, actual float64
	switch resp.Source {
	case models.SourceInternal, models.SourceCache:
		saved = cfg.EstimateCost(q)
	case models.SourcePremium:
		actual = tr.premiumCost
	}

	o.statsMu.Lock()
	o.stats.total++
	o.stats.bySource[resp.Source]++
	o.stats.totalTime += resp.ResponseTime
	if tr.tried(models.SourceCache) {
		o.stats.cacheLookups++
		if resp.Source == models.SourceCache {
			o.stats.cacheHits++
		}
	}
	o.stats.costSaved += saved
	o.stats.actualCost += actual
	o.statsMu.Unlock()

	if o.deps.Patterns != nil {
		o.deps.Patterns.Observe(models.PatternObservation{Query: q, ResponseTime: resp.ResponseTime, At: now})
	}

	o.deps.Metrics.ObserveQuery(string(resp.Source), string(q.Type), resp.ResponseTime, resp.Confidence)
	o.deps.Metrics.CostSaved(saved)

	if len(tr.errs) > 0 {
		o.log.Warn("query resolved with tier errors",
			zap.String("query_id", q.ID),
			zap.String("source", string(resp.Source)),
			zap.Any("attempted_sources", tr.attempted),
			zap.String("errors", tr.summary()),
		)
	} else {
		o.log.Debug("query resolved",
			zap.String("query_id", q.ID),
			zap.String("source", string(resp.Source)),
			zap.Duration("response_time", resp.ResponseTime),
		)
	}

	if o.deps.Analytics == nil {
		return
	}
	o.deps.Analytics.Record(ctx, models.UsageRecord{
		Timestamp:        now,
		QueryID:          q.ID,
		Fingerprint:      q.Fingerprint,
		Text:             q.Text,
		Type:             q.Type,
		Source:           resp.Source,
		Provider:         resp.Provider,
		ResponseTime:     resp.ResponseTime,
		Confidence:       resp.Confidence,
		EstimatedCost:    saved,
		ActualCost:       actual,
		Tokens:           resp.Metadata.TokensUsed,
		UserID:           q.Context.UserID,
		TenantID:         q.Context.TenantID,
		AttemptedSources: append([]models.Source(nil), tr.attempted...),
		TierErrors:       tr.errorMap(),
	})
}

func (o *Orchestrator) ServiceStats() ServiceStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	s := ServiceStats{
		TotalQueries:       o.stats.total,
		QueriesBySource:    make(map[models.Source]int64, len(models.Sources)),
		EstimatedCostSaved: o.stats.costSaved,
		ActualCost:         o.stats.actualCost,
		InFlight:           o.InFlight(),
	}
	for _, src := range models.Sources {
		s.QueriesBySource[src] = o.stats.bySource[src]
	}
	if o.stats.total > 0 {
		s.AvgResponseTime = o.stats.totalTime / time.Duration(o.stats.total)
		s.SuccessRate = float64(o.stats.total-o.stats.bySource[models.SourceFallback]) / float64(o.stats.total)
	}
	if o.stats.cacheLookups > 0 {
		s.CacheHitRate = float64(o.stats.cacheHits) / float64(o.stats.cacheLookups)
	}
	return s
}

func (o *Orchestrator) GenerateSavingsReport(period analytics.Period) (analytics.SavingsReport, error) {
	if o.deps.Analytics == nil {
		return analytics.SavingsReport{}, eris.New("analytics collector not configured")
	}
	return o.deps.Analytics.SavingsReport(period)
}

func newID() string { return uuid.New().String() }
