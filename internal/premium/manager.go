// Package premium meters access to paid LLM providers: quota tracking,
// per-query-type provider selection and single-shot execution.
package premium

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/llm"
	"github.com/physioclinic/ai-router/internal/metrics"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

var (
	ErrQuotaExceeded       = eris.New("provider quota exceeded")
	ErrProviderUnavailable = eris.New("premium provider unavailable")
)

type Limits struct {
	MonthlyRequests int64
	MonthlyTokens   int64
	MonthlyCost     float64
}

type Provider struct {
	Name         string
	Model        string
	QueryTypes   []models.QueryType
	Priority     int
	CostPerToken float64
	Limits       Limits
	Client       llm.Completer
}

func (p *Provider) handles(qt models.QueryType) int {
	if len(p.QueryTypes) == 0 {
		return 1
	}
	for _, t := range p.QueryTypes {
		if t == qt {
			return 2
		}
	}
	return 0
}

// availability is implemented by llm.Guarded.
type availability interface {
	Available() bool
}

type Result struct {
	Response *models.Response
	Tokens   int
	Cost     float64
}

type Options struct {
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
	WarningRatio float64
	Confidence   float64
	Reliability  float64
	Temperature  float32
	MaxTokens    int
}

type usage struct {
	requests    int64
	tokens      int64
	cost        float64
	failures    int64
	periodStart time.Time
}

type Manager struct {
	providers []*Provider
	opts      Options
	clock     clockwork.Clock
	log       *zap.Logger

	mu    sync.Mutex
	usage map[string]*usage
}

func NewManager(providers []*Provider, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.WarningRatio <= 0 {
		opts.WarningRatio = 0.8
	}
	if opts.Confidence <= 0 {
		opts.Confidence = 0.8
	}
	if opts.Reliability <= 0 {
		opts.Reliability = 0.7
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 800
	}

	m := &Manager{
		providers: providers,
		opts:      opts,
		clock:     opts.Clock,
		log:       logger.Named("premium"),
		usage:     make(map[string]*usage, len(providers)),
	}
	start := periodStart(m.clock.Now())
	for _, p := range providers {
		m.usage[p.Name] = &usage{periodStart: start}
	}
	return m
}

func (m *Manager) Providers() []*Provider {
	return append([]*Provider(nil), m.providers...)
}

// SelectBestProvider picks the provider best suited to the query type that
// still has quota and a closed circuit. Names in exclude are skipped.
// Returns nil when nothing is usable.
func (m *Manager) SelectBestProvider(qt models.QueryType, exclude ...string) *Provider {
	skip := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		skip[n] = true
	}

	type candidate struct {
		p      *Provider
		fit    int
		status models.ProviderStatus
	}

	m.mu.Lock()
	var candidates []candidate
	for _, p := range m.providers {
		if skip[p.Name] || p.Client == nil {
			continue
		}
		fit := p.handles(qt)
		if fit == 0 {
			continue
		}
		status, _ := m.statusLocked(p)
		if status == models.ProviderLimitReached {
			continue
		}
		if a, ok := p.Client.(availability); ok && !a.Available() {
			continue
		}
		candidates = append(candidates, candidate{p: p, fit: fit, status: status})
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.fit != b.fit {
			return a.fit > b.fit
		}
		if a.status != b.status {
			return a.status == models.ProviderAvailable
		}
		if a.p.Priority != b.p.Priority {
			return a.p.Priority < b.p.Priority
		}
		if a.p.CostPerToken != b.p.CostPerToken {
			return a.p.CostPerToken < b.p.CostPerToken
		}
		return a.p.Name < b.p.Name
	})
	return candidates[0].p
}

// Query runs the query once against the given provider. It does not fall
// over to another provider; that decision belongs to the caller.
func (m *Manager) Query(ctx context.Context, p *Provider, q models.Query) (*Result, error) {
	if p == nil {
		return nil, ErrProviderUnavailable
	}

	m.mu.Lock()
	u, ok := m.usage[p.Name]
	if !ok {
		m.mu.Unlock()
		return nil, eris.Wrapf(ErrProviderUnavailable, "unknown provider %s", p.Name)
	}
	if status, _ := m.statusLocked(p); status == models.ProviderLimitReached {
		m.mu.Unlock()
		return nil, eris.Wrapf(ErrQuotaExceeded, "provider %s", p.Name)
	}
	// reserve the request slot before calling out
	u.requests++
	m.mu.Unlock()

	req := BuildPrompt(q)
	req.Temperature = m.opts.Temperature
	req.MaxTokens = m.opts.MaxTokens

	start := m.clock.Now()
	out, err := p.Client.Complete(ctx, req)
	if err != nil {
		m.mu.Lock()
		u.failures++
		m.mu.Unlock()
		m.log.Warn("premium provider call failed",
			zap.String("provider", p.Name),
			zap.String("query_id", q.ID),
			zap.Error(err),
		)
		return nil, eris.Wrapf(err, "provider %s", p.Name)
	}

	tokens := out.Usage.TotalTokens
	if tokens <= 0 {
		tokens = estimateTokens(req.SystemPrompt) + estimateTokens(req.UserPrompt) + estimateTokens(out.Content)
	}
	cost := float64(tokens) * p.CostPerToken

	m.mu.Lock()
	u.tokens += int64(tokens)
	u.cost += cost
	_, ratio := m.statusLocked(p)
	m.mu.Unlock()

	m.opts.Metrics.PremiumUsage(p.Name, tokens, cost, ratio)

	model := out.Model
	if model == "" {
		model = p.Model
	}

	now := m.clock.Now()
	resp := &models.Response{
		ID:         uuid.New().String(),
		QueryID:    q.ID,
		Content:    out.Content,
		Confidence: m.opts.Confidence,
		Source:     models.SourcePremium,
		Provider:   p.Name,
		References: []models.Reference{{
			ID:    p.Name,
			Title: "AI generated answer (" + model + ")",
			Kind:  "ai_generated",
		}},
		Suggestions:       []string{"Confirm the recommendation against the patient's clinical assessment"},
		FollowUpQuestions: knowledge.FollowUps(q.Type),
		ResponseTime:      now.Sub(start),
		CreatedAt:         now,
		Metadata: models.ResponseMetadata{
			Reliability: m.opts.Reliability,
			Relevance:   m.opts.Confidence,
			Model:       model,
			TokensUsed:  tokens,
		},
	}

	m.log.Info("premium query answered",
		zap.String("provider", p.Name),
		zap.String("query_id", q.ID),
		zap.Int("tokens", tokens),
		zap.Float64("cost_usd", cost),
	)

	return &Result{Response: resp, Tokens: tokens, Cost: cost}, nil
}

func (m *Manager) UsageStatus(name string) models.ProviderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		if p.Name == name {
			status, _ := m.statusLocked(p)
			return status
		}
	}
	return models.ProviderLimitReached
}

// Usage returns a snapshot for every provider in the current period.
func (m *Manager) Usage() []models.ProviderUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ProviderUsage, 0, len(m.providers))
	for _, p := range m.providers {
		status, ratio := m.statusLocked(p)
		u := m.usage[p.Name]
		out = append(out, models.ProviderUsage{
			Provider:    p.Name,
			Requests:    u.requests,
			Tokens:      u.tokens,
			Cost:        u.cost,
			Failures:    u.failures,
			PeriodStart: u.periodStart,
			QuotaRatio:  ratio,
			Status:      status,
		})
	}
	return out
}

// statusLocked rolls the period over if needed and derives the status from
// the most consumed limit. Caller holds m.mu.
func (m *Manager) statusLocked(p *Provider) (models.ProviderStatus, float64) {
	u := m.usage[p.Name]
	if u == nil {
		return models.ProviderLimitReached, 1
	}
	if start := periodStart(m.clock.Now()); start.After(u.periodStart) {
		*u = usage{periodStart: start}
	}

	var ratio float64
	if l := p.Limits.MonthlyRequests; l > 0 {
		ratio = maxf(ratio, float64(u.requests)/float64(l))
	}
	if l := p.Limits.MonthlyTokens; l > 0 {
		ratio = maxf(ratio, float64(u.tokens)/float64(l))
	}
	if l := p.Limits.MonthlyCost; l > 0 {
		ratio = maxf(ratio, u.cost/l)
	}

	switch {
	case ratio >= 1:
		return models.ProviderLimitReached, ratio
	case ratio >= m.opts.WarningRatio:
		return models.ProviderWarning, ratio
	}
	return models.ProviderAvailable, ratio
}

func periodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func estimateTokens(s string) int {
	return len([]rune(s)) / 4
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
