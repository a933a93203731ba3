package query

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/premium"
	"github.com/physioclinic/ai-router/internal/storage/models"
)

const markUsedTimeout = 2 * time.Second

// trace collects what happened to one query on its way through the tiers.
type trace struct {
	attempted   []models.Source
	errs        []*TierError
	premiumCost float64
}

func (t *trace) attempt(s models.Source) { t.attempted = append(t.attempted, s) }

func (t *trace) tried(s models.Source) bool {
	for _, a := range t.attempted {
		if a == s {
			return true
		}
	}
	return false
}

func (t *trace) fail(s models.Source, err error) *TierError {
	te := classify(s, err)
	t.errs = append(t.errs, te)
	return te
}

func (t *trace) errorMap() map[string]string {
	if len(t.errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(t.errs))
	for _, e := range t.errs {
		msg := e.Kind.Error()
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		out[string(e.Tier)] = msg
	}
	return out
}

func (t *trace) summary() string {
	parts := make([]string, 0, len(t.errs))
	for _, e := range t.errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// runTier runs fn in its own goroutine so a tier that ignores ctx can still
// be abandoned when the deadline passes.
func runTier[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (o *Orchestrator) tierFailed(tr *trace, tier models.Source, q models.Query, err error) {
	te := tr.fail(tier, err)
	o.deps.Metrics.TierError(string(tier))
	o.log.Warn("tier failed",
		zap.String("tier", string(tier)),
		zap.String("query_id", q.ID),
		zap.String("kind", te.Kind.Error()),
		zap.Error(err),
	)
}

func (o *Orchestrator) internalTier(ctx context.Context, q models.Query, cfg Config, tr *trace) *models.Response {
	if o.deps.Knowledge == nil || ctx.Err() != nil {
		return nil
	}
	tr.attempt(models.SourceInternal)

	ranked, err := runTier(ctx, func(ctx context.Context) ([]knowledge.Ranked, error) {
		return o.searchKnowledge(ctx, q, cfg)
	})
	if err != nil {
		o.tierFailed(tr, models.SourceInternal, q, err)
		return nil
	}
	if len(ranked) == 0 || ranked[0].Score < cfg.InternalConfidenceThreshold {
		return nil
	}

	n := cfg.mergeCount()
	merged := knowledge.Merge(ranked, n, q.Type)
	if n > len(ranked) {
		n = len(ranked)
	}
	o.markUsed(ranked[:n])

	return &models.Response{
		ID:                newID(),
		QueryID:           q.ID,
		Content:           merged.Content,
		Confidence:        merged.Confidence,
		Source:            models.SourceInternal,
		References:        merged.References,
		Suggestions:       merged.Suggestions,
		FollowUpQuestions: merged.FollowUpQuestions,
		CreatedAt:         o.clock.Now(),
		Metadata:          merged.Metadata,
	}
}

// searchKnowledge searches by text, symptoms and diagnosis independently
// and ranks the deduplicated union. It fails only when every search fails.
func (o *Orchestrator) searchKnowledge(ctx context.Context, q models.Query, cfg Config) ([]knowledge.Ranked, error) {
	base := knowledge.SearchRequest{
		Specialty: q.Context.Specialty,
		TenantID:  q.Context.TenantID,
		Limit:     cfg.KnowledgeLimit,
	}

	requests := []knowledge.SearchRequest{base}
	requests[0].Text = q.Text
	if len(q.Context.Symptoms) > 0 {
		r := base
		r.Symptoms = q.Context.Symptoms
		requests = append(requests, r)
	}
	if q.Context.Diagnosis != "" {
		r := base
		r.Diagnosis = q.Context.Diagnosis
		requests = append(requests, r)
	}

	var (
		sets     [][]models.KnowledgeResult
		firstErr error
	)
	for _, req := range requests {
		results, err := o.deps.Knowledge.Search(ctx, req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sets = append(sets, results)
	}
	if len(sets) == 0 {
		return nil, firstErr
	}
	if firstErr != nil {
		o.log.Debug("partial knowledge search failure", zap.String("query_id", q.ID), zap.Error(firstErr))
	}

	return knowledge.Rank(knowledge.Dedupe(sets...), q.Context.Specialty, o.clock.Now()), nil
}

// markUsed stamps the merged entries as used without delaying the answer.
func (o *Orchestrator) markUsed(used []knowledge.Ranked) {
	marker, ok := o.deps.Knowledge.(usageMarker)
	if !ok || len(used) == 0 {
		return
	}
	ids := make([]string, 0, len(used))
	for _, r := range used {
		ids = append(ids, r.Entry.ID)
	}
	at := o.clock.Now()
	started := o.goBackground(markUsedTimeout, func(ctx context.Context) {
		if err := marker.MarkUsed(ctx, ids, at); err != nil {
			o.log.Warn("failed to mark knowledge entries used", zap.Error(err))
		}
	})
	if !started {
		o.log.Warn("usage marking backlog full, skipping", zap.Strings("entry_ids", ids))
	}
}

func (o *Orchestrator) cacheTier(ctx context.Context, q models.Query, tr *trace) *models.Response {
	if o.deps.Cache == nil || ctx.Err() != nil {
		return nil
	}
	tr.attempt(models.SourceCache)

	cached, err := runTier(ctx, func(ctx context.Context) (*models.Response, error) {
		return o.deps.Cache.Get(ctx, q.Fingerprint, q.Type)
	})
	if err != nil {
		o.tierFailed(tr, models.SourceCache, q, err)
		return nil
	}
	o.deps.Metrics.CacheLookup(cached != nil)
	if cached == nil {
		return nil
	}
	return cached.ServedFrom(models.SourceCache, q.ID, o.clock.Now())
}

// premiumOutcome is shared by every caller collapsed onto one premium
// resolution. The first caller to claim it is charged the cost.
type premiumOutcome struct {
	result  *premium.Result
	claimed atomic.Bool
}

func (o *Orchestrator) premiumTier(ctx context.Context, q models.Query, cfg Config, tr *trace, writeBack bool) *models.Response {
	if o.deps.Premium == nil || ctx.Err() != nil {
		return nil
	}
	tr.attempt(models.SourcePremium)

	key := fmt.Sprintf("%s|%t", q.Fingerprint, writeBack)
	ch := o.premium.DoChan(key, func() (interface{}, error) {
		// detached so an abandoned caller still leaves the answer cached
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.MaxResponseTime)
		defer cancel()
		res, err := o.queryProviders(pctx, q, cfg, writeBack)
		if err != nil {
			return nil, err
		}
		return &premiumOutcome{result: res}, nil
	})

	var out *premiumOutcome
	select {
	case <-ctx.Done():
		o.tierFailed(tr, models.SourcePremium, q, ctx.Err())
		return nil
	case r := <-ch:
		if r.Err != nil {
			o.tierFailed(tr, models.SourcePremium, q, r.Err)
			return nil
		}
		out = r.Val.(*premiumOutcome)
	}

	if out.claimed.CompareAndSwap(false, true) {
		tr.premiumCost = out.result.Cost
	}
	resp := out.result.Response.ServedFrom(models.SourcePremium, q.ID, o.clock.Now())
	return resp
}

// queryProviders tries up to MaxProviderAttempts providers, best first. A
// provider that fails is excluded from the next selection.
func (o *Orchestrator) queryProviders(ctx context.Context, q models.Query, cfg Config, writeBack bool) (*premium.Result, error) {
	var (
		exclude []string
		lastErr error
	)
	for attempt := 0; attempt < cfg.MaxProviderAttempts; attempt++ {
		p := o.deps.Premium.SelectBestProvider(q.Type, exclude...)
		if p == nil {
			break
		}
		res, err := o.deps.Premium.Query(ctx, p, q)
		if err != nil {
			lastErr = err
			exclude = append(exclude, p.Name)
			o.log.Warn("premium provider attempt failed",
				zap.String("provider", p.Name),
				zap.String("status", string(o.deps.Premium.UsageStatus(p.Name))),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if writeBack && o.deps.Cache != nil {
			if err := o.deps.Cache.Set(ctx, q.Fingerprint, res.Response, q.Type); err != nil {
				o.deps.Metrics.TierError(string(models.SourceCache))
				o.log.Warn("failed to write premium answer to cache",
					zap.String("query_id", q.ID),
					zap.Error(err),
				)
			}
		}
		return res, nil
	}

	if lastErr == nil {
		lastErr = eris.Wrapf(premium.ErrProviderUnavailable, "no provider available for %s", q.Type)
	}
	return nil, lastErr
}
