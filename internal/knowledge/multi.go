package knowledge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

type NamedSearcher struct {
	Name     string
	Searcher Searcher
}

// MultiSource fans a search out to every backend and merges the results.
// It only fails when every backend fails.
type MultiSource struct {
	sources []NamedSearcher
	log     *zap.Logger
}

func NewMultiSource(sources ...NamedSearcher) *MultiSource {
	return &MultiSource{sources: sources, log: logger.Named("knowledge")}
}

func (m *MultiSource) Search(ctx context.Context, req SearchRequest) ([]models.KnowledgeResult, error) {
	if len(m.sources) == 0 {
		return nil, eris.New("no knowledge sources configured")
	}

	var (
		mu       sync.Mutex
		sets     = make([][]models.KnowledgeResult, len(m.sources))
		failures int
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range m.sources {
		g.Go(func() error {
			res, err := src.Searcher.Search(gctx, req)
			if err != nil {
				m.log.Warn("knowledge source failed", zap.String("source", src.Name), zap.Error(err))
				mu.Lock()
				failures++
				lastErr = eris.Wrapf(err, "source %s", src.Name)
				mu.Unlock()
				return nil
			}
			sets[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if failures == len(m.sources) {
		return nil, lastErr
	}
	return Dedupe(sets...), nil
}

type usageMarker interface {
	MarkUsed(ctx context.Context, ids []string, at time.Time) error
}

// MarkUsed forwards to every backend that tracks usage.
func (m *MultiSource) MarkUsed(ctx context.Context, ids []string, at time.Time) error {
	var errs []error
	for _, src := range m.sources {
		if mu, ok := src.Searcher.(usageMarker); ok {
			if err := mu.MarkUsed(ctx, ids, at); err != nil {
				errs = append(errs, eris.Wrapf(err, "source %s", src.Name))
			}
		}
	}
	return errors.Join(errs...)
}
