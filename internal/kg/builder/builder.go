// Package builder keeps the graph and vector indexes in step with the
// SQLite knowledge store: it backfills every stored entry into them and can
// seed an empty store with baseline clinical entries.
package builder

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/ingestion"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

const defaultPageSize = 100

type EntryStore interface {
	ingestion.Store
	ListEntries(ctx context.Context, afterID string, limit int) ([]*models.KnowledgeEntry, error)
	CountEntries(ctx context.Context) (int, error)
}

// NamedIndexer is one index to rebuild, e.g. "neo4j" or "zilliz".
type NamedIndexer struct {
	Name    string
	Indexer ingestion.Indexer
}

type Report struct {
	Entries  int            `json:"entries"`
	Indexed  map[string]int `json:"indexed"`
	Failed   map[string]int `json:"failed"`
	Duration time.Duration  `json:"duration"`
}

type Builder struct {
	store    EntryStore
	indexers []NamedIndexer
	pageSize int
	clock    clockwork.Clock
	log      *zap.Logger
}

func NewBuilder(store EntryStore, clock clockwork.Clock, indexers ...NamedIndexer) *Builder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Builder{
		store:    store,
		indexers: indexers,
		pageSize: defaultPageSize,
		clock:    clock,
		log:      logger.Named("kg.builder"),
	}
}

// Rebuild pushes every stored entry into every index. A failing entry is
// counted and skipped; only a store error aborts the run.
func (b *Builder) Rebuild(ctx context.Context) (*Report, error) {
	start := b.clock.Now()
	report := &Report{Indexed: map[string]int{}, Failed: map[string]int{}}
	if len(b.indexers) == 0 {
		return report, nil
	}

	b.log.Info("Rebuilding knowledge indexes", zap.Int("indexes", len(b.indexers)))

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := b.store.ListEntries(ctx, after, b.pageSize)
		if err != nil {
			return report, eris.Wrap(err, "failed to page knowledge entries")
		}
		if len(page) == 0 {
			break
		}

		for _, e := range page {
			report.Entries++
			for _, idx := range b.indexers {
				if err := idx.Indexer.IndexEntry(ctx, e); err != nil {
					report.Failed[idx.Name]++
					b.log.Debug("Failed to index entry",
						zap.String("index", idx.Name),
						zap.String("entry_id", e.ID),
						zap.Error(err),
					)
					continue
				}
				report.Indexed[idx.Name]++
			}
		}
		after = page[len(page)-1].ID
	}

	report.Duration = b.clock.Since(start)
	b.log.Info("Knowledge indexes rebuilt",
		zap.Int("entries", report.Entries),
		zap.Any("indexed", report.Indexed),
		zap.Any("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// Seed stores the baseline entries when the store is empty. It reports how
// many entries were written.
func (b *Builder) Seed(ctx context.Context) (int, error) {
	n, err := b.store.CountEntries(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "failed to count knowledge entries")
	}
	if n > 0 {
		b.log.Debug("Knowledge store not empty, skipping seed", zap.Int("entries", n))
		return 0, nil
	}

	now := b.clock.Now()
	written := 0
	for _, e := range seedEntries() {
		e.CreatedAt = now
		if err := b.store.UpsertEntry(ctx, e); err != nil {
			b.log.Error("Failed to insert seed entry", zap.String("entry_id", e.ID), zap.Error(err))
			continue
		}
		written++
		for _, idx := range b.indexers {
			if err := idx.Indexer.IndexEntry(ctx, e); err != nil {
				b.log.Warn("Failed to index seed entry", zap.String("index", idx.Name), zap.Error(err))
			}
		}
	}

	b.log.Info("Seed knowledge initialized", zap.Int("count", written))
	return written, nil
}

func seedEntries() []*models.KnowledgeEntry {
	return []*models.KnowledgeEntry{
		{
			ID:            "seed-lombalgia-estabilizacao",
			Title:         "Exercícios de estabilização para lombalgia crônica inespecífica",
			Content:       "Programas de controle motor e estabilização segmentar, com progressão de carga e educação em dor, reduzem dor e incapacidade na lombalgia crônica inespecífica. Sessões de 2 a 3 vezes por semana por 6 a 8 semanas.",
			Category:      models.CategoryExercise,
			Confidence:    0.75,
			Specialties:   []string{"ortopedia"},
			Conditions:    []string{"lombalgia"},
			Symptoms:      []string{"dor lombar"},
			Techniques:    []string{"controle motor", "estabilização segmentar", "educação em dor"},
			EvidenceLevel: "A",
		},
		{
			ID:            "seed-tendinopatia-patelar",
			Title:         "Protocolo de carga para tendinopatia patelar",
			Content:       "Exercícios isométricos para analgesia na fase reativa, seguidos de carga isotônica pesada e lenta e, por fim, exercícios de armazenamento de energia antes do retorno ao esporte.",
			Category:      models.CategoryProtocol,
			Confidence:    0.72,
			Specialties:   []string{"esportiva"},
			Conditions:    []string{"tendinopatia patelar"},
			Symptoms:      []string{"dor anterior no joelho"},
			Techniques:    []string{"isometria", "carga pesada e lenta", "pliometria"},
			EvidenceLevel: "B",
		},
		{
			ID:                "seed-ombro-impacto",
			Title:             "Dor no ombro relacionada ao manguito rotador",
			Content:           "Fortalecimento progressivo de rotadores externos e estabilizadores escapulares, associado a terapia manual, melhora dor e função. Evitar repouso prolongado.",
			Category:          models.CategoryCondition,
			Confidence:        0.7,
			Specialties:       []string{"ortopedia"},
			Conditions:        []string{"síndrome do impacto", "tendinopatia do manguito rotador"},
			Symptoms:          []string{"dor no ombro", "dor ao elevar o braço"},
			Techniques:        []string{"fortalecimento", "terapia manual", "controle escapular"},
			Contraindications: []string{"ruptura completa aguda"},
			EvidenceLevel:     "B",
		},
	}
}
