package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/cache"
	rediscache "github.com/physioclinic/ai-router/internal/cache/redis"
	"github.com/physioclinic/ai-router/internal/ingestion"
	"github.com/physioclinic/ai-router/internal/kg/builder"
	"github.com/physioclinic/ai-router/internal/kg/neo4j"
	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/llm"
	"github.com/physioclinic/ai-router/internal/premium"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/internal/storage/sqlite"
	"github.com/physioclinic/ai-router/internal/vector/zilliz"
	"github.com/physioclinic/ai-router/pkg/config"
	appLogger "github.com/physioclinic/ai-router/pkg/logger"
)

const connectTimeout = 15 * time.Second

func buildCache(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (cache.Store, zilliz.EmbeddingCache, func(), error) {
	policy := cache.TTLPolicyFrom(cfg.Cache.DefaultTTL, cfg.Cache.TTLs)

	if cfg.Cache.Backend != "redis" {
		appLogger.Info("Using in-process response cache", zap.Duration("purge_interval", cfg.Cache.PurgeInterval))
		store := cache.NewMemoryStore(policy, clock)
		go store.RunPurge(ctx, cfg.Cache.PurgeInterval)
		return store, nil, func() {}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := rediscache.Connect(cctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	store := rediscache.NewStore(client, policy, clock, cfg.Cache.KeyPrefix)
	return store, store, func() { _ = store.Close() }, nil
}

type knowledgeBackends struct {
	searcher *knowledge.MultiSource
	indexers []builder.NamedIndexer
	names    []string
	closers  []func()
}

func (b *knowledgeBackends) ingestionIndexers() []ingestion.Indexer {
	out := make([]ingestion.Indexer, 0, len(b.indexers))
	for _, idx := range b.indexers {
		out = append(out, idx.Indexer)
	}
	return out
}

func (b *knowledgeBackends) Close() {
	for _, c := range b.closers {
		c()
	}
}

// buildKnowledge connects every configured backend. SQLite is always
// searched; graph and vector backends are optional and skipped with a
// warning when unreachable.
func buildKnowledge(ctx context.Context, cfg *config.Config, db *sqlite.Client, embeddings zilliz.EmbeddingCache) (*knowledgeBackends, error) {
	b := &knowledgeBackends{}
	sources := []knowledge.NamedSearcher{{Name: "sqlite", Searcher: db}}
	b.names = append(b.names, "sqlite")

	for _, name := range cfg.Knowledge.Backends {
		switch name {
		case "sqlite":
		case "neo4j":
			cctx, cancel := context.WithTimeout(ctx, connectTimeout)
			graph, err := neo4j.NewClient(cctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
			if err == nil {
				err = graph.EnsureSchema(cctx)
			}
			cancel()
			if err != nil {
				appLogger.Warn("Knowledge graph unavailable, continuing without it", zap.Error(err))
				continue
			}
			sources = append(sources, knowledge.NamedSearcher{Name: "neo4j", Searcher: graph})
			b.indexers = append(b.indexers, builder.NamedIndexer{Name: "neo4j", Indexer: graph})
			b.names = append(b.names, "neo4j")
			b.closers = append(b.closers, func() { _ = graph.Close(context.Background()) })
		case "zilliz":
			embedder := llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:         cfg.Embedding.APIKey,
				EmbeddingModel: cfg.Embedding.Model,
			})
			cctx, cancel := context.WithTimeout(ctx, connectTimeout)
			vectors, err := zilliz.NewClient(cctx, zilliz.Options{
				Endpoint:       cfg.Zilliz.Endpoint,
				APIKey:         cfg.Zilliz.APIKey,
				CollectionName: cfg.Zilliz.CollectionName,
				VectorDim:      cfg.Zilliz.VectorDim,
				Embedder:       embedder,
				Cache:          embeddings,
			})
			if err == nil {
				err = vectors.CreateCollection(cctx)
			}
			cancel()
			if err != nil {
				appLogger.Warn("Vector index unavailable, continuing without it", zap.Error(err))
				continue
			}
			sources = append(sources, knowledge.NamedSearcher{Name: "zilliz", Searcher: vectors})
			b.indexers = append(b.indexers, builder.NamedIndexer{Name: "zilliz", Indexer: vectors})
			b.names = append(b.names, "zilliz")
			b.closers = append(b.closers, func() { _ = vectors.Close() })
		default:
			return nil, eris.Errorf("unknown knowledge backend %q", name)
		}
	}

	b.searcher = knowledge.NewMultiSource(sources...)
	return b, nil
}

// buildProviders creates a guarded client for every enabled provider.
// A provider that cannot be constructed is logged and left out.
func buildProviders(ctx context.Context, cfg *config.Config, clock clockwork.Clock) ([]*premium.Provider, func()) {
	var (
		providers []*premium.Provider
		closers   []func()
	)

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}

		var (
			client llm.Completer
			err    error
		)
		switch pc.Kind {
		case "openai":
			client = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:      pc.APIKey,
				BaseURL:     pc.BaseURL,
				Model:       pc.Model,
				Temperature: pc.Temperature,
				MaxTokens:   pc.MaxTokens,
			})
		case "anthropic":
			client = llm.NewAnthropicClient(llm.AnthropicConfig{
				APIKey:      pc.APIKey,
				BaseURL:     pc.BaseURL,
				Model:       pc.Model,
				Temperature: pc.Temperature,
				MaxTokens:   pc.MaxTokens,
			})
		case "bedrock":
			client, err = llm.NewBedrockClientFromRegion(ctx, pc.Region, pc.Model, pc.Temperature, pc.MaxTokens)
		case "gemini":
			var gc *llm.GeminiClient
			gc, err = llm.NewGeminiClient(ctx, pc.APIKey, pc.Model, pc.Temperature, pc.MaxTokens)
			if err == nil {
				client = gc
				closers = append(closers, func() { _ = gc.Close() })
			}
		default:
			err = eris.Errorf("unknown provider kind %q", pc.Kind)
		}
		if err != nil {
			appLogger.Warn("Skipping premium provider", zap.String("provider", pc.Name), zap.Error(err))
			continue
		}

		guard := llm.DefaultGuardOptions()
		guard.Clock = clock
		if pc.TimeoutSec > 0 {
			guard.Timeout = time.Duration(pc.TimeoutSec) * time.Second
		}

		queryTypes := make([]models.QueryType, 0, len(pc.QueryTypes))
		for _, t := range pc.QueryTypes {
			if qt := models.QueryType(t); qt.Valid() {
				queryTypes = append(queryTypes, qt)
			}
		}

		providers = append(providers, &premium.Provider{
			Name:         pc.Name,
			Model:        pc.Model,
			QueryTypes:   queryTypes,
			Priority:     pc.Priority,
			CostPerToken: pc.CostPerToken,
			Limits: premium.Limits{
				MonthlyRequests: pc.Limits.MonthlyRequests,
				MonthlyTokens:   pc.Limits.MonthlyTokens,
				MonthlyCost:     pc.Limits.MonthlyCost,
			},
			Client: llm.NewGuarded(pc.Name, client, guard),
		})
		appLogger.Info("Premium provider enabled",
			zap.String("provider", pc.Name),
			zap.String("kind", pc.Kind),
			zap.String("model", pc.Model),
		)
	}

	if len(providers) == 0 {
		appLogger.Warn("No premium providers configured; unanswered queries will fall back")
	}

	return providers, func() {
		for _, c := range closers {
			c()
		}
	}
}

// prepareKnowledge seeds an empty store and backfills the optional indexes,
// as configured. It runs off the request path.
func prepareKnowledge(ctx context.Context, cfg config.KnowledgeConfig, kb *builder.Builder) {
	if cfg.SeedOnStart {
		if _, err := kb.Seed(ctx); err != nil {
			appLogger.Warn("Failed to seed knowledge store", zap.Error(err))
		}
	}
	if cfg.RebuildOnStart {
		if _, err := kb.Rebuild(ctx); err != nil {
			appLogger.Warn("Knowledge index rebuild incomplete", zap.Error(err))
		}
	}
}
