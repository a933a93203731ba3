// Package zilliz indexes knowledge entries as embeddings in Milvus/Zilliz
// and answers semantic searches against them.
package zilliz

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/llm"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
	"github.com/physioclinic/ai-router/pkg/utils"
)

const (
	embeddingTTL    = 7 * 24 * time.Hour
	maxContentBytes = 4000
)

var outputFields = []string{
	"entry_id", "tenant_id", "title", "content", "category",
	"confidence", "success_rate", "evidence_level", "source_url", "tags",
}

// EmbeddingCache avoids re-embedding identical query texts. The Redis cache
// store implements it.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	embedder       llm.Embedder
	cache          EmbeddingCache
	log            *zap.Logger
}

type Options struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	Embedder       llm.Embedder
	Cache          EmbeddingCache
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Embedder == nil {
		return nil, eris.New("vector search requires an embedder")
	}
	cfg := client.Config{Address: opts.Endpoint, APIKey: opts.APIKey}
	c, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create milvus client")
	}

	log := logger.Named("vector.zilliz")
	log.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", opts.Endpoint),
		zap.String("collection", opts.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: opts.CollectionName,
		vectorDim:      opts.VectorDim,
		embedder:       opts.Embedder,
		cache:          opts.Cache,
		log:            log,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxLen)},
	}
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return eris.Wrap(err, "failed to check collection")
	}
	if has {
		z.log.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	pk := varchar("entry_id", 64)
	pk.PrimaryKey = true

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Physiotherapy knowledge entry embeddings",
		Fields: []*entity.Field{
			pk,
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			varchar("tenant_id", 128),
			varchar("title", 512),
			varchar("content", maxContentBytes+96),
			varchar("category", 32),
			{Name: "confidence", DataType: entity.FieldTypeDouble},
			{Name: "success_rate", DataType: entity.FieldTypeDouble},
			varchar("evidence_level", 32),
			varchar("source_url", 512),
			varchar("tags", 2048),
			{Name: "updated_at", DataType: entity.FieldTypeInt64},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return eris.Wrap(err, "failed to create collection")
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return eris.Wrap(err, "failed to build index params")
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return eris.Wrap(err, "failed to create index")
	}
	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return eris.Wrap(err, "failed to load collection")
	}

	z.log.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// IndexEntry embeds the entry and replaces any previous vector for it.
func (z *Client) IndexEntry(ctx context.Context, e *models.KnowledgeEntry) error {
	vec, err := z.embedder.Embed(ctx, EntryText(e))
	if err != nil {
		return eris.Wrapf(err, "failed to embed entry %s", e.ID)
	}
	if len(vec) != z.vectorDim {
		return eris.Errorf("embedding dimension %d does not match collection dimension %d", len(vec), z.vectorDim)
	}

	if err := z.client.Delete(ctx, z.collectionName, "", idExpr(e.ID)); err != nil {
		return eris.Wrapf(err, "failed to replace vector for %s", e.ID)
	}

	_, err = z.client.Insert(ctx, z.collectionName, "",
		entity.NewColumnVarChar("entry_id", []string{e.ID}),
		entity.NewColumnFloatVector("embedding", z.vectorDim, [][]float32{vec}),
		entity.NewColumnVarChar("tenant_id", []string{e.TenantID}),
		entity.NewColumnVarChar("title", []string{truncate(e.Title, 500)}),
		entity.NewColumnVarChar("content", []string{truncate(e.Content, maxContentBytes)}),
		entity.NewColumnVarChar("category", []string{string(e.Category)}),
		entity.NewColumnDouble("confidence", []float64{e.Confidence}),
		entity.NewColumnDouble("success_rate", []float64{e.SuccessRate}),
		entity.NewColumnVarChar("evidence_level", []string{e.EvidenceLevel}),
		entity.NewColumnVarChar("source_url", []string{truncate(e.SourceURL, 500)}),
		entity.NewColumnVarChar("tags", []string{truncate(encodeTags(e), 2000)}),
		entity.NewColumnInt64("updated_at", []int64{e.UpdatedAt.Unix()}),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to insert vector for %s", e.ID)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return eris.Wrap(err, "failed to flush")
	}

	z.log.Debug("entry indexed in vector store", zap.String("entry_id", e.ID))
	return nil
}

// Search embeds the request and returns the nearest entries visible to the
// tenant.
func (z *Client) Search(ctx context.Context, req knowledge.SearchRequest) ([]models.KnowledgeResult, error) {
	text := QueryText(req)
	if text == "" {
		return nil, nil
	}
	vec, err := z.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	topK := req.Limit
	if topK <= 0 {
		topK = 10
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, eris.Wrap(err, "failed to build search params")
	}

	found, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		TenantExpr(req.TenantID),
		outputFields,
		[]entity.Vector{entity.FloatVector(vec)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, eris.Wrap(err, "vector search failed")
	}

	var results []models.KnowledgeResult
	for _, sr := range found {
		for i := 0; i < sr.ResultCount; i++ {
			row := make(map[string]any, len(outputFields))
			for _, name := range outputFields {
				if col := sr.Fields.GetColumn(name); col != nil {
					row[name], _ = col.Get(i)
				}
			}
			results = append(results, models.KnowledgeResult{
				Entry:          entryFromRow(row),
				RelevanceScore: RelevanceFromDistance(sr.Scores[i]),
			})
		}
	}

	z.log.Debug("vector search completed",
		zap.Int("top_k", topK),
		zap.Int("results", len(results)),
	)
	return results, nil
}

func (z *Client) embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)
	if z.cache != nil {
		if vec, ok, err := z.cache.GetEmbedding(ctx, key); err == nil && ok {
			return vec, nil
		} else if err != nil {
			z.log.Debug("embedding cache read failed", zap.Error(err))
		}
	}

	vec, err := z.embedder.Embed(ctx, text)
	if err != nil {
		return nil, eris.Wrap(err, "failed to embed query")
	}

	if z.cache != nil {
		if err := z.cache.SetEmbedding(ctx, key, vec, embeddingTTL); err != nil {
			z.log.Debug("embedding cache write failed", zap.Error(err))
		}
	}
	return vec, nil
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
