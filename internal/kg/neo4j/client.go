// Package neo4j stores knowledge entries as a clinical graph (entries linked
// to the conditions, symptoms, techniques and specialties they cover) and
// searches it by those links.
package neo4j

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/knowledge"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/circuitbreaker"
	"github.com/physioclinic/ai-router/pkg/logger"
	"github.com/physioclinic/ai-router/pkg/retry"
)

const queryTimeout = 10 * time.Second

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
	log         *zap.Logger
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create neo4j driver")
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, eris.Wrap(err, "failed to verify neo4j connectivity")
	}
	if database == "" {
		database = "neo4j"
	}

	log := logger.Named("kg.neo4j")
	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           log,
	})

	retryConfig := retry.DefaultConfig()
	retryConfig.MaxDelay = 3 * time.Second
	retryConfig.RetryIf = isRetryable
	retryConfig.Logger = log

	log.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
		log:         log,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func isRetryable(err error) bool {
	return neo4j.IsRetryable(err) || retry.IsTransient(err)
}

func (c *Client) execute(ctx context.Context, mode neo4j.AccessMode, work func(ctx context.Context, session neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
			defer session.Close(ctx)
			return work(ctx, session)
		})
	})
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT knowledge_entry_id IF NOT EXISTS FOR (e:KnowledgeEntry) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT clinical_term_key IF NOT EXISTS FOR (t:Term) REQUIRE (t.kind, t.name) IS UNIQUE",
	}
	return c.execute(ctx, neo4j.AccessModeWrite, func(ctx context.Context, session neo4j.SessionWithContext) error {
		for _, stmt := range statements {
			if _, err := session.Run(ctx, stmt, nil); err != nil {
				return eris.Wrapf(err, "failed to run %q", stmt)
			}
		}
		return nil
	})
}

// IndexEntry writes the entry node and links it to one Term node per
// condition, symptom, technique and specialty. Existing links are replaced.
func (c *Client) IndexEntry(ctx context.Context, e *models.KnowledgeEntry) error {
	const cypher = `
		MERGE (e:KnowledgeEntry {id: $id})
		SET e.tenant_id = $tenant_id,
		    e.title = $title,
		    e.content = $content,
		    e.category = $category,
		    e.confidence = $confidence,
		    e.success_rate = $success_rate,
		    e.evidence_level = $evidence_level,
		    e.source_url = $source_url,
		    e.specialties = $specialties,
		    e.conditions = $conditions,
		    e.techniques = $techniques,
		    e.symptoms = $symptoms,
		    e.updated_at = timestamp()
		WITH e
		OPTIONAL MATCH (e)-[old:COVERS]->(:Term)
		DELETE old
		WITH DISTINCT e
		UNWIND $terms AS term
		MERGE (t:Term {kind: term.kind, name: term.name})
		MERGE (e)-[:COVERS]->(t)
	`

	params := entryParams(e)
	err := c.execute(ctx, neo4j.AccessModeWrite, func(ctx context.Context, session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, cypher, params)
		return err
	})
	if err != nil {
		return eris.Wrapf(err, "failed to index entry %s in graph", e.ID)
	}

	c.log.Debug("entry indexed in graph", zap.String("entry_id", e.ID), zap.Int("terms", len(params["terms"].([]map[string]any))))
	return nil
}

// Search returns entries linked to any of the request's clinical terms,
// scored by the share of terms they cover.
func (c *Client) Search(ctx context.Context, req knowledge.SearchRequest) ([]models.KnowledgeResult, error) {
	terms := SearchTerms(req)
	if len(terms) == 0 {
		return nil, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	const cypher = `
		MATCH (e:KnowledgeEntry)-[:COVERS]->(t:Term)
		WHERE t.name IN $terms
		  AND (e.tenant_id = '' OR e.tenant_id = $tenant_id)
		WITH e, count(DISTINCT t.name) AS hits
		RETURN e.id AS id, e.tenant_id AS tenant_id, e.title AS title, e.content AS content,
		       e.category AS category, e.confidence AS confidence, e.success_rate AS success_rate,
		       e.evidence_level AS evidence_level, e.source_url AS source_url,
		       e.specialties AS specialties, e.conditions AS conditions,
		       e.techniques AS techniques, e.symptoms AS symptoms, hits
		ORDER BY hits DESC, e.confidence DESC
		LIMIT $limit
	`

	var results []models.KnowledgeResult
	err := c.execute(ctx, neo4j.AccessModeRead, func(ctx context.Context, session neo4j.SessionWithContext) error {
		results = results[:0]
		res, err := session.Run(ctx, cypher, map[string]any{
			"terms":     terms,
			"tenant_id": req.TenantID,
			"limit":     int64(limit),
		})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			row := res.Record().AsMap()
			entry := entryFromRow(row)
			results = append(results, models.KnowledgeResult{
				Entry:          entry,
				RelevanceScore: Relevance(asInt(row["hits"]), len(terms)),
			})
		}
		return res.Err()
	})
	if err != nil {
		return nil, eris.Wrap(err, "graph search failed")
	}

	c.log.Debug("graph search completed",
		zap.Int("terms", len(terms)),
		zap.Int("results", len(results)),
	)
	return results, nil
}
