package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/pkg/logger"
)

type Client struct {
	db  *sql.DB
	log *zap.Logger
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}

	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, eris.Wrap(err, "failed to enable foreign keys")
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, eris.Wrap(err, "failed to enable WAL mode")
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, log: logger.Named("sqlite")}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL,
		confidence REAL NOT NULL,
		success_rate REAL NOT NULL DEFAULT 0,
		last_used INTEGER,
		specialties TEXT,
		conditions TEXT,
		techniques TEXT,
		symptoms TEXT,
		contraindications TEXT,
		evidence_level TEXT,
		source_url TEXT,
		search_text TEXT NOT NULL,
		tag_text TEXT NOT NULL,
		feedback_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_tenant ON knowledge_entries(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_entries(category);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_source ON knowledge_entries(tenant_id, source_url) WHERE source_url <> '';

	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		user_id TEXT,
		fingerprint TEXT NOT NULL,
		query_text TEXT NOT NULL,
		query_type TEXT NOT NULL,
		source TEXT NOT NULL,
		provider TEXT,
		response_time_ms INTEGER NOT NULL,
		confidence REAL NOT NULL,
		estimated_cost REAL NOT NULL,
		actual_cost REAL NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		attempted_sources TEXT,
		tier_errors TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage_records(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_usage_source ON usage_records(source);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return eris.Wrap(err, "failed to initialize schema")
	}

	logger.Info("SQLite schema initialized")
	return nil
}
