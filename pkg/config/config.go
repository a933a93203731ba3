package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Router    RouterConfig
	Cache     CacheConfig
	Cost      CostConfig
	Providers []ProviderConfig
	Warmer    WarmerConfig
	Knowledge KnowledgeConfig
	Neo4j     Neo4jConfig
	Zilliz    ZillizConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Embedding EmbeddingConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	// AllowedOrigins feeds CORS and the connect-src policy. Empty allows any
	// origin for CORS.
	AllowedOrigins []string
	Development    bool
}

// RouterConfig holds the tier switches and thresholds that can also be
// changed at runtime through the orchestrator.
type RouterConfig struct {
	InternalConfidenceThreshold float64
	CacheEnabled                bool
	PremiumEnabled              bool
	FallbackEnabled             bool
	MaxResponseTime             time.Duration
	MaxQueryLength              int
	MaxMergedEntries            int
	MaxProviderAttempts         int
}

type CacheConfig struct {
	Backend    string
	DefaultTTL time.Duration
	TTLs       map[string]time.Duration
	KeyPrefix  string
	// PurgeInterval is how often the in-memory backend drops expired
	// entries.
	PurgeInterval time.Duration
}

type CostConfig struct {
	CostPerToken    float64
	TypeMultipliers map[string]float64
}

type ProviderConfig struct {
	Name         string
	Kind         string
	Model        string
	APIKey       string
	BaseURL      string
	Region       string
	Enabled      bool
	Priority     int
	QueryTypes   []string
	CostPerToken float64
	MaxTokens    int
	Temperature  float32
	TimeoutSec   int
	Limits       QuotaConfig
}

type QuotaConfig struct {
	MonthlyRequests int64
	MonthlyTokens   int64
	MonthlyCost     float64
}

type WarmerConfig struct {
	Enabled        bool
	TickInterval   time.Duration
	InterJobDelay  time.Duration
	YieldThreshold int
	HistorySize    int
	// PatternRetention deletes query patterns idle for longer than this.
	// Zero keeps them forever.
	PatternRetention time.Duration
	Strategies       []StrategyConfig
}

type StrategyConfig struct {
	Name         string
	Schedule     string
	Selector     string
	MaxQueries   int
	MinFrequency int
}

type KnowledgeConfig struct {
	Backends       []string
	Limit          int
	SeedOnStart    bool
	RebuildOnStart bool
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type ZillizConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	IndexType      string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type EmbeddingConfig struct {
	APIKey string
	Model  string
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads config.yaml from the given paths (or the default search
// locations) and applies PHYSIO_AI_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/physio-ai"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("PHYSIO_AI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !eris.As(err, &notFound) {
			return nil, eris.Wrap(err, "failed to read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	r := c.Router
	if r.InternalConfidenceThreshold < 0 || r.InternalConfidenceThreshold > 1 {
		return eris.Errorf("router.internalConfidenceThreshold must be within [0,1], got %v", r.InternalConfidenceThreshold)
	}
	if r.MaxResponseTime <= 0 {
		return eris.New("router.maxResponseTime must be positive")
	}
	if r.MaxQueryLength <= 0 {
		return eris.New("router.maxQueryLength must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return eris.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return eris.New("provider without name")
		}
		if seen[p.Name] {
			return eris.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.development", false)

	v.SetDefault("router.internalConfidenceThreshold", 0.7)
	v.SetDefault("router.cacheEnabled", true)
	v.SetDefault("router.premiumEnabled", true)
	v.SetDefault("router.fallbackEnabled", true)
	v.SetDefault("router.maxResponseTime", "30s")
	v.SetDefault("router.maxQueryLength", 2000)
	v.SetDefault("router.maxMergedEntries", 3)
	v.SetDefault("router.maxProviderAttempts", 2)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.defaultTTL", "1h")
	v.SetDefault("cache.keyPrefix", "physio:cache:")
	v.SetDefault("cache.purgeInterval", "5m")
	v.SetDefault("cache.ttls", map[string]string{
		"general_question":        "24h",
		"diagnosis_help":          "6h",
		"protocol_suggestion":     "1h",
		"exercise_recommendation": "12h",
		"case_analysis":           "2h",
		"research_query":          "48h",
		"document_analysis":       "4h",
	})

	v.SetDefault("cost.costPerToken", 0.00003)
	v.SetDefault("cost.typeMultipliers", map[string]float64{
		"general_question":        1.0,
		"diagnosis_help":          1.5,
		"protocol_suggestion":     1.3,
		"exercise_recommendation": 1.2,
		"case_analysis":           2.0,
		"research_query":          1.8,
		"document_analysis":       2.5,
	})

	v.SetDefault("warmer.enabled", true)
	v.SetDefault("warmer.tickInterval", "1m")
	v.SetDefault("warmer.interJobDelay", "2s")
	v.SetDefault("warmer.yieldThreshold", 10)
	v.SetDefault("warmer.historySize", 500)
	v.SetDefault("warmer.patternRetention", "2160h")

	v.SetDefault("knowledge.backends", []string{"sqlite"})
	v.SetDefault("knowledge.limit", 10)
	v.SetDefault("knowledge.seedOnStart", false)
	v.SetDefault("knowledge.rebuildOnStart", false)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.collectionName", "physio_knowledge")
	v.SetDefault("zilliz.vectorDim", 1536)
	v.SetDefault("zilliz.indexType", "IVF_FLAT")

	v.SetDefault("sqlite.path", "./data/physio.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("embedding.model", "text-embedding-3-small")

	v.SetDefault("rateLimit.requestsPerSecond", 5)
	v.SetDefault("rateLimit.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
