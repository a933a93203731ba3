package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/analytics"
	"github.com/physioclinic/ai-router/internal/api/handlers"
	"github.com/physioclinic/ai-router/internal/ingestion"
	"github.com/physioclinic/ai-router/internal/kg/builder"
	"github.com/physioclinic/ai-router/internal/metrics"
	"github.com/physioclinic/ai-router/internal/middleware/ratelimit"
	"github.com/physioclinic/ai-router/internal/middleware/security"
	"github.com/physioclinic/ai-router/internal/middleware/validation"
	"github.com/physioclinic/ai-router/internal/patterns"
	"github.com/physioclinic/ai-router/internal/premium"
	"github.com/physioclinic/ai-router/internal/query"
	"github.com/physioclinic/ai-router/internal/storage/sqlite"
	"github.com/physioclinic/ai-router/internal/warmer"
	"github.com/physioclinic/ai-router/pkg/config"
	appLogger "github.com/physioclinic/ai-router/pkg/logger"
)

// usageHistory is how far back analytics are reloaded from SQLite on start.
const usageHistory = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(appLogger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting physiotherapy AI router")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	clock := clockwork.NewRealClock()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	cacheStore, embeddingCache, closeCache, err := buildCache(ctx, cfg, clock)
	if err != nil {
		appLogger.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer closeCache()

	backends, err := buildKnowledge(ctx, cfg, sqliteClient, embeddingCache)
	if err != nil {
		appLogger.Fatal("Failed to initialize knowledge backends", zap.Error(err))
	}
	defer backends.Close()

	providers, closeProviders := buildProviders(ctx, cfg, clock)
	defer closeProviders()

	premiumManager := premium.NewManager(providers, premium.Options{
		Clock:   clock,
		Metrics: m,
	})

	patternStore := patterns.NewStore()
	patternFeed := patterns.NewFeed(patternStore, 0)
	go patternFeed.Run(ctx)
	go patternStore.RunRetention(ctx, clock, cfg.Warmer.PatternRetention, time.Hour)

	collector := analytics.NewCollector(analytics.Options{
		Clock:     clock,
		Persister: sqliteClient,
	})
	loadCtx, cancelLoad := context.WithTimeout(ctx, 10*time.Second)
	now := clock.Now()
	history, err := sqliteClient.ListUsageRecords(loadCtx, now.Add(-usageHistory), now.Add(time.Minute))
	cancelLoad()
	if err != nil {
		appLogger.Warn("Failed to load usage history", zap.Error(err))
	} else {
		collector.Load(now.Add(-usageHistory), history)
		appLogger.Info("Usage history loaded", zap.Int("records", len(history)))
	}
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		collector.Run(ctx)
	}()

	orchestrator, err := query.NewOrchestrator(
		query.ConfigFrom(cfg.Router, cfg.Cost, cfg.Knowledge.Limit),
		query.Deps{
			Knowledge: backends.searcher,
			Cache:     cacheStore,
			Premium:   premiumManager,
			Analytics: collector,
			Patterns:  patternFeed,
			Metrics:   m,
			Clock:     clock,
		},
	)
	if err != nil {
		appLogger.Fatal("Failed to create query orchestrator", zap.Error(err))
	}

	cacheWarmer, err := warmer.New(warmerConfig(cfg.Warmer), warmer.Deps{
		Patterns: patternStore,
		Resolver: orchestrator,
		Cache:    cacheStore,
		Probe:    orchestrator,
		Clock:    clock,
		Metrics:  m,
	})
	if err != nil {
		appLogger.Fatal("Failed to create cache warmer", zap.Error(err))
	}
	if cfg.Warmer.Enabled {
		go cacheWarmer.Run(ctx)
	}

	processor := ingestion.NewProcessor(sqliteClient, m, backends.ingestionIndexers()...)
	go prepareKnowledge(ctx, cfg.Knowledge, builder.NewBuilder(sqliteClient, clock, backends.indexers...))

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Clock:             clock,
		Metrics:           m,
		Logger:            appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	origins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ", ")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + handlers.TenantHeader,
		AllowMethods: "GET, POST, PATCH, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.Handler(registry))

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   clock.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		pingCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := sqliteClient.Ping(pingCtx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
				"error":  "knowledge store unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status":    "ready",
			"providers": len(providers),
			"backends":  backends.names,
		})
	})

	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxQueryLength: cfg.Router.MaxQueryLength,
		Logger:         appLogger.Named("validation"),
	}))

	handlers.Handlers{
		Query:     handlers.NewQueryHandler(orchestrator),
		Analytics: handlers.NewAnalyticsHandler(collector, clock),
		Providers: handlers.NewProvidersHandler(premiumManager),
		Warmer:    handlers.NewWarmerHandler(ctx, cacheWarmer),
		Documents: handlers.NewDocumentHandler(processor, sqliteClient),
	}.Register(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		appLogger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	stop()
	orchestrator.Wait()
	<-persistDone
	appLogger.Info("Server stopped")
}

func warmerConfig(wc config.WarmerConfig) warmer.Config {
	strategies := warmer.DefaultStrategies()
	if len(wc.Strategies) > 0 {
		strategies = make([]warmer.StrategyConfig, 0, len(wc.Strategies))
		for _, s := range wc.Strategies {
			strategies = append(strategies, warmer.StrategyConfig{
				Name:         s.Name,
				Schedule:     s.Schedule,
				Selector:     warmer.Selector(s.Selector),
				MaxQueries:   s.MaxQueries,
				MinFrequency: s.MinFrequency,
			})
		}
	}
	return warmer.Config{
		TickInterval:   wc.TickInterval,
		InterJobDelay:  wc.InterJobDelay,
		YieldThreshold: wc.YieldThreshold,
		HistorySize:    wc.HistorySize,
		Strategies:     strategies,
	}
}
