package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// Handlers groups everything mounted under /api/v1.
type Handlers struct {
	Query     *QueryHandler
	Analytics *AnalyticsHandler
	Providers *ProvidersHandler
	Warmer    *WarmerHandler
	Documents *DocumentHandler
}

func (h Handlers) Register(api fiber.Router) {
	api.Post("/query", h.Query.HandleQuery)
	api.Get("/stats", h.Query.GetStats)
	api.Get("/savings", h.Query.GetSavings)
	api.Get("/config", h.Query.GetConfig)
	api.Patch("/config", h.Query.UpdateConfig)

	if h.Analytics != nil {
		a := api.Group("/analytics")
		a.Get("/metrics", h.Analytics.GetMetrics)
		a.Get("/top-queries", h.Analytics.GetTopQueries)
		a.Get("/trends", h.Analytics.GetTrends)
		a.Get("/insights", h.Analytics.GetInsights)
	}

	if h.Providers != nil {
		api.Get("/providers", h.Providers.ListProviders)
	}

	if h.Warmer != nil {
		api.Get("/warmer", h.Warmer.GetStatus)
		api.Post("/warmer/run/:strategy", h.Warmer.RunStrategy)
	}

	if h.Documents != nil {
		api.Post("/knowledge/documents", h.Documents.UploadDocument)
		api.Post("/knowledge/feedback", h.Documents.RecordFeedback)
	}
}
