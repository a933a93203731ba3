package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/physioclinic/ai-router/internal/storage/models"
)

type UsageReporter interface {
	Usage() []models.ProviderUsage
}

type ProvidersHandler struct {
	usage UsageReporter
}

func NewProvidersHandler(usage UsageReporter) *ProvidersHandler {
	return &ProvidersHandler{usage: usage}
}

func (h *ProvidersHandler) ListProviders(c *fiber.Ctx) error {
	usage := h.usage.Usage()
	available := 0
	for _, u := range usage {
		if u.Status != models.ProviderLimitReached {
			available++
		}
	}
	return c.JSON(fiber.Map{
		"providers": usage,
		"available": available,
	})
}
