package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/analytics"
	"github.com/physioclinic/ai-router/internal/query"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/pkg/logger"
)

// TenantHeader lets a gateway supply the tenant when the body omits it.
const TenantHeader = "X-Tenant-ID"

type QueryService interface {
	ProcessQuery(ctx context.Context, q models.Query) (*models.Response, error)
	ServiceStats() query.ServiceStats
	GenerateSavingsReport(period analytics.Period) (analytics.SavingsReport, error)
	Config() query.Config
	UpdateConfig(p query.ConfigPatch) (query.Config, error)
}

type QueryHandler struct {
	service QueryService
}

func NewQueryHandler(service QueryService) *QueryHandler {
	return &QueryHandler{service: service}
}

type queryRequest struct {
	Text              string              `json:"text"`
	Type              models.QueryType    `json:"type"`
	Context           models.QueryContext `json:"context"`
	Priority          models.Priority     `json:"priority"`
	MaxResponseTimeMs int64               `json:"maxResponseTimeMs"`
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Context.TenantID == "" {
		req.Context.TenantID = c.Get(TenantHeader)
	}
	if req.Type == "" {
		req.Type = models.QueryTypeGeneralQuestion
	}

	q := models.NewQuery(req.Text, req.Type, req.Context)
	if req.Priority != "" {
		q.Priority = req.Priority
	}
	q.MaxResponseTime = time.Duration(req.MaxResponseTimeMs) * time.Millisecond

	resp, err := h.service.ProcessQuery(c.UserContext(), q)
	if err != nil {
		return validationFailure(c, err)
	}

	return c.JSON(resp)
}

func (h *QueryHandler) GetStats(c *fiber.Ctx) error {
	return c.JSON(h.service.ServiceStats())
}

func (h *QueryHandler) GetSavings(c *fiber.Ctx) error {
	period, err := analytics.ParsePeriod(c.Query("period"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"field": "period",
		})
	}

	report, err := h.service.GenerateSavingsReport(period)
	if err != nil {
		logger.Error("Failed to generate savings report", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Savings report unavailable",
		})
	}
	return c.JSON(report)
}

func (h *QueryHandler) GetConfig(c *fiber.Ctx) error {
	return c.JSON(h.service.Config())
}

func (h *QueryHandler) UpdateConfig(c *fiber.Ctx) error {
	var patch query.ConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	cfg, err := h.service.UpdateConfig(patch)
	if err != nil {
		return validationFailure(c, err)
	}
	return c.JSON(cfg)
}

func validationFailure(c *fiber.Ctx, err error) error {
	var verr *query.ValidationError
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": verr.Error(),
			"field": verr.Field,
		})
	}
	logger.Error("Unexpected error", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}
