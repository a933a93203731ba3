package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/warmer"
	"github.com/physioclinic/ai-router/pkg/logger"
)

type WarmerService interface {
	Stats() warmer.Stats
	Strategies() []warmer.StrategyConfig
	Running() bool
	RunStrategy(ctx context.Context, name string) (*warmer.RunReport, error)
}

type WarmerHandler struct {
	warmer WarmerService
	// base outlives the request; a manual run keeps going after the 202.
	base context.Context
}

func NewWarmerHandler(base context.Context, w WarmerService) *WarmerHandler {
	if base == nil {
		base = context.Background()
	}
	return &WarmerHandler{warmer: w, base: base}
}

func (h *WarmerHandler) GetStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"stats":      h.warmer.Stats(),
		"strategies": h.warmer.Strategies(),
	})
}

func (h *WarmerHandler) RunStrategy(c *fiber.Ctx) error {
	name := c.Params("strategy")

	known := false
	for _, s := range h.warmer.Strategies() {
		if s.Name == name {
			known = true
			break
		}
	}
	if !known {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown warming strategy",
		})
	}
	if h.warmer.Running() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": warmer.ErrAlreadyRunning.Error(),
		})
	}

	go func() {
		report, err := h.warmer.RunStrategy(h.base, name)
		if err != nil {
			if errors.Is(err, warmer.ErrAlreadyRunning) {
				logger.Info("Manual warming skipped, another run started first", zap.String("strategy", name))
				return
			}
			logger.Error("Manual warming run failed", zap.String("strategy", name), zap.Error(err))
			return
		}
		logger.Info("Manual warming run finished",
			zap.String("strategy", name),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
		)
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message":  "Warming run started",
		"strategy": name,
	})
}
