package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/physioclinic/ai-router/internal/ingestion"
	"github.com/physioclinic/ai-router/internal/storage/models"
	"github.com/physioclinic/ai-router/internal/storage/sqlite"
	"github.com/physioclinic/ai-router/pkg/logger"
)

type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, doc ingestion.Document) (*models.KnowledgeEntry, error)
}

type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, id string, helpful bool) (float64, error)
}

type DocumentHandler struct {
	processor DocumentProcessor
	feedback  FeedbackRecorder
}

func NewDocumentHandler(processor DocumentProcessor, feedback FeedbackRecorder) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		feedback:  feedback,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var doc ingestion.Document
	if err := c.BodyParser(&doc); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if doc.TenantID == "" {
		doc.TenantID = c.Get(TenantHeader)
	}

	entry, err := h.processor.ProcessDocument(c.UserContext(), doc)
	switch {
	case errors.Is(err, ingestion.ErrInvalidDocument), errors.Is(err, ingestion.ErrNoContent):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case err != nil:
		logger.Error("Failed to process document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":    "Document processed successfully",
		"id":         entry.ID,
		"title":      entry.Title,
		"category":   entry.Category,
		"techniques": entry.Techniques,
	})
}

func (h *DocumentHandler) RecordFeedback(c *fiber.Ctx) error {
	var req struct {
		EntryID string `json:"entryId"`
		Helpful *bool  `json:"helpful"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.EntryID == "" || req.Helpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "entryId and helpful are required",
		})
	}

	rate, err := h.feedback.RecordFeedback(c.UserContext(), req.EntryID, *req.Helpful)
	switch {
	case errors.Is(err, sqlite.ErrEntryNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Knowledge entry not found",
		})
	case err != nil:
		logger.Error("Failed to record feedback", zap.String("entry_id", req.EntryID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record feedback",
		})
	}

	return c.JSON(fiber.Map{
		"entryId":     req.EntryID,
		"successRate": rate,
	})
}
