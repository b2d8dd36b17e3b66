package handlers

import (
	"context"

	"github.com/crossledger/settlement/internal/http/dto"
	"github.com/crossledger/settlement/internal/middleware"
	"github.com/crossledger/settlement/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SwapReader interface {
	GetSwap(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error)
	Transition(ctx context.Context, id uuid.UUID, to, note string) (*models.SwapRecord, error)
}

type AuditReader interface {
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

type SwapHandler struct {
	swaps  SwapReader
	engine Engine
	audit  AuditReader
	log    *zap.Logger
}

func NewSwapHandler(swaps SwapReader, engine Engine, audit AuditReader, log *zap.Logger) *SwapHandler {
	return &SwapHandler{swaps: swaps, engine: engine, audit: audit, log: log}
}

func (h *SwapHandler) GetSwap(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid exchange id")
	}
	rec, err := h.swaps.GetSwap(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *SwapHandler) Monitor(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid exchange id")
	}
	rec, err := h.engine.AddExchangeToMonitoring(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.log.Info("swap monitoring restarted by operator",
		zap.String("exchange_id", id.String()),
		zap.String("operator", middleware.GetOperator(c)),
	)
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *SwapHandler) Trigger(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid exchange id")
	}
	rec, err := h.engine.TriggerManualSwap(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.log.Info("swap execution triggered by operator",
		zap.String("exchange_id", id.String()),
		zap.String("operator", middleware.GetOperator(c)),
	)
	return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true, Data: rec})
}

// Transition moves a record by hand, e.g. in_review to failed after manual reconciliation.
func (h *SwapHandler) Transition(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid exchange id")
	}
	var req dto.TransitionSwapRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Status == "" {
		return badRequest(c, "status is required")
	}
	note := req.Note
	if op := middleware.GetOperator(c); op != "" {
		note = "operator " + op + ": " + note
	}
	rec, err := h.swaps.Transition(c.UserContext(), id, req.Status, note)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

func (h *SwapHandler) Audit(c *fiber.Ctx) error {
	return auditTrail(c, h.audit, h.log, models.EntitySwapRecord)
}

func auditTrail(c *fiber.Ctx, audit AuditReader, log *zap.Logger, entityType string) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid id")
	}
	limit, offset := pagination(c)
	entries, err := audit.GetByEntity(c.UserContext(), entityType, id, limit, offset)
	if err != nil {
		return respondError(c, log, err)
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.ListResponse{Items: entries, Limit: limit, Offset: offset}})
}
