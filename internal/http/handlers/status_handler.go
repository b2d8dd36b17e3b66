package handlers

import (
	"context"

	"github.com/crossledger/settlement/internal/http/dto"
	"github.com/crossledger/settlement/internal/models"
	"github.com/crossledger/settlement/internal/settlement"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the part of *settlement.Engine the ops API drives.
type Engine interface {
	GetSwapQueueStatus() settlement.QueueStatus
	GetMonitoringStatus() settlement.MonitoringStatus
	SweepNow(ctx context.Context) (settlement.SweepResult, bool)
	AddExchangeToMonitoring(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error)
	TriggerManualSwap(ctx context.Context, id uuid.UUID) (*models.SwapRecord, error)
}

type StatusHandler struct {
	engine Engine
	log    *zap.Logger
}

func NewStatusHandler(engine Engine, log *zap.Logger) *StatusHandler {
	return &StatusHandler{engine: engine, log: log}
}

func (h *StatusHandler) Queue(c *fiber.Ctx) error {
	return c.JSON(dto.SuccessResponse{OK: true, Data: h.engine.GetSwapQueueStatus()})
}

func (h *StatusHandler) Monitoring(c *fiber.Ctx) error {
	st := h.engine.GetMonitoringStatus()
	if c.QueryBool("summary") {
		st.Entries = nil
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: st})
}

// Sweep runs one expiration cycle now. 409 when a cycle is already in progress.
func (h *StatusHandler) Sweep(c *fiber.Ctx) error {
	res, ok := h.engine.SweepNow(c.UserContext())
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "sweep already running"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}
