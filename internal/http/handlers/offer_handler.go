package handlers

import (
	"context"
	"strings"

	"github.com/crossledger/settlement/internal/chain"
	"github.com/crossledger/settlement/internal/http/dto"
	"github.com/crossledger/settlement/internal/middleware"
	"github.com/crossledger/settlement/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OfferService interface {
	GetOfferByID(ctx context.Context, id uuid.UUID) (*models.EscrowOffer, error)
	GetPublicOffers(ctx context.Context, f models.OfferFilter) ([]models.EscrowOffer, error)
	GetUserOffers(ctx context.Context, userRef string, limit, offset int) ([]models.EscrowOffer, error)
	ReleaseEscrow(ctx context.Context, id uuid.UUID, admin chain.Credentials) (*models.EscrowOffer, error)
	CancelEscrow(ctx context.Context, id uuid.UUID, reason string, admin chain.Credentials) (*models.EscrowOffer, error)
}

// OfferHandler serves escrow offers to operators. Release and cancel sign with
// the admin credentials configured on the worker, never with caller input.
type OfferHandler struct {
	offers OfferService
	audit  AuditReader
	admin  chain.Credentials
	log    *zap.Logger
}

func NewOfferHandler(offers OfferService, audit AuditReader, admin chain.Credentials, log *zap.Logger) *OfferHandler {
	return &OfferHandler{offers: offers, audit: audit, admin: admin, log: log}
}

func (h *OfferHandler) GetOffer(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid offer id")
	}
	o, err := h.offers.GetOfferByID(c.UserContext(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: o})
}

func (h *OfferHandler) ListPublic(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	f := models.OfferFilter{Limit: limit, Offset: offset}
	if v := c.Query("status"); v != "" {
		f.Status = &v
	}
	if v := c.Query("seller_currency"); v != "" {
		f.SellerCurrency = &v
	}
	if v := c.Query("buyer_currency"); v != "" {
		f.BuyerCurrency = &v
	}
	if v := c.Query("seller_chain"); v != "" {
		k := string(chain.Normalize(v))
		f.SellerChain = &k
	}
	if v := c.Query("buyer_chain"); v != "" {
		k := string(chain.Normalize(v))
		f.BuyerChain = &k
	}

	offers, err := h.offers.GetPublicOffers(c.UserContext(), f)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.ListResponse{Items: nonNil(offers), Limit: limit, Offset: offset}})
}

func (h *OfferHandler) UserOffers(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	offers, err := h.offers.GetUserOffers(c.UserContext(), c.Params("ref"), limit, offset)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.ListResponse{Items: nonNil(offers), Limit: limit, Offset: offset}})
}

func (h *OfferHandler) Release(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid offer id")
	}
	o, err := h.offers.ReleaseEscrow(c.UserContext(), id, h.admin)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.log.Info("escrow released by operator",
		zap.String("offer_id", id.String()),
		zap.String("operator", middleware.GetOperator(c)),
	)
	return c.JSON(dto.SuccessResponse{OK: true, Data: o})
}

func (h *OfferHandler) Cancel(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid offer id")
	}
	var req dto.CancelOfferRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return badRequest(c, "reason is required")
	}
	o, err := h.offers.CancelEscrow(c.UserContext(), id, req.Reason, h.admin)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.log.Info("escrow cancelled by operator",
		zap.String("offer_id", id.String()),
		zap.String("operator", middleware.GetOperator(c)),
		zap.String("reason", req.Reason),
	)
	return c.JSON(dto.SuccessResponse{OK: true, Data: o})
}

func (h *OfferHandler) Audit(c *fiber.Ctx) error {
	return auditTrail(c, h.audit, h.log, models.EntityEscrowOffer)
}

func nonNil(offers []models.EscrowOffer) []models.EscrowOffer {
	if offers == nil {
		return []models.EscrowOffer{}
	}
	return offers
}
