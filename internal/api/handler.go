package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// MarketplaceService is the matching engine as seen by the HTTP API.
type MarketplaceService interface {
	OpenRFQ(ctx context.Context, rfq model.RFQ) (*model.RFQ, error)
	SubmitQuote(ctx context.Context, rfqID, vendorID string, items []model.QuoteLineItem, terms model.DeliveryTerms) (*model.Quote, error)
	AcceptQuote(ctx context.Context, quoteID, buyerID string) (*model.OrderIntent, error)
	RejectQuote(ctx context.Context, quoteID, buyerID, reason string) (*model.Quote, error)
	CancelRFQ(ctx context.Context, rfqID, buyerID string) (*model.RFQ, error)
	GetRFQ(ctx context.Context, id string) (*model.RFQ, error)
	GetQuote(ctx context.Context, id string) (*model.Quote, error)
	ListQuotes(ctx context.Context, rfqID string) ([]*model.Quote, error)
}

// MarketplaceHandler serves the RFQ and quote endpoints.
type MarketplaceHandler struct {
	logger  *zap.Logger
	service MarketplaceService
}

func NewMarketplaceHandler(logger *zap.Logger, service MarketplaceService) *MarketplaceHandler {
	return &MarketplaceHandler{logger: logger, service: service}
}

// OpenRFQ handles POST /api/v1/rfqs.
func (h *MarketplaceHandler) OpenRFQ(c *fiber.Ctx) error {
	var req OpenRFQRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := validate.StructCtx(c.UserContext(), req); err != nil {
		return badRequest(c, err)
	}
	rfq, err := req.toRFQ()
	if err != nil {
		return writeError(c, err)
	}

	opened, err := h.service.OpenRFQ(c.UserContext(), rfq)
	if err != nil {
		h.logger.Warn("api.open_rfq.failed",
			zap.String("buyer_id", req.BuyerID),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err))
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(opened)
}

// GetRFQ handles GET /api/v1/rfqs/:rfqId.
func (h *MarketplaceHandler) GetRFQ(c *fiber.Ctx) error {
	rfq, err := h.service.GetRFQ(c.UserContext(), c.Params("rfqId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rfq)
}

// ListQuotes handles GET /api/v1/rfqs/:rfqId/quotes.
func (h *MarketplaceHandler) ListQuotes(c *fiber.Ctx) error {
	quotes, err := h.service.ListQuotes(c.UserContext(), c.Params("rfqId"))
	if err != nil {
		return writeError(c, err)
	}
	if quotes == nil {
		quotes = []*model.Quote{}
	}
	return c.JSON(fiber.Map{"rfq_id": c.Params("rfqId"), "quotes": quotes})
}

// SubmitQuote handles POST /api/v1/rfqs/:rfqId/quotes.
func (h *MarketplaceHandler) SubmitQuote(c *fiber.Ctx) error {
	var req SubmitQuoteRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := validate.StructCtx(c.UserContext(), req); err != nil {
		return badRequest(c, err)
	}
	items, terms, err := req.toQuote()
	if err != nil {
		return writeError(c, err)
	}

	rfqID := c.Params("rfqId")
	q, err := h.service.SubmitQuote(c.UserContext(), rfqID, req.VendorID, items, terms)
	if err != nil {
		h.logger.Warn("api.submit_quote.failed",
			zap.String("rfq_id", rfqID),
			zap.String("vendor_id", req.VendorID),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err))
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(q)
}

// GetQuote handles GET /api/v1/quotes/:quoteId.
func (h *MarketplaceHandler) GetQuote(c *fiber.Ctx) error {
	q, err := h.service.GetQuote(c.UserContext(), c.Params("quoteId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(q)
}

// AcceptQuote handles POST /api/v1/quotes/:quoteId/accept.
func (h *MarketplaceHandler) AcceptQuote(c *fiber.Ctx) error {
	var req BuyerActionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := validate.StructCtx(c.UserContext(), req); err != nil {
		return badRequest(c, err)
	}

	quoteID := c.Params("quoteId")
	h.logger.Info("api.accept_quote",
		zap.String("quote_id", quoteID),
		zap.String("buyer_id", req.BuyerID))

	intent, err := h.service.AcceptQuote(c.UserContext(), quoteID, req.BuyerID)
	if err != nil {
		h.logger.Warn("api.accept_quote.failed",
			zap.String("quote_id", quoteID),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err))
		return writeError(c, err)
	}
	return c.JSON(intent)
}

// RejectQuote handles POST /api/v1/quotes/:quoteId/reject.
func (h *MarketplaceHandler) RejectQuote(c *fiber.Ctx) error {
	var req RejectQuoteRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := validate.StructCtx(c.UserContext(), req); err != nil {
		return badRequest(c, err)
	}

	q, err := h.service.RejectQuote(c.UserContext(), c.Params("quoteId"), req.BuyerID, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(q)
}

// CancelRFQ handles POST /api/v1/rfqs/:rfqId/cancel.
func (h *MarketplaceHandler) CancelRFQ(c *fiber.Ctx) error {
	var req BuyerActionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := validate.StructCtx(c.UserContext(), req); err != nil {
		return badRequest(c, err)
	}

	rfq, err := h.service.CancelRFQ(c.UserContext(), c.Params("rfqId"), req.BuyerID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rfq)
}
