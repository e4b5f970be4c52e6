package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// Deliverer runs a notification through the dispatcher synchronously.
type Deliverer interface {
	Deliver(ctx context.Context, n model.Notification) (model.DeliveryReport, error)
}

// NotificationHandler serves the admin test-notification endpoint, used to
// verify a recipient's channels and provider credentials end to end.
type NotificationHandler struct {
	logger    *zap.Logger
	deliverer Deliverer
	clock     clock.Clock
}

func NewNotificationHandler(logger *zap.Logger, deliverer Deliverer, clk clock.Clock) *NotificationHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &NotificationHandler{logger: logger, deliverer: deliverer, clock: clk}
}

// SendTest handles POST /api/v1/admin/notifications/test.
func (h *NotificationHandler) SendTest(c *fiber.Ctx) error {
	var req TestNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := validate.StructCtx(c.UserContext(), req); err != nil {
		return badRequest(c, err)
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	n := model.Notification{
		Event:      model.NewEvent(model.EventNotification, "", "", data, h.clock.Now()),
		Type:       model.NotificationType(req.Type),
		Recipients: []model.Recipient{{ID: req.RecipientID, Kind: model.RecipientKind(req.Kind)}},
		Priority:   model.ParsePriority(req.Priority),
		Data:       map[string]map[string]any{req.RecipientID: data},
	}

	report, err := h.deliverer.Deliver(c.UserContext(), n)
	if err != nil {
		h.logger.Warn("api.test_notification.failed",
			zap.String("recipient_id", req.RecipientID),
			zap.String("type", req.Type),
			zap.Error(err))
		return writeError(c, err)
	}

	h.logger.Info("api.test_notification",
		zap.String("recipient_id", req.RecipientID),
		zap.String("type", req.Type),
		zap.String("status", string(report.Status)),
		zap.Int("jobs", len(report.Jobs)))
	return c.JSON(report)
}
