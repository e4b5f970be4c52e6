package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/notify"
	"github.com/tradefresh/quote-engine/pkg/model"
	"github.com/tradefresh/quote-engine/pkg/utils"
)

// PreferenceStore reads and replaces recipient channel preferences.
type PreferenceStore interface {
	Preferences(ctx context.Context, r model.Recipient) (notify.Preferences, error)
	PutPreferences(ctx context.Context, recipientID string, p notify.Preferences) error
}

// PreferencesHandler lets the surrounding app register where a buyer or
// vendor wants to be reached.
type PreferencesHandler struct {
	logger *zap.Logger
	store  PreferenceStore
}

func NewPreferencesHandler(logger *zap.Logger, store PreferenceStore) *PreferencesHandler {
	return &PreferencesHandler{logger: logger, store: store}
}

// Get handles GET /api/v1/recipients/:recipientId/preferences.
func (h *PreferencesHandler) Get(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("recipientId"))
	prefs, err := h.store.Preferences(c.UserContext(), model.Recipient{ID: id})
	if err != nil {
		h.logger.Error("api.preferences.load_failed", zap.String("recipient_id", id), zap.Error(err))
		return writeError(c, err)
	}
	return c.JSON(prefs)
}

// Put handles PUT /api/v1/recipients/:recipientId/preferences.
func (h *PreferencesHandler) Put(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("recipientId"))
	var req PreferencesRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := validate.StructCtx(c.UserContext(), req); err != nil {
		return badRequest(c, err)
	}
	prefs, err := req.toPreferences()
	if err != nil {
		return writeError(c, err)
	}

	if err := h.store.PutPreferences(c.UserContext(), id, prefs); err != nil {
		h.logger.Error("api.preferences.save_failed", zap.String("recipient_id", id), zap.Error(err))
		return writeError(c, err)
	}

	masked := make([]string, 0, len(prefs.Contacts))
	for ch, contact := range prefs.Contacts {
		masked = append(masked, string(ch)+"="+utils.MaskContact(contact.Address))
	}
	h.logger.Info("api.preferences.updated",
		zap.String("recipient_id", id),
		zap.Any("channels", prefs.Channels),
		zap.Strings("contacts", masked))
	return c.JSON(prefs)
}
