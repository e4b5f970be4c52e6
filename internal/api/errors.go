package api

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// ErrorResponse is the body of every non-2xx API response. Code is stable
// and machine-readable so the UI can tell "this offer is no longer
// available" apart from "you don't own this".
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, model.ErrExpired):
		return fiber.StatusGone
	case errors.Is(err, model.ErrClosed),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrDuplicateVendor),
		errors.Is(err, model.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, model.ErrDeliveryFailed):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, err error) error {
	return c.Status(StatusFor(err)).JSON(ErrorResponse{
		Error: err.Error(),
		Code:  model.ErrorCode(err),
	})
}

func badRequest(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	msg := err.Error()
	if errors.As(err, &verrs) && len(verrs) > 0 {
		msg = verrs[0].Namespace() + " failed on " + verrs[0].Tag()
	}
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error: msg,
		Code:  model.ErrorCode(model.ErrInvalidRequest),
	})
}
