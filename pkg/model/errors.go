package model

import "errors"

// Sentinel errors returned by the matching engine and the notification
// dispatcher. Callers branch on them with errors.Is; wrapped variants carry
// the offending identifier.
var (
	ErrNotFound        = errors.New("not found")
	ErrClosed          = errors.New("rfq closed")
	ErrAlreadyResolved = errors.New("quote already resolved")
	ErrForbidden       = errors.New("forbidden")
	ErrExpired         = errors.New("quote expired")
	ErrDuplicateVendor = errors.New("vendor already has an active quote on this rfq")
	ErrConfiguration   = errors.New("configuration error")
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrConflict        = errors.New("status changed concurrently")
)

// ErrorCode returns the stable machine-readable code for a domain error so
// the UI can tell "this offer is no longer available" apart from "you don't
// own this". Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrClosed):
		return "rfq_closed"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrExpired):
		return "quote_expired"
	case errors.Is(err, ErrDuplicateVendor):
		return "duplicate_vendor"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
