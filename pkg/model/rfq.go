package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RFQStatus is the lifecycle state of a request for quote.
type RFQStatus string

const (
	RFQStatusOpen   RFQStatus = "open"
	RFQStatusClosed RFQStatus = "closed"
)

// RFQLineItem is one requested product line on an RFQ.
type RFQLineItem struct {
	Product  string          `json:"product"`
	Quantity decimal.Decimal `json:"quantity"`
	Unit     string          `json:"unit"`
	Notes    string          `json:"notes,omitempty"`
}

// DeliveryWindow is the buyer's requested delivery date and optional time slot.
type DeliveryWindow struct {
	Date  time.Time `json:"date"`
	Start string    `json:"start,omitempty"` // "HH:MM"
	End   string    `json:"end,omitempty"`
}

// RFQ is a buyer's standing request for vendor pricing.
type RFQ struct {
	ID          string         `json:"id"`
	BuyerID     string         `json:"buyer_id"`
	Items       []RFQLineItem  `json:"items"`
	Delivery    DeliveryWindow `json:"delivery"`
	Notes       string         `json:"notes,omitempty"`
	Status      RFQStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	CloseReason string         `json:"close_reason,omitempty"`
	// AcceptedQuoteID is set once, when the closing transition came from an accept.
	AcceptedQuoteID string `json:"accepted_quote_id,omitempty"`
}

// IsOpen reports whether the RFQ can still take quotes at now, given the
// matching window. A zero window disables the time bound.
func (r *RFQ) IsOpen(now time.Time, matchingWindow time.Duration) bool {
	if r.Status != RFQStatusOpen {
		return false
	}
	if matchingWindow <= 0 {
		return true
	}
	return now.Before(r.CreatedAt.Add(matchingWindow))
}

// Validate checks the RFQ shape before it is opened. The delivery date is
// compared by calendar day so a same-day delivery stays valid.
func (r *RFQ) Validate(now time.Time) error {
	if strings.TrimSpace(r.BuyerID) == "" {
		return fmt.Errorf("%w: buyer_id is required", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one line item is required", ErrInvalidRequest)
	}
	for i, it := range r.Items {
		if strings.TrimSpace(it.Product) == "" {
			return fmt.Errorf("%w: item %d: product is required", ErrInvalidRequest, i)
		}
		if !it.Quantity.IsPositive() {
			return fmt.Errorf("%w: item %d: quantity must be greater than 0", ErrInvalidRequest, i)
		}
	}
	if r.Delivery.Date.IsZero() {
		return fmt.Errorf("%w: delivery date is required", ErrInvalidRequest)
	}
	today := truncateDay(now)
	if truncateDay(r.Delivery.Date).Before(today) {
		return fmt.Errorf("%w: delivery date %s is in the past", ErrInvalidRequest, r.Delivery.Date.Format("2006-01-02"))
	}
	return nil
}

// Clone returns a deep copy so callers never alias engine-owned state.
func (r *RFQ) Clone() *RFQ {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Items = append([]RFQLineItem(nil), r.Items...)
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
