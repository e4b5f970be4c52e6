package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteStatus is the lifecycle state of a vendor quote.
type QuoteStatus string

const (
	QuoteStatusSubmitted QuoteStatus = "submitted"
	QuoteStatusAccepted  QuoteStatus = "accepted"
	QuoteStatusRejected  QuoteStatus = "rejected"
	QuoteStatusExpired   QuoteStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s QuoteStatus) IsTerminal() bool {
	switch s {
	case QuoteStatusAccepted, QuoteStatusRejected, QuoteStatusExpired:
		return true
	default:
		return false
	}
}

// Reasons recorded alongside a terminal quote status.
const (
	ReasonAcceptedByBuyer = "accepted_by_buyer"
	ReasonRejectedByBuyer = "rejected_by_buyer"
	ReasonRFQClosed       = "rfq_closed"
	ReasonRFQCancelled    = "rfq_cancelled"
	ReasonDeadlinePassed  = "deadline_passed"
)

// QuoteLineItem is one priced line on a quote.
type QuoteLineItem struct {
	Product   string          `json:"product"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
	Notes     string          `json:"notes,omitempty"`
}

// DeliveryTerms is the vendor's delivery offer.
type DeliveryTerms struct {
	DeliveryDate time.Time       `json:"delivery_date"`
	Fee          decimal.Decimal `json:"fee"`
	Notes        string          `json:"notes,omitempty"`
}

// Quote is one vendor's priced, time-boxed response to an RFQ.
//
// ExpiresAt is computed once at submission and never recomputed; every
// expiry decision reads this stored value.
type Quote struct {
	ID           string          `json:"id"`
	RFQID        string          `json:"rfq_id"`
	VendorID     string          `json:"vendor_id"`
	BuyerID      string          `json:"buyer_id"`
	Items        []QuoteLineItem `json:"items"`
	Terms        DeliveryTerms   `json:"terms"`
	Total        decimal.Decimal `json:"total"`
	Status       QuoteStatus     `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// IsExpiredAt reports whether the acceptance window has elapsed at now.
func (q *Quote) IsExpiredAt(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// Clone returns a deep copy.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	cp := *q
	cp.Items = append([]QuoteLineItem(nil), q.Items...)
	if q.ResolvedAt != nil {
		t := *q.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// PriceItems validates vendor line items and fills in each line total,
// returning the quote total including the delivery fee.
func PriceItems(items []QuoteLineItem, terms DeliveryTerms) ([]QuoteLineItem, decimal.Decimal, error) {
	if len(items) == 0 {
		return nil, decimal.Zero, fmt.Errorf("%w: at least one priced item is required", ErrInvalidRequest)
	}
	if terms.Fee.IsNegative() {
		return nil, decimal.Zero, fmt.Errorf("%w: delivery fee cannot be negative", ErrInvalidRequest)
	}

	priced := make([]QuoteLineItem, len(items))
	total := decimal.Zero
	for i, it := range items {
		if strings.TrimSpace(it.Product) == "" {
			return nil, decimal.Zero, fmt.Errorf("%w: item %d: product is required", ErrInvalidRequest, i)
		}
		if !it.Quantity.IsPositive() {
			return nil, decimal.Zero, fmt.Errorf("%w: item %d: quantity must be greater than 0", ErrInvalidRequest, i)
		}
		if it.UnitPrice.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: item %d: unit price cannot be negative", ErrInvalidRequest, i)
		}
		it.LineTotal = it.UnitPrice.Mul(it.Quantity).Round(2)
		total = total.Add(it.LineTotal)
		priced[i] = it
	}
	return priced, total.Add(terms.Fee).Round(2), nil
}

// OrderIntent is handed to the order-creation collaborator after an accept.
type OrderIntent struct {
	ID         string          `json:"id"`
	RFQID      string          `json:"rfq_id"`
	QuoteID    string          `json:"quote_id"`
	BuyerID    string          `json:"buyer_id"`
	VendorID   string          `json:"vendor_id"`
	Items      []QuoteLineItem `json:"items"`
	Terms      DeliveryTerms   `json:"terms"`
	Total      decimal.Decimal `json:"total"`
	AcceptedAt time.Time       `json:"accepted_at"`
}
