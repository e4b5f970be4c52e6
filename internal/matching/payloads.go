package matching

import (
	"time"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// Event payloads are point-in-time snapshots; consumers must not treat them
// as the current status.

type quotePayload struct {
	Quote *model.Quote `json:"quote"`
}

type rfqPayload struct {
	RFQ *model.RFQ `json:"rfq"`
}

type rfqClosedPayload struct {
	RFQ              *model.RFQ `json:"rfq"`
	AcceptedQuoteID  string     `json:"accepted_quote_id,omitempty"`
	RejectedQuoteIDs []string   `json:"rejected_quote_ids,omitempty"`
}

type quoteAcceptedPayload struct {
	Quote *model.Quote       `json:"quote"`
	Order *model.OrderIntent `json:"order_intent"`
}

// Template data, one renderer per event and recipient role. Keys are what the
// notification templates reference.

func dateOnly(t time.Time) string { return t.UTC().Format("2006-01-02") }

func clockTime(t time.Time) string { return t.UTC().Format("15:04 MST") }

func itemSummary(items []model.RFQLineItem) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{
			"product":  it.Product,
			"quantity": it.Quantity.String(),
			"unit":     it.Unit,
		})
	}
	return out
}

func rfqOpenedForVendor(rfq *model.RFQ, respondBy time.Time) map[string]any {
	d := map[string]any{
		"rfq_id":        rfq.ID,
		"item_count":    len(rfq.Items),
		"items":         itemSummary(rfq.Items),
		"delivery_date": dateOnly(rfq.Delivery.Date),
		"window_start":  rfq.Delivery.Start,
		"window_end":    rfq.Delivery.End,
	}
	if !respondBy.IsZero() {
		d["respond_by"] = clockTime(respondBy)
	}
	return d
}

func quoteSubmittedForBuyer(q *model.Quote) map[string]any {
	return map[string]any{
		"rfq_id":     q.RFQID,
		"quote_id":   q.ID,
		"vendor_id":  q.VendorID,
		"total":      q.Total.StringFixed(2),
		"item_count": len(q.Items),
		"expires_at": clockTime(q.ExpiresAt),
	}
}

func quoteAcceptedForVendor(q *model.Quote, intent *model.OrderIntent) map[string]any {
	return map[string]any{
		"rfq_id":        q.RFQID,
		"quote_id":      q.ID,
		"order_id":      intent.ID,
		"buyer_id":      q.BuyerID,
		"total":         q.Total.StringFixed(2),
		"delivery_date": dateOnly(q.Terms.DeliveryDate),
	}
}

func quoteRejectedForVendor(q *model.Quote, reason string) map[string]any {
	return map[string]any{
		"rfq_id":   q.RFQID,
		"quote_id": q.ID,
		"total":    q.Total.StringFixed(2),
		"reason":   reason,
	}
}

func quoteExpiredForVendor(q *model.Quote) map[string]any {
	return map[string]any{
		"rfq_id":     q.RFQID,
		"quote_id":   q.ID,
		"total":      q.Total.StringFixed(2),
		"expired_at": clockTime(q.ExpiresAt),
	}
}

func quoteExpiredForBuyer(q *model.Quote) map[string]any {
	return map[string]any{
		"rfq_id":     q.RFQID,
		"quote_id":   q.ID,
		"vendor_id":  q.VendorID,
		"total":      q.Total.StringFixed(2),
		"expired_at": clockTime(q.ExpiresAt),
	}
}

func rfqClosedForVendor(rfq *model.RFQ, quoteID string) map[string]any {
	return map[string]any{
		"rfq_id":   rfq.ID,
		"quote_id": quoteID,
		"reason":   rfq.CloseReason,
	}
}
