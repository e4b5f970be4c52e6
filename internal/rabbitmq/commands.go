package rabbitmq

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// Command names carried in the envelope's "command" field.
const (
	CommandOpenRFQ     = "open_rfq"
	CommandSubmitQuote = "submit_quote"
	CommandAcceptQuote = "accept_quote"
	CommandRejectQuote = "reject_quote"
	CommandCancelRFQ   = "cancel_rfq"
)

// CommandEnvelope is one inbound marketplace command published by the
// storefront on inbound.marketplace.commands.
type CommandEnvelope struct {
	Command string          `json:"command"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type OpenRFQCommand struct {
	RFQID        string              `json:"rfq_id,omitempty"`
	BuyerID      string              `json:"buyer_id"`
	Items        []model.RFQLineItem `json:"items"`
	DeliveryDate time.Time           `json:"delivery_date"`
	WindowStart  string              `json:"window_start,omitempty"`
	WindowEnd    string              `json:"window_end,omitempty"`
	Notes        string              `json:"notes,omitempty"`
}

func (c OpenRFQCommand) RFQ() model.RFQ {
	return model.RFQ{
		ID:      c.RFQID,
		BuyerID: c.BuyerID,
		Items:   c.Items,
		Delivery: model.DeliveryWindow{
			Date:  c.DeliveryDate,
			Start: c.WindowStart,
			End:   c.WindowEnd,
		},
		Notes: c.Notes,
	}
}

type SubmitQuoteCommand struct {
	RFQID        string                `json:"rfq_id"`
	VendorID     string                `json:"vendor_id"`
	Items        []model.QuoteLineItem `json:"items"`
	DeliveryDate time.Time             `json:"delivery_date"`
	DeliveryFee  decimal.Decimal       `json:"delivery_fee"`
	Notes        string                `json:"notes,omitempty"`
}

func (c SubmitQuoteCommand) Terms() model.DeliveryTerms {
	return model.DeliveryTerms{DeliveryDate: c.DeliveryDate, Fee: c.DeliveryFee, Notes: c.Notes}
}

type AcceptQuoteCommand struct {
	QuoteID string `json:"quote_id"`
	BuyerID string `json:"buyer_id"`
}

type RejectQuoteCommand struct {
	QuoteID string `json:"quote_id"`
	BuyerID string `json:"buyer_id"`
	Reason  string `json:"reason,omitempty"`
}

type CancelRFQCommand struct {
	RFQID   string `json:"rfq_id"`
	BuyerID string `json:"buyer_id"`
}
