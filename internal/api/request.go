package api

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tradefresh/quote-engine/internal/notify"
	"github.com/tradefresh/quote-engine/pkg/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const dateLayout = "2006-01-02"

// OpenRFQRequest is the payload to open a new RFQ.
type OpenRFQRequest struct {
	BuyerID      string           `json:"buyer_id" validate:"required,max=100"`
	Items        []RFQItemRequest `json:"items" validate:"required,min=1,dive"`
	DeliveryDate string           `json:"delivery_date" validate:"required,datetime=2006-01-02"`
	WindowStart  string           `json:"window_start" validate:"omitempty,datetime=15:04"`
	WindowEnd    string           `json:"window_end" validate:"omitempty,datetime=15:04"`
	Notes        string           `json:"notes" validate:"max=500"`
}

type RFQItemRequest struct {
	Product  string `json:"product" validate:"required,max=200"`
	Quantity string `json:"quantity" validate:"required,numeric"`
	Unit     string `json:"unit" validate:"required,max=20"`
	Notes    string `json:"notes" validate:"max=200"`
}

// SubmitQuoteRequest is a vendor's priced response to an RFQ.
type SubmitQuoteRequest struct {
	VendorID     string             `json:"vendor_id" validate:"required,max=100"`
	Items        []QuoteItemRequest `json:"items" validate:"required,min=1,dive"`
	DeliveryDate string             `json:"delivery_date" validate:"required,datetime=2006-01-02"`
	DeliveryFee  string             `json:"delivery_fee" validate:"omitempty,numeric"`
	Notes        string             `json:"notes" validate:"max=500"`
}

type QuoteItemRequest struct {
	Product   string `json:"product" validate:"required,max=200"`
	Quantity  string `json:"quantity" validate:"required,numeric"`
	Unit      string `json:"unit" validate:"required,max=20"`
	UnitPrice string `json:"unit_price" validate:"required,numeric"`
	Notes     string `json:"notes" validate:"max=200"`
}

// BuyerActionRequest carries the acting buyer for accept and cancel.
type BuyerActionRequest struct {
	BuyerID string `json:"buyer_id" validate:"required,max=100"`
}

type RejectQuoteRequest struct {
	BuyerID string `json:"buyer_id" validate:"required,max=100"`
	Reason  string `json:"reason" validate:"max=200"`
}

// TestNotificationRequest asks the dispatcher to deliver a one-off
// notification synchronously and report per-channel outcomes.
type TestNotificationRequest struct {
	RecipientID string         `json:"recipient_id" validate:"required,max=100"`
	Kind        string         `json:"kind" validate:"required,oneof=buyer vendor"`
	Type        string         `json:"type" validate:"required,oneof=rfq_opened quote_submitted quote_accepted quote_rejected quote_expired rfq_closed"`
	Priority    string         `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	Data        map[string]any `json:"data"`
}

// PreferencesRequest replaces a recipient's channel opt-ins and contact points.
type PreferencesRequest struct {
	Channels []string                  `json:"channels" validate:"required,min=1,max=5,unique,dive,oneof=email sms push in_app whatsapp"`
	Contacts map[string]ContactRequest `json:"contacts" validate:"omitempty,dive,keys,oneof=email sms push whatsapp,endkeys"`
}

type ContactRequest struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// contactRules checks addresses for channels with a well-known format.
var contactRules = map[model.Channel]string{
	model.ChannelEmail:    "required,email",
	model.ChannelSMS:      "required,e164",
	model.ChannelWhatsApp: "required,e164",
	model.ChannelPush:     "required,max=512",
}

func (r PreferencesRequest) toPreferences() (notify.Preferences, error) {
	p := notify.Preferences{Contacts: make(map[model.Channel]notify.Contact, len(r.Contacts))}
	for _, name := range r.Channels {
		ch, _ := model.ParseChannel(name)
		p.Channels = append(p.Channels, ch)
	}
	for name, c := range r.Contacts {
		ch, _ := model.ParseChannel(name)
		if err := validate.Var(c.Address, contactRules[ch]); err != nil {
			return notify.Preferences{}, fmt.Errorf("%w: contacts.%s.address is not a valid %s address", model.ErrInvalidRequest, name, name)
		}
		p.Contacts[ch] = notify.Contact{Address: c.Address, Verified: c.Verified}
	}
	return p, nil
}

func (r OpenRFQRequest) toRFQ() (model.RFQ, error) {
	date, err := time.Parse(dateLayout, r.DeliveryDate)
	if err != nil {
		return model.RFQ{}, fmt.Errorf("%w: delivery_date: %v", model.ErrInvalidRequest, err)
	}
	items := make([]model.RFQLineItem, 0, len(r.Items))
	for i, it := range r.Items {
		qty, err := decimal.NewFromString(it.Quantity)
		if err != nil {
			return model.RFQ{}, fmt.Errorf("%w: item %d: quantity: %v", model.ErrInvalidRequest, i, err)
		}
		items = append(items, model.RFQLineItem{
			Product:  it.Product,
			Quantity: qty,
			Unit:     it.Unit,
			Notes:    it.Notes,
		})
	}
	return model.RFQ{
		BuyerID: r.BuyerID,
		Items:   items,
		Delivery: model.DeliveryWindow{
			Date:  date,
			Start: r.WindowStart,
			End:   r.WindowEnd,
		},
		Notes: r.Notes,
	}, nil
}

func (r SubmitQuoteRequest) toQuote() ([]model.QuoteLineItem, model.DeliveryTerms, error) {
	date, err := time.Parse(dateLayout, r.DeliveryDate)
	if err != nil {
		return nil, model.DeliveryTerms{}, fmt.Errorf("%w: delivery_date: %v", model.ErrInvalidRequest, err)
	}
	fee := decimal.Zero
	if r.DeliveryFee != "" {
		if fee, err = decimal.NewFromString(r.DeliveryFee); err != nil {
			return nil, model.DeliveryTerms{}, fmt.Errorf("%w: delivery_fee: %v", model.ErrInvalidRequest, err)
		}
	}
	items := make([]model.QuoteLineItem, 0, len(r.Items))
	for i, it := range r.Items {
		qty, err := decimal.NewFromString(it.Quantity)
		if err != nil {
			return nil, model.DeliveryTerms{}, fmt.Errorf("%w: item %d: quantity: %v", model.ErrInvalidRequest, i, err)
		}
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return nil, model.DeliveryTerms{}, fmt.Errorf("%w: item %d: unit_price: %v", model.ErrInvalidRequest, i, err)
		}
		items = append(items, model.QuoteLineItem{
			Product:   it.Product,
			Quantity:  qty,
			Unit:      it.Unit,
			UnitPrice: price,
			Notes:     it.Notes,
		})
	}
	return items, model.DeliveryTerms{DeliveryDate: date, Fee: fee, Notes: r.Notes}, nil
}
