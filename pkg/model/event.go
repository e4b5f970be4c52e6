package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType tags a domain event record.
type EventType string

const (
	EventRFQOpened      EventType = "RFQOpened"
	EventQuoteSubmitted EventType = "QuoteSubmitted"
	EventQuoteAccepted  EventType = "QuoteAccepted"
	EventQuoteRejected  EventType = "QuoteRejected"
	EventQuoteExpired   EventType = "QuoteExpired"
	EventRFQClosed      EventType = "RFQClosed"

	// EventNotification carries an in-app notification to an inbox topic.
	// It is a delivery, not a domain fact, and is never exported.
	EventNotification EventType = "Notification"
)

var eventSubjects = map[EventType]string{
	EventRFQOpened:      "rfq_opened",
	EventQuoteSubmitted: "quote_submitted",
	EventQuoteAccepted:  "quote_accepted",
	EventQuoteRejected:  "quote_rejected",
	EventQuoteExpired:   "quote_expired",
	EventRFQClosed:      "rfq_closed",
}

// Subject returns the NATS subject the event is exported on,
// e.g. "evt.marketplace.quote_accepted.v1".
func (t EventType) Subject() string {
	name, ok := eventSubjects[t]
	if !ok {
		name = "unknown"
	}
	return "evt.marketplace." + name + ".v1"
}

// Event is the tagged domain event record emitted by the matching engine.
// Payload is a point-in-time snapshot, never a source of truth.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	RFQID      string          `json:"rfq_id"`
	QuoteID    string          `json:"quote_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEvent builds an event with a fresh ID and a marshalled payload.
func NewEvent(t EventType, rfqID, quoteID string, payload any, at time.Time) Event {
	data, _ := json.Marshal(payload)
	return Event{
		ID:         uuid.New(),
		Type:       t,
		RFQID:      rfqID,
		QuoteID:    quoteID,
		Payload:    data,
		OccurredAt: at.UTC(),
	}
}

// Topics used on the in-process event bus.
const (
	TopicAllVendors = "vendors"
	TopicAll        = "*"
)

// BuyerTopic is the broadcast channel for one buyer's dashboard.
func BuyerTopic(buyerID string) string { return "buyer." + buyerID }

// VendorTopic is the broadcast channel for one vendor's dashboard.
func VendorTopic(vendorID string) string { return "vendor." + vendorID }

// RFQTopic carries every event about one RFQ.
func RFQTopic(rfqID string) string { return "rfq." + rfqID }

// InboxTopic carries in-app notifications for one recipient.
func InboxTopic(recipientID string) string { return "inbox." + recipientID }
