package model

import (
	"time"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelInApp    Channel = "in_app"
	ChannelWhatsApp Channel = "whatsapp"
)

// FailoverOrder is the channel preference used when a critical send fails.
var FailoverOrder = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWhatsApp}

// ParseChannel maps a config/wire string to a Channel.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWhatsApp:
		return Channel(s), true
	default:
		return "", false
	}
}

// Priority orders notification jobs on the dispatcher queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ParsePriority maps a wire string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// RecipientKind distinguishes buyers from vendors for payload rendering.
type RecipientKind string

const (
	RecipientBuyer  RecipientKind = "buyer"
	RecipientVendor RecipientKind = "vendor"
)

// Recipient identifies one party to notify.
type Recipient struct {
	ID   string        `json:"id"`
	Kind RecipientKind `json:"kind"`
}

// NotificationType names the template family for a notification.
type NotificationType string

const (
	NotifyRFQOpened      NotificationType = "rfq_opened"
	NotifyQuoteSubmitted NotificationType = "quote_submitted"
	NotifyQuoteAccepted  NotificationType = "quote_accepted"
	NotifyQuoteRejected  NotificationType = "quote_rejected"
	NotifyQuoteExpired   NotificationType = "quote_expired"
	NotifyRFQClosed      NotificationType = "rfq_closed"
)

// Notification is what the matching engine hands to the dispatcher: the
// event, who should hear about it, and how urgently.
type Notification struct {
	Event      Event            `json:"event"`
	Type       NotificationType `json:"type"`
	Recipients []Recipient      `json:"recipients"`
	Priority   Priority         `json:"priority"`
	// Data holds per-recipient template data keyed by recipient ID; the
	// "*" entry applies to recipients without their own entry.
	Data map[string]map[string]any `json:"data,omitempty"`
}

// DataFor returns the template data for one recipient.
func (n Notification) DataFor(recipientID string) map[string]any {
	if d, ok := n.Data[recipientID]; ok {
		return d
	}
	return n.Data["*"]
}

// JobOutcome is the terminal result of one notification job.
type JobOutcome string

const (
	OutcomePending   JobOutcome = "pending"
	OutcomeSucceeded JobOutcome = "succeeded"
	OutcomeFailed    JobOutcome = "failed"
	OutcomeSkipped   JobOutcome = "skipped"
)

// Outcome reasons.
const (
	SkipRateLimited = "rate_limited"
	SkipDuplicate   = "duplicate"
)

// RenderedMessage is the channel-ready content of one notification.
type RenderedMessage struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// NotificationJob is one attempt to deliver one event to one recipient on
// one channel. Failover never edits a finished job; it supersedes it.
type NotificationJob struct {
	ID           string           `json:"id"`
	EventID      string           `json:"event_id"`
	Recipient    Recipient        `json:"recipient"`
	Type         NotificationType `json:"type"`
	Channel      Channel          `json:"channel"`
	Priority     Priority         `json:"priority"`
	Message      RenderedMessage  `json:"message"`
	Attempt      int              `json:"attempt"`
	Supersedes   string           `json:"supersedes,omitempty"`
	Outcome      JobOutcome       `json:"outcome"`
	Reason       string           `json:"reason,omitempty"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
	DispatchedAt time.Time        `json:"dispatched_at,omitempty"`
}

// Finish returns a terminal copy of the job.
func (j NotificationJob) Finish(outcome JobOutcome, reason string, at time.Time) NotificationJob {
	j.Outcome = outcome
	j.Reason = reason
	j.DispatchedAt = at
	return j
}

// DeliveryStatus summarises all jobs produced for a notification.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryPartial   DeliveryStatus = "partial"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// DeliveryReport is the outcome of a synchronous delivery.
type DeliveryReport struct {
	EventID string            `json:"event_id"`
	Status  DeliveryStatus    `json:"status"`
	Jobs    []NotificationJob `json:"jobs"`
}

// Summarise derives the overall status from finished jobs: all succeeded is
// delivered, none succeeded is failed (or skipped when nothing was tried),
// anything in between is partial.
func Summarise(jobs []NotificationJob) DeliveryStatus {
	var ok, failed, skipped int
	for _, j := range jobs {
		switch j.Outcome {
		case OutcomeSucceeded:
			ok++
		case OutcomeFailed:
			failed++
		case OutcomeSkipped:
			skipped++
		}
	}
	switch {
	case ok == 0 && failed == 0:
		return DeliverySkipped
	case ok == 0:
		return DeliveryFailed
	case failed == 0 && skipped == 0:
		return DeliveryDelivered
	default:
		return DeliveryPartial
	}
}
