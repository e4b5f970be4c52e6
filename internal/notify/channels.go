package notify

import (
	"context"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// Message is one rendered notification addressed to one recipient on one
// channel.
type Message struct {
	JobID     string
	Event     model.Event
	Type      model.NotificationType
	Recipient model.Recipient
	// Address is the verified contact point for the channel; empty for in_app.
	Address  string
	Priority model.Priority
	Content  model.RenderedMessage
}

// Sender delivers messages on a single channel. Errors should wrap
// model.ErrConfiguration when the channel itself is misconfigured and
// model.ErrDeliveryFailed otherwise.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, msg Message) error
}

// Registry maps a channel tag to its sender.
type Registry map[model.Channel]Sender

func NewRegistry(senders ...Sender) Registry {
	r := make(Registry, len(senders))
	for _, s := range senders {
		r[s.Channel()] = s
	}
	return r
}

// SenderFunc adapts a function to Sender.
type SenderFunc struct {
	Ch model.Channel
	Fn func(ctx context.Context, msg Message) error
}

func (s SenderFunc) Channel() model.Channel { return s.Ch }

func (s SenderFunc) Send(ctx context.Context, msg Message) error { return s.Fn(ctx, msg) }
