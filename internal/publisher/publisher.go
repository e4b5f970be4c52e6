// Package publisher exports marketplace domain events to NATS JetStream so
// other services (orders, analytics) can follow RFQ and quote lifecycles.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/pkg/eventbus"
	"github.com/tradefresh/quote-engine/pkg/logger"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// StreamName holds every evt.marketplace.> subject.
const (
	StreamName     = "MARKETPLACE_EVENTS"
	StreamSubjects = "evt.marketplace.>"
)

// JetStream is the subset of nats.JetStreamContext the publisher uses.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Envelope is the wire format of an exported event.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	EventType  string          `json:"event_type"`
	Topic      string          `json:"topic"`
	Version    string          `json:"version"`
	Source     string          `json:"source"`
	RFQID      string          `json:"rfq_id"`
	QuoteID    string          `json:"quote_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Subscriber is the event bus capability the bridge listens on.
type Subscriber interface {
	Subscribe(handler eventbus.Handler, topics ...string) (unsubscribe func())
}

type Publisher struct {
	nc      *nats.Conn
	js      JetStream
	service string
}

// New creates a Publisher on nc's JetStream context.
func New(nc *nats.Conn, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, js: js, service: service}, nil
}

// NewWithJetStream builds a Publisher over an existing JetStream handle.
func NewWithJetStream(js JetStream, service string) *Publisher {
	return &Publisher{js: js, service: service}
}

// EnsureStream creates the marketplace stream if it does not exist yet.
func (p *Publisher) EnsureStream() error {
	_, err := p.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{StreamSubjects},
		Storage:    nats.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return err
	}
	logger.S().Infow("publisher.stream_created", "stream", StreamName)
	return nil
}

// PublishEvent exports one domain event. The event ID doubles as the
// JetStream message ID so a retried publish is de-duplicated server side.
func (p *Publisher) PublishEvent(ctx context.Context, ev model.Event) error {
	subject := ev.Type.Subject()
	env := Envelope{
		ID:         ev.ID,
		EventType:  string(ev.Type),
		Topic:      subject,
		Version:    "1.0.0",
		Source:     p.service,
		RFQID:      ev.RFQID,
		QuoteID:    ev.QuoteID,
		OccurredAt: ev.OccurredAt,
		Payload:    ev.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", ev.Type,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			nats.MsgIdHdr:  []string{ev.ID.String()},
			"event_type":   []string{string(ev.Type)},
			"rfq_id":       []string{ev.RFQID},
			"service":      []string{p.service},
			"content_type": []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)
	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_id", ev.ID,
			"rfq_id", ev.RFQID,
			"error", err,
		)
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", subject,
		"event_id", ev.ID,
		"rfq_id", ev.RFQID,
	)
	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// Bridge forwards every domain event on bus to NATS until the returned func
// is called. Publish failures are logged and counted; the bus never retries.
func (p *Publisher) Bridge(bus Subscriber, timeout time.Duration) (stop func()) {
	return bus.Subscribe(func(ev model.Event) {
		if ev.Type == model.EventNotification {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = p.PublishEvent(ctx, ev)
	}, model.TopicAll)
}

// Healthy reports whether the NATS connection is up.
func (p *Publisher) Healthy() bool {
	return p.nc == nil || p.nc.IsConnected()
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
