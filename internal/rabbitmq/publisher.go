package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// QueueOrdersCreated carries order intents produced by accepted quotes to
// the order service.
const QueueOrdersCreated = "outbound.orders.created"

// Publisher publishes order intents to RabbitMQ.
type Publisher struct {
	conn    *amqp.Connection
	channel Channel
	queue   string
	logger  *zap.Logger
}

// NewPublisher dials url, opens a channel and declares the orders queue.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	p, err := NewPublisherWithChannel(ch, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func NewPublisherWithChannel(ch Channel, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := ch.QueueDeclare(QueueOrdersCreated, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", QueueOrdersCreated, err)
	}
	return &Publisher{channel: ch, queue: QueueOrdersCreated, logger: logger}, nil
}

// HandleOrderIntent publishes intent as a persistent message. The intent ID
// is the message ID so the order service can de-duplicate.
func (p *Publisher) HandleOrderIntent(ctx context.Context, intent model.OrderIntent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal order intent: %w", err)
	}

	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    intent.ID,
		Timestamp:    intent.AcceptedAt,
		Type:         "order_intent.created",
		Body:         body,
	})
	if err != nil {
		p.logger.Error("rabbitmq.order_publish_failed",
			zap.String("order_id", intent.ID),
			zap.String("quote_id", intent.QuoteID),
			zap.Error(err))
		return err
	}

	p.logger.Info("rabbitmq.order_published",
		zap.String("queue", p.queue),
		zap.String("order_id", intent.ID),
		zap.String("rfq_id", intent.RFQID),
		zap.Time("accepted_at", intent.AcceptedAt.In(time.UTC)))
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
