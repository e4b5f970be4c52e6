package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// CommandQueue is the durable queue the storefront publishes commands to.
const CommandQueue = "inbound.marketplace.commands"

// Channel is the subset of *amqp.Channel used by the consumer and publisher.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// MarketplaceService is the matching engine as seen by the consumer.
type MarketplaceService interface {
	OpenRFQ(ctx context.Context, rfq model.RFQ) (*model.RFQ, error)
	SubmitQuote(ctx context.Context, rfqID, vendorID string, items []model.QuoteLineItem, terms model.DeliveryTerms) (*model.Quote, error)
	AcceptQuote(ctx context.Context, quoteID, buyerID string) (*model.OrderIntent, error)
	RejectQuote(ctx context.Context, quoteID, buyerID, reason string) (*model.Quote, error)
	CancelRFQ(ctx context.Context, rfqID, buyerID string) (*model.RFQ, error)
}

// disposition is what the consumer does with a delivery after handling it.
type disposition int

const (
	ack disposition = iota
	drop
	requeue
)

func (d disposition) String() string {
	switch d {
	case ack:
		return "ack"
	case drop:
		return "drop"
	default:
		return "requeue"
	}
}

// Consumer consumes marketplace commands from RabbitMQ and applies them to
// the matching engine.
type Consumer struct {
	conn    *amqp.Connection
	channel Channel
	service MarketplaceService
	queue   string
	logger  *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer dials url and opens a channel.
func NewConsumer(url string, service MarketplaceService, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	c := NewConsumerWithChannel(ch, service, logger)
	c.conn = conn
	return c, nil
}

// NewConsumerWithChannel builds a consumer over an already open channel.
func NewConsumerWithChannel(ch Channel, service MarketplaceService, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		channel: ch,
		service: service,
		queue:   CommandQueue,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start declares the command queue and consumes it until ctx ends or Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}

	c.logger.Info("rabbitmq.consumer_started", zap.String("queue", c.queue))

	c.wg.Add(1)
	go c.consume(ctx, msgs)
	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("rabbitmq.command_channel_closed", zap.String("queue", c.queue))
				return
			}
			c.settle(msg, c.handle(ctx, msg.Body, msg.Redelivered))
		}
	}
}

func (c *Consumer) settle(msg amqp.Delivery, d disposition) {
	var err error
	switch d {
	case ack:
		err = msg.Ack(false)
	case drop:
		err = msg.Nack(false, false)
	default:
		err = msg.Nack(false, true)
	}
	if err != nil {
		c.logger.Error("rabbitmq.settle_failed",
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Stringer("disposition", d),
			zap.Error(err))
	}
}

// handle applies one command. Malformed messages and domain rejections are
// dropped; infrastructure failures are requeued once and dropped on the
// second failure so a poison message cannot spin forever.
func (c *Consumer) handle(ctx context.Context, body []byte, redelivered bool) disposition {
	var env CommandEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Error("rabbitmq.command_unmarshal_failed", zap.Error(err))
		metrics.IncError("rabbitmq", "unmarshal")
		return drop
	}

	err := c.dispatch(ctx, env)
	switch {
	case err == nil:
		c.logger.Debug("rabbitmq.command_applied",
			zap.String("command", env.Command),
			zap.String("command_id", env.ID))
		return ack
	case isDomainError(err):
		c.logger.Warn("rabbitmq.command_rejected",
			zap.String("command", env.Command),
			zap.String("command_id", env.ID),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err))
		return drop
	case redelivered:
		c.logger.Error("rabbitmq.command_failed_twice",
			zap.String("command", env.Command),
			zap.String("command_id", env.ID),
			zap.Error(err))
		metrics.IncError("rabbitmq", "command_dropped")
		return drop
	default:
		c.logger.Error("rabbitmq.command_failed",
			zap.String("command", env.Command),
			zap.String("command_id", env.ID),
			zap.Error(err))
		return requeue
	}
}

func (c *Consumer) dispatch(ctx context.Context, env CommandEnvelope) error {
	switch env.Command {
	case CommandOpenRFQ:
		var cmd OpenRFQCommand
		if err := decode(env.Data, &cmd); err != nil {
			return err
		}
		_, err := c.service.OpenRFQ(ctx, cmd.RFQ())
		return err
	case CommandSubmitQuote:
		var cmd SubmitQuoteCommand
		if err := decode(env.Data, &cmd); err != nil {
			return err
		}
		_, err := c.service.SubmitQuote(ctx, cmd.RFQID, cmd.VendorID, cmd.Items, cmd.Terms())
		return err
	case CommandAcceptQuote:
		var cmd AcceptQuoteCommand
		if err := decode(env.Data, &cmd); err != nil {
			return err
		}
		_, err := c.service.AcceptQuote(ctx, cmd.QuoteID, cmd.BuyerID)
		return err
	case CommandRejectQuote:
		var cmd RejectQuoteCommand
		if err := decode(env.Data, &cmd); err != nil {
			return err
		}
		_, err := c.service.RejectQuote(ctx, cmd.QuoteID, cmd.BuyerID, cmd.Reason)
		return err
	case CommandCancelRFQ:
		var cmd CancelRFQCommand
		if err := decode(env.Data, &cmd); err != nil {
			return err
		}
		_, err := c.service.CancelRFQ(ctx, cmd.RFQID, cmd.BuyerID)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", model.ErrInvalidRequest, env.Command)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", model.ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	return nil
}

func isDomainError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return model.ErrorCode(err) != "internal"
}

// Stop stops consuming and closes the channel and connection.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		if c.channel != nil {
			_ = c.channel.Close()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
