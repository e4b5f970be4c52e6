package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/httpclient"
	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
	"github.com/tradefresh/quote-engine/pkg/utils"
)

// LogSender writes messages to the log instead of delivering them. It stands
// in for gateways that are not configured in development.
type LogSender struct {
	channel model.Channel
	logger  *zap.Logger
}

func NewLogSender(ch model.Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: ch, logger: logger}
}

func (s *LogSender) Channel() model.Channel { return s.channel }

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("notify.log_delivery",
		zap.String("channel", string(s.channel)),
		zap.String("job_id", msg.JobID),
		zap.String("recipient_id", msg.Recipient.ID),
		zap.String("address", utils.MaskContact(msg.Address)),
		zap.String("subject", msg.Content.Subject))
	return nil
}

// Broadcaster is the event bus capability the in-app sender publishes on.
type Broadcaster interface {
	Publish(event model.Event, topics ...string)
	HasSubscribers(topic string) bool
}

// InboxPayload is what a connected client receives on its inbox topic.
type InboxPayload struct {
	NotificationID string                 `json:"notification_id"`
	Type           model.NotificationType `json:"type"`
	Priority       string                 `json:"priority"`
	Subject        string                 `json:"subject,omitempty"`
	Body           string                 `json:"body"`
}

// InAppSender pushes messages to the recipient's inbox topic on the event bus,
// which the websocket gateway relays to connected dashboards.
type InAppSender struct {
	bus   Broadcaster
	clock clock.Clock
	// RequireListener fails the send when the recipient has no open session,
	// so critical notifications fail over to a channel that can reach them.
	RequireListener bool
}

func NewInAppSender(bus Broadcaster, clk clock.Clock) *InAppSender {
	if clk == nil {
		clk = clock.New()
	}
	return &InAppSender{bus: bus, clock: clk}
}

func (s *InAppSender) Channel() model.Channel { return model.ChannelInApp }

func (s *InAppSender) Send(_ context.Context, msg Message) error {
	topic := model.InboxTopic(msg.Recipient.ID)
	if s.RequireListener && !s.bus.HasSubscribers(topic) {
		return fmt.Errorf("%w: no open session for %s", model.ErrDeliveryFailed, msg.Recipient.ID)
	}
	ev := model.NewEvent(model.EventNotification, msg.Event.RFQID, msg.Event.QuoteID, InboxPayload{
		NotificationID: msg.JobID,
		Type:           msg.Type,
		Priority:       msg.Priority.String(),
		Subject:        msg.Content.Subject,
		Body:           msg.Content.Body,
	}, s.clock.Now())
	s.bus.Publish(ev, topic)
	return nil
}

// GatewayConfig is the per-channel provider configuration stored in the
// secrets backend under {env}/quote-engine/{channel}.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	From    string
}

// ParseGatewayConfig validates a raw gateway secret.
func ParseGatewayConfig(kv map[string]string) (GatewayConfig, error) {
	cfg := GatewayConfig{
		BaseURL: strings.TrimRight(kv["base_url"], "/"),
		APIKey:  kv["api_key"],
		From:    kv["from"],
	}
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return GatewayConfig{}, fmt.Errorf("%w: gateway secret needs base_url and api_key", model.ErrConfiguration)
	}
	return cfg, nil
}

// CredentialSource resolves gateway settings per channel.
type CredentialSource interface {
	Resolve(ctx context.Context, channel string, parse func(map[string]string) (GatewayConfig, error)) (GatewayConfig, error)
	Invalidate(channel string)
}

var errGatewayAuth = errors.New("gateway rejected credentials")

// GatewayErrorHandler turns a 4xx gateway response into an error the
// dispatcher can classify.
func GatewayErrorHandler(status int, body []byte) error {
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &resp)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %d %s", errGatewayAuth, status, resp.Error)
	}
	return fmt.Errorf("gateway returned %d: %s", status, resp.Error)
}

type gatewayRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
	Priority  string `json:"priority"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
}

// GatewaySender delivers email, sms, push or whatsapp through an HTTP
// provider gateway.
type GatewaySender struct {
	channel model.Channel
	creds   CredentialSource
	exec    *httpclient.Executor
	logger  *zap.Logger
}

func NewGatewaySender(ch model.Channel, creds CredentialSource, exec *httpclient.Executor, logger *zap.Logger) *GatewaySender {
	return &GatewaySender{channel: ch, creds: creds, exec: exec, logger: logger}
}

func (s *GatewaySender) Channel() model.Channel { return s.channel }

func (s *GatewaySender) Send(ctx context.Context, msg Message) error {
	cfg, err := s.creds.Resolve(ctx, string(s.channel), ParseGatewayConfig)
	if err != nil {
		if errors.Is(err, model.ErrConfiguration) {
			return err
		}
		return fmt.Errorf("%w: %s gateway credentials: %v", model.ErrConfiguration, s.channel, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("Idempotency-Key", msg.JobID)

	var resp gatewayResponse
	err = s.exec.PostJSON(ctx, cfg.BaseURL+"/messages", header, gatewayRequest{
		To:        msg.Address,
		From:      cfg.From,
		Subject:   msg.Content.Subject,
		Body:      msg.Content.Body,
		Reference: msg.JobID,
		Priority:  msg.Priority.String(),
	}, string(s.channel), &resp)
	if err != nil {
		if errors.Is(err, errGatewayAuth) {
			s.creds.Invalidate(string(s.channel))
			return fmt.Errorf("%w: %s: %v", model.ErrConfiguration, s.channel, err)
		}
		return fmt.Errorf("%w: %s: %v", model.ErrDeliveryFailed, s.channel, err)
	}

	s.logger.Debug("notify.gateway_accepted",
		zap.String("channel", string(s.channel)),
		zap.String("job_id", msg.JobID),
		zap.String("message_id", resp.MessageID))
	return nil
}
