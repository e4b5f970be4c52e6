// Package matching owns the RFQ and quote state machines. Every transition on
// an RFQ or one of its quotes runs under that RFQ's lock and is applied to the
// store as a compare-and-set, so accept, reject, expire and cancel can race
// freely: exactly one wins and the others observe a terminal status.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/internal/store"
	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// DefaultAcceptanceWindow is how long a buyer has to accept a quote.
const DefaultAcceptanceWindow = 30 * time.Minute

// Scheduler is the expiry timer registry.
type Scheduler interface {
	Schedule(quoteID string, deadline time.Time) bool
	Cancel(quoteID string) bool
}

// Broadcaster fans events out to live UI listeners.
type Broadcaster interface {
	Publish(event model.Event, topics ...string)
}

// Notifier enqueues notifications. It must not block on delivery.
type Notifier interface {
	Publish(ctx context.Context, n model.Notification) error
}

// OrderSink receives the order intent produced by an accept.
type OrderSink interface {
	HandleOrderIntent(ctx context.Context, intent model.OrderIntent) error
}

type Config struct {
	AcceptanceWindow time.Duration
	// MatchingWindow bounds how long an RFQ takes new quotes. Zero disables it.
	MatchingWindow time.Duration
}

type Engine struct {
	store     store.Store
	scheduler Scheduler
	bus       Broadcaster
	notifier  Notifier
	vendors   VendorDirectory
	sinks     []OrderSink
	clock     clock.Clock
	cfg       Config
	locks     *keyedMutex
	logger    *zap.Logger
}

type Option func(*Engine)

func WithBroadcaster(b Broadcaster) Option { return func(e *Engine) { e.bus = b } }
func WithNotifier(n Notifier) Option       { return func(e *Engine) { e.notifier = n } }
func WithVendorDirectory(d VendorDirectory) Option {
	return func(e *Engine) { e.vendors = d }
}
func WithOrderSinks(s ...OrderSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s...) }
}

func New(st store.Store, sched Scheduler, clk clock.Clock, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.AcceptanceWindow <= 0 {
		cfg.AcceptanceWindow = DefaultAcceptanceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     st,
		scheduler: sched,
		clock:     clk,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		logger:    logger,
		vendors:   NewStaticDirectory(nil, nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenRFQ validates and stores a new RFQ and announces it to eligible vendors.
func (e *Engine) OpenRFQ(ctx context.Context, rfq model.RFQ) (*model.RFQ, error) {
	now := e.clock.Now()
	if err := rfq.Validate(now); err != nil {
		return nil, e.fail("open_rfq", err)
	}
	if rfq.ID == "" {
		rfq.ID = uuid.NewString()
	}
	rfq.Status = model.RFQStatusOpen
	rfq.CreatedAt = now
	rfq.ClosedAt = nil
	rfq.CloseReason = ""
	rfq.AcceptedQuoteID = ""

	if err := e.store.CreateRFQ(ctx, &rfq); err != nil {
		return nil, e.fail("open_rfq", err)
	}
	metrics.IncTransition("rfq", string(model.RFQStatusOpen))
	e.logger.Info("matching.rfq_opened",
		zap.String("rfq_id", rfq.ID),
		zap.String("buyer_id", rfq.BuyerID),
		zap.Int("items", len(rfq.Items)))

	ev := model.NewEvent(model.EventRFQOpened, rfq.ID, "", rfqPayload{RFQ: &rfq}, now)
	e.broadcast(ev, model.TopicAllVendors, model.BuyerTopic(rfq.BuyerID), model.RFQTopic(rfq.ID))

	vendors, err := e.vendors.EligibleVendors(ctx, &rfq)
	if err != nil {
		e.logger.Warn("matching.vendor_lookup_failed", zap.String("rfq_id", rfq.ID), zap.Error(err))
	}
	if len(vendors) > 0 {
		var respondBy time.Time
		if e.cfg.MatchingWindow > 0 {
			respondBy = now.Add(e.cfg.MatchingWindow)
		}
		recipients := make([]model.Recipient, 0, len(vendors))
		for _, v := range vendors {
			recipients = append(recipients, model.Recipient{ID: v, Kind: model.RecipientVendor})
		}
		e.notify(ctx, model.Notification{
			Event:      ev,
			Type:       model.NotifyRFQOpened,
			Recipients: recipients,
			Priority:   model.PriorityNormal,
			Data:       map[string]map[string]any{"*": rfqOpenedForVendor(&rfq, respondBy)},
		})
	}
	return rfq.Clone(), nil
}

// SubmitQuote prices and records a vendor quote and starts its acceptance
// window.
func (e *Engine) SubmitQuote(ctx context.Context, rfqID, vendorID string, items []model.QuoteLineItem, terms model.DeliveryTerms) (*model.Quote, error) {
	if strings.TrimSpace(vendorID) == "" {
		return nil, e.fail("submit_quote", fmt.Errorf("%w: vendor_id is required", model.ErrInvalidRequest))
	}
	priced, total, err := model.PriceItems(items, terms)
	if err != nil {
		return nil, e.fail("submit_quote", err)
	}

	unlock := e.locks.Lock(rfqID)
	defer unlock()

	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if err != nil {
		return nil, e.fail("submit_quote", err)
	}
	now := e.clock.Now()
	if !rfq.IsOpen(now, e.cfg.MatchingWindow) {
		return nil, e.fail("submit_quote", fmt.Errorf("rfq %s: %w", rfqID, model.ErrClosed))
	}

	existing, err := e.store.ListQuotes(ctx, rfqID)
	if err != nil {
		return nil, e.fail("submit_quote", err)
	}
	for _, q := range existing {
		if q.VendorID == vendorID && q.Status == model.QuoteStatusSubmitted {
			return nil, e.fail("submit_quote", fmt.Errorf("vendor %s on rfq %s: %w", vendorID, rfqID, model.ErrDuplicateVendor))
		}
	}

	q := &model.Quote{
		ID:          uuid.NewString(),
		RFQID:       rfq.ID,
		VendorID:    vendorID,
		BuyerID:     rfq.BuyerID,
		Items:       priced,
		Terms:       terms,
		Total:       total,
		Status:      model.QuoteStatusSubmitted,
		SubmittedAt: now,
		ExpiresAt:   now.Add(e.cfg.AcceptanceWindow),
	}
	if err := e.store.CreateQuote(ctx, q); err != nil {
		return nil, e.fail("submit_quote", err)
	}
	e.scheduler.Schedule(q.ID, q.ExpiresAt)

	metrics.IncTransition("quote", string(model.QuoteStatusSubmitted))
	e.logger.Info("matching.quote_submitted",
		zap.String("rfq_id", rfq.ID),
		zap.String("quote_id", q.ID),
		zap.String("vendor_id", vendorID),
		zap.String("total", q.Total.StringFixed(2)),
		zap.Time("expires_at", q.ExpiresAt))

	ev := model.NewEvent(model.EventQuoteSubmitted, rfq.ID, q.ID, quotePayload{Quote: q}, now)
	e.broadcast(ev, model.RFQTopic(rfq.ID), model.BuyerTopic(rfq.BuyerID), model.VendorTopic(vendorID))
	e.notify(ctx, model.Notification{
		Event:      ev,
		Type:       model.NotifyQuoteSubmitted,
		Recipients: []model.Recipient{{ID: rfq.BuyerID, Kind: model.RecipientBuyer}},
		Priority:   model.PriorityHigh,
		Data:       map[string]map[string]any{"*": quoteSubmittedForBuyer(q)},
	})
	return q.Clone(), nil
}

// AcceptQuote closes the RFQ in favour of one quote and returns the order
// intent for the order-creation collaborator. Expiry is judged against the
// stored expires_at only.
func (e *Engine) AcceptQuote(ctx context.Context, quoteID, buyerID string) (*model.OrderIntent, error) {
	rfqID, err := e.rfqOf(ctx, quoteID)
	if err != nil {
		return nil, e.fail("accept_quote", err)
	}

	intent, err := func() (*model.OrderIntent, error) {
		unlock := e.locks.Lock(rfqID)
		defer unlock()

		rfq, q, err := e.loadPair(ctx, rfqID, quoteID)
		if err != nil {
			return nil, err
		}
		if rfq.BuyerID != buyerID {
			return nil, fmt.Errorf("buyer %s on rfq %s: %w", buyerID, rfqID, model.ErrForbidden)
		}

		now := e.clock.Now()
		switch {
		case q.Status == model.QuoteStatusExpired:
			return nil, fmt.Errorf("quote %s: %w", quoteID, model.ErrExpired)
		case q.Status != model.QuoteStatusSubmitted:
			return nil, fmt.Errorf("quote %s is %s: %w", quoteID, q.Status, model.ErrAlreadyResolved)
		case q.IsExpiredAt(now):
			// The timer has not ticked yet; expire here so the caller and every
			// later reader see the same final status.
			if err := e.expireLocked(ctx, q, now); err != nil {
				e.logger.Warn("matching.sync_expire_failed", zap.String("quote_id", quoteID), zap.Error(err))
			}
			return nil, fmt.Errorf("quote %s: %w", quoteID, model.ErrExpired)
		case rfq.Status != model.RFQStatusOpen:
			return nil, fmt.Errorf("rfq %s: %w", rfqID, model.ErrClosed)
		}

		rejected, err := e.store.CloseRFQ(ctx, store.Closure{
			RFQID:           rfqID,
			Reason:          model.ReasonAcceptedByBuyer,
			AcceptedQuoteID: quoteID,
			SiblingReason:   model.ReasonRFQClosed,
			At:              now,
		})
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("quote %s: %w", quoteID, model.ErrAlreadyResolved)
		}
		if err != nil {
			return nil, err
		}

		e.scheduler.Cancel(quoteID)
		for _, id := range rejected {
			e.scheduler.Cancel(id)
		}

		q.Status = model.QuoteStatusAccepted
		q.StatusReason = model.ReasonAcceptedByBuyer
		q.ResolvedAt = &now
		rfq.Status = model.RFQStatusClosed
		rfq.ClosedAt = &now
		rfq.CloseReason = model.ReasonAcceptedByBuyer
		rfq.AcceptedQuoteID = quoteID

		intent := &model.OrderIntent{
			ID:         uuid.NewString(),
			RFQID:      rfqID,
			QuoteID:    quoteID,
			BuyerID:    rfq.BuyerID,
			VendorID:   q.VendorID,
			Items:      q.Items,
			Terms:      q.Terms,
			Total:      q.Total,
			AcceptedAt: now,
		}

		metrics.IncTransition("quote", string(model.QuoteStatusAccepted))
		metrics.IncTransition("rfq", string(model.RFQStatusClosed))
		e.logger.Info("matching.quote_accepted",
			zap.String("rfq_id", rfqID),
			zap.String("quote_id", quoteID),
			zap.String("vendor_id", q.VendorID),
			zap.Int("siblings_rejected", len(rejected)))

		ev := model.NewEvent(model.EventQuoteAccepted, rfqID, quoteID, quoteAcceptedPayload{Quote: q, Order: intent}, now)
		e.broadcast(ev, model.RFQTopic(rfqID), model.BuyerTopic(rfq.BuyerID), model.VendorTopic(q.VendorID))
		e.notify(ctx, model.Notification{
			Event:      ev,
			Type:       model.NotifyQuoteAccepted,
			Recipients: []model.Recipient{{ID: q.VendorID, Kind: model.RecipientVendor}},
			Priority:   model.PriorityCritical,
			Data:       map[string]map[string]any{"*": quoteAcceptedForVendor(q, intent)},
		})
		e.emitClosed(ctx, rfq, rejected, now)
		return intent, nil
	}()
	if err != nil {
		return nil, e.fail("accept_quote", err)
	}

	e.deliverOrder(ctx, *intent)
	return intent, nil
}

// RejectQuote terminates a single quote. The RFQ stays open.
func (e *Engine) RejectQuote(ctx context.Context, quoteID, buyerID, reason string) (*model.Quote, error) {
	rfqID, err := e.rfqOf(ctx, quoteID)
	if err != nil {
		return nil, e.fail("reject_quote", err)
	}

	unlock := e.locks.Lock(rfqID)
	defer unlock()

	rfq, q, err := e.loadPair(ctx, rfqID, quoteID)
	if err != nil {
		return nil, e.fail("reject_quote", err)
	}
	if rfq.BuyerID != buyerID {
		return nil, e.fail("reject_quote", fmt.Errorf("buyer %s on rfq %s: %w", buyerID, rfqID, model.ErrForbidden))
	}
	if q.Status != model.QuoteStatusSubmitted {
		return nil, e.fail("reject_quote", fmt.Errorf("quote %s is %s: %w", quoteID, q.Status, model.ErrAlreadyResolved))
	}

	now := e.clock.Now()
	if strings.TrimSpace(reason) == "" {
		reason = model.ReasonRejectedByBuyer
	}
	err = e.store.TransitionQuote(ctx, store.QuoteTransition{
		QuoteID: quoteID,
		From:    model.QuoteStatusSubmitted,
		To:      model.QuoteStatusRejected,
		Reason:  reason,
		At:      now,
	})
	if errors.Is(err, model.ErrConflict) {
		return nil, e.fail("reject_quote", fmt.Errorf("quote %s: %w", quoteID, model.ErrAlreadyResolved))
	}
	if err != nil {
		return nil, e.fail("reject_quote", err)
	}
	e.scheduler.Cancel(quoteID)

	q.Status = model.QuoteStatusRejected
	q.StatusReason = reason
	q.ResolvedAt = &now

	metrics.IncTransition("quote", string(model.QuoteStatusRejected))
	e.logger.Info("matching.quote_rejected",
		zap.String("rfq_id", rfqID),
		zap.String("quote_id", quoteID),
		zap.String("reason", reason))

	ev := model.NewEvent(model.EventQuoteRejected, rfqID, quoteID, quotePayload{Quote: q}, now)
	e.broadcast(ev, model.RFQTopic(rfqID), model.BuyerTopic(rfq.BuyerID), model.VendorTopic(q.VendorID))
	e.notify(ctx, model.Notification{
		Event:      ev,
		Type:       model.NotifyQuoteRejected,
		Recipients: []model.Recipient{{ID: q.VendorID, Kind: model.RecipientVendor}},
		Priority:   model.PriorityNormal,
		Data:       map[string]map[string]any{"*": quoteRejectedForVendor(q, reason)},
	})
	return q.Clone(), nil
}

// ExpireQuote is the scheduler callback. It moves submitted -> expired once;
// any other status makes it a no-op.
func (e *Engine) ExpireQuote(ctx context.Context, quoteID string) error {
	rfqID, err := e.rfqOf(ctx, quoteID)
	if errors.Is(err, model.ErrNotFound) {
		e.logger.Warn("matching.expire_unknown_quote", zap.String("quote_id", quoteID))
		return nil
	}
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(rfqID)
	defer unlock()

	q, err := e.store.GetQuote(ctx, quoteID)
	if err != nil {
		return err
	}
	if q.Status != model.QuoteStatusSubmitted {
		e.logger.Debug("matching.expire_noop",
			zap.String("quote_id", quoteID),
			zap.String("status", string(q.Status)))
		return nil
	}

	now := e.clock.Now()
	if !q.IsExpiredAt(now) {
		e.logger.Warn("matching.expire_early",
			zap.String("quote_id", quoteID),
			zap.Time("expires_at", q.ExpiresAt),
			zap.Time("now", now))
		e.scheduler.Schedule(quoteID, q.ExpiresAt)
		return nil
	}
	return e.expireLocked(ctx, q, now)
}

// expireLocked applies submitted -> expired. Callers hold the RFQ lock.
func (e *Engine) expireLocked(ctx context.Context, q *model.Quote, now time.Time) error {
	err := e.store.TransitionQuote(ctx, store.QuoteTransition{
		QuoteID: q.ID,
		From:    model.QuoteStatusSubmitted,
		To:      model.QuoteStatusExpired,
		Reason:  model.ReasonDeadlinePassed,
		At:      now,
	})
	if errors.Is(err, model.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	e.scheduler.Cancel(q.ID)

	q.Status = model.QuoteStatusExpired
	q.StatusReason = model.ReasonDeadlinePassed
	q.ResolvedAt = &now

	metrics.IncTransition("quote", string(model.QuoteStatusExpired))
	e.logger.Info("matching.quote_expired",
		zap.String("rfq_id", q.RFQID),
		zap.String("quote_id", q.ID),
		zap.Time("expires_at", q.ExpiresAt))

	ev := model.NewEvent(model.EventQuoteExpired, q.RFQID, q.ID, quotePayload{Quote: q}, now)
	e.broadcast(ev, model.RFQTopic(q.RFQID), model.BuyerTopic(q.BuyerID), model.VendorTopic(q.VendorID))
	e.notify(ctx, model.Notification{
		Event: ev,
		Type:  model.NotifyQuoteExpired,
		Recipients: []model.Recipient{
			{ID: q.VendorID, Kind: model.RecipientVendor},
			{ID: q.BuyerID, Kind: model.RecipientBuyer},
		},
		Priority: model.PriorityNormal,
		Data: map[string]map[string]any{
			q.VendorID: quoteExpiredForVendor(q),
			q.BuyerID:  quoteExpiredForBuyer(q),
		},
	})
	return nil
}

// CancelRFQ closes an open RFQ at the buyer's request and rejects every
// quote still waiting on it.
func (e *Engine) CancelRFQ(ctx context.Context, rfqID, buyerID string) (*model.RFQ, error) {
	unlock := e.locks.Lock(rfqID)
	defer unlock()

	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if err != nil {
		return nil, e.fail("cancel_rfq", err)
	}
	if rfq.BuyerID != buyerID {
		return nil, e.fail("cancel_rfq", fmt.Errorf("buyer %s on rfq %s: %w", buyerID, rfqID, model.ErrForbidden))
	}
	if rfq.Status != model.RFQStatusOpen {
		return nil, e.fail("cancel_rfq", fmt.Errorf("rfq %s: %w", rfqID, model.ErrClosed))
	}

	now := e.clock.Now()
	rejected, err := e.store.CloseRFQ(ctx, store.Closure{
		RFQID:         rfqID,
		Reason:        model.ReasonRFQCancelled,
		SiblingReason: model.ReasonRFQCancelled,
		At:            now,
	})
	if errors.Is(err, model.ErrConflict) {
		return nil, e.fail("cancel_rfq", fmt.Errorf("rfq %s: %w", rfqID, model.ErrClosed))
	}
	if err != nil {
		return nil, e.fail("cancel_rfq", err)
	}
	for _, id := range rejected {
		e.scheduler.Cancel(id)
	}

	rfq.Status = model.RFQStatusClosed
	rfq.ClosedAt = &now
	rfq.CloseReason = model.ReasonRFQCancelled

	metrics.IncTransition("rfq", string(model.RFQStatusClosed))
	e.logger.Info("matching.rfq_cancelled",
		zap.String("rfq_id", rfqID),
		zap.Int("quotes_rejected", len(rejected)))

	e.emitClosed(ctx, rfq, rejected, now)
	return rfq.Clone(), nil
}

// emitClosed announces an RFQ closure and tells each vendor whose quote was
// swept up in it.
func (e *Engine) emitClosed(ctx context.Context, rfq *model.RFQ, rejectedIDs []string, now time.Time) {
	ev := model.NewEvent(model.EventRFQClosed, rfq.ID, "", rfqClosedPayload{
		RFQ:              rfq,
		AcceptedQuoteID:  rfq.AcceptedQuoteID,
		RejectedQuoteIDs: rejectedIDs,
	}, now)

	topics := []string{model.RFQTopic(rfq.ID), model.BuyerTopic(rfq.BuyerID), model.TopicAllVendors}
	var recipients []model.Recipient
	data := make(map[string]map[string]any)
	for _, id := range rejectedIDs {
		q, err := e.store.GetQuote(ctx, id)
		if err != nil {
			e.logger.Warn("matching.closed_quote_lookup_failed", zap.String("quote_id", id), zap.Error(err))
			continue
		}
		if _, dup := data[q.VendorID]; dup {
			continue
		}
		topics = append(topics, model.VendorTopic(q.VendorID))
		recipients = append(recipients, model.Recipient{ID: q.VendorID, Kind: model.RecipientVendor})
		data[q.VendorID] = rfqClosedForVendor(rfq, q.ID)
	}

	e.broadcast(ev, topics...)
	if len(recipients) > 0 {
		e.notify(ctx, model.Notification{
			Event:      ev,
			Type:       model.NotifyRFQClosed,
			Recipients: recipients,
			Priority:   model.PriorityNormal,
			Data:       data,
		})
	}
}

// GetRFQ returns the current RFQ state.
func (e *Engine) GetRFQ(ctx context.Context, id string) (*model.RFQ, error) {
	return e.store.GetRFQ(ctx, id)
}

// GetQuote returns the current quote state.
func (e *Engine) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	return e.store.GetQuote(ctx, id)
}

// ListQuotes returns every quote on an RFQ in submission order.
func (e *Engine) ListQuotes(ctx context.Context, rfqID string) ([]*model.Quote, error) {
	if _, err := e.store.GetRFQ(ctx, rfqID); err != nil {
		return nil, err
	}
	return e.store.ListQuotes(ctx, rfqID)
}

// rfqOf resolves the RFQ a quote belongs to. The association never changes,
// so it is safe to read before taking the lock.
func (e *Engine) rfqOf(ctx context.Context, quoteID string) (string, error) {
	q, err := e.store.GetQuote(ctx, quoteID)
	if err != nil {
		return "", err
	}
	return q.RFQID, nil
}

func (e *Engine) loadPair(ctx context.Context, rfqID, quoteID string) (*model.RFQ, *model.Quote, error) {
	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if err != nil {
		return nil, nil, err
	}
	q, err := e.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, nil, err
	}
	return rfq, q, nil
}

func (e *Engine) broadcast(ev model.Event, topics ...string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev, topics...)
}

// notify hands a notification to the dispatcher. Failures are logged and
// never fail the transition that produced the event.
func (e *Engine) notify(ctx context.Context, n model.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, n); err != nil {
		metrics.IncError("matching", "notify_"+model.ErrorCode(err))
		e.logger.Error("matching.notify_failed",
			zap.String("event_type", string(n.Event.Type)),
			zap.String("event_id", n.Event.ID.String()),
			zap.String("code", model.ErrorCode(err)),
			zap.Error(err))
	}
}

func (e *Engine) deliverOrder(ctx context.Context, intent model.OrderIntent) {
	for _, sink := range e.sinks {
		if err := sink.HandleOrderIntent(ctx, intent); err != nil {
			metrics.IncError("matching", "order_sink")
			e.logger.Error("matching.order_sink_failed",
				zap.String("order_id", intent.ID),
				zap.String("quote_id", intent.QuoteID),
				zap.Error(err))
		}
	}
}

func (e *Engine) fail(op string, err error) error {
	metrics.IncOperationError(op, model.ErrorCode(err))
	return err
}
