package matching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/scheduler"
	"github.com/tradefresh/quote-engine/internal/store"
	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []model.Notification
	err   error
	calls atomic.Int32
}

func (r *recordingNotifier) Publish(_ context.Context, n model.Notification) error {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) ofType(t model.NotificationType) []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Notification
	for _, n := range r.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type published struct {
	event  model.Event
	topics []string
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(ev model.Event, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{ev, topics})
}

func (b *recordingBus) count(t model.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.events {
		if p.event.Type == t {
			n++
		}
	}
	return n
}

func (b *recordingBus) last(t model.EventType) (published, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].event.Type == t {
			return b.events[i], true
		}
	}
	return published{}, false
}

type recordingSink struct {
	mu      sync.Mutex
	intents []model.OrderIntent
	err     error
}

func (s *recordingSink) HandleOrderIntent(_ context.Context, in model.OrderIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, in)
	return s.err
}

type harness struct {
	eng      *Engine
	store    *store.MemoryStore
	sched    *scheduler.Scheduler
	clk      *clock.Fake
	notifier *recordingNotifier
	bus      *recordingBus
	sink     *recordingSink

	mu    sync.Mutex
	fired map[string]int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		clk:      clock.NewFake(t0),
		notifier: &recordingNotifier{},
		bus:      &recordingBus{},
		sink:     &recordingSink{},
		fired:    map[string]int{},
	}
	h.sched = scheduler.New(h.clk, zap.NewNop(), scheduler.Config{})
	h.eng = New(h.store, h.sched, h.clk, cfg, zap.NewNop(),
		WithBroadcaster(h.bus),
		WithNotifier(h.notifier),
		WithVendorDirectory(NewStaticDirectory([]string{"v1", "v2", "v3"}, nil)),
		WithOrderSinks(h.sink),
	)
	h.sched.SetExpireFunc(func(ctx context.Context, id string) error {
		h.mu.Lock()
		h.fired[id]++
		h.mu.Unlock()
		return h.eng.ExpireQuote(ctx, id)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	h.sched.Start(context.Background())
	t.Cleanup(h.sched.Stop)
}

func (h *harness) firedCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired[id]
}

func newRFQ(buyer string) model.RFQ {
	return model.RFQ{
		BuyerID: buyer,
		Items: []model.RFQLineItem{
			{Product: "Roma tomatoes", Quantity: decimal.NewFromInt(20), Unit: "kg"},
			{Product: "Basil", Quantity: decimal.NewFromInt(2), Unit: "kg"},
		},
		Delivery: model.DeliveryWindow{Date: t0.Add(24 * time.Hour), Start: "06:00", End: "08:00"},
	}
}

// quoteItems prices 20kg tomatoes + 2kg basil so the total equals amount.
func quoteItems(amount int64) []model.QuoteLineItem {
	return []model.QuoteLineItem{
		{Product: "Roma tomatoes", Quantity: decimal.NewFromInt(20), Unit: "kg", UnitPrice: decimal.NewFromInt(amount).Div(decimal.NewFromInt(20))},
		{Product: "Basil", Quantity: decimal.NewFromInt(2), Unit: "kg", UnitPrice: decimal.Zero},
	}
}

func terms() model.DeliveryTerms {
	return model.DeliveryTerms{DeliveryDate: t0.Add(24 * time.Hour)}
}

func (h *harness) open(t *testing.T, buyer string) *model.RFQ {
	t.Helper()
	rfq, err := h.eng.OpenRFQ(context.Background(), newRFQ(buyer))
	require.NoError(t, err)
	return rfq
}

func (h *harness) submit(t *testing.T, rfqID, vendor string, amount int64) *model.Quote {
	t.Helper()
	q, err := h.eng.SubmitQuote(context.Background(), rfqID, vendor, quoteItems(amount), terms())
	require.NoError(t, err)
	return q
}

func (h *harness) status(t *testing.T, quoteID string) model.QuoteStatus {
	t.Helper()
	q, err := h.store.GetQuote(context.Background(), quoteID)
	require.NoError(t, err)
	return q.Status
}

func TestOpenRFQ_Validation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	empty := newRFQ("b1")
	empty.Items = nil
	_, err := h.eng.OpenRFQ(ctx, empty)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	past := newRFQ("b1")
	past.Delivery.Date = t0.Add(-48 * time.Hour)
	_, err = h.eng.OpenRFQ(ctx, past)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	assert.Zero(t, h.bus.count(model.EventRFQOpened))
	assert.Zero(t, h.notifier.calls.Load())
}

func TestOpenRFQ_FansOutToEligibleVendors(t *testing.T) {
	h := newHarness(t, Config{MatchingWindow: 30 * time.Minute})
	rfq := h.open(t, "b1")

	assert.Equal(t, model.RFQStatusOpen, rfq.Status)
	assert.Equal(t, t0, rfq.CreatedAt)

	p, ok := h.bus.last(model.EventRFQOpened)
	require.True(t, ok)
	assert.Contains(t, p.topics, model.TopicAllVendors)
	assert.Contains(t, p.topics, model.RFQTopic(rfq.ID))

	notes := h.notifier.ofType(model.NotifyRFQOpened)
	require.Len(t, notes, 1)
	assert.Len(t, notes[0].Recipients, 3)
	for _, r := range notes[0].Recipients {
		assert.Equal(t, model.RecipientVendor, r.Kind)
	}
	assert.Equal(t, "09:30 UTC", notes[0].DataFor("v1")["respond_by"])
}

func TestSubmitQuote_SetsExpiryOnceAndSchedules(t *testing.T) {
	h := newHarness(t, Config{})
	rfq := h.open(t, "b1")

	h.clk.Advance(time.Second)
	q := h.submit(t, rfq.ID, "v1", 100)

	assert.Equal(t, t0.Add(1801*time.Second), q.ExpiresAt)
	assert.Equal(t, "100", q.Total.String())
	deadline, ok := h.sched.Deadline(q.ID)
	require.True(t, ok)
	assert.Equal(t, q.ExpiresAt, deadline)

	first, err := h.eng.GetQuote(context.Background(), q.ID)
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	second, err := h.eng.GetQuote(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt, "expires_at is never recomputed on read")

	notes := h.notifier.ofType(model.NotifyQuoteSubmitted)
	require.Len(t, notes, 1)
	assert.Equal(t, []model.Recipient{{ID: "b1", Kind: model.RecipientBuyer}}, notes[0].Recipients)
	assert.Equal(t, model.PriorityHigh, notes[0].Priority)
}

func TestSubmitQuote_Errors(t *testing.T) {
	h := newHarness(t, Config{MatchingWindow: 30 * time.Minute})
	ctx := context.Background()

	_, err := h.eng.SubmitQuote(ctx, "missing", "v1", quoteItems(100), terms())
	assert.ErrorIs(t, err, model.ErrNotFound)

	rfq := h.open(t, "b1")
	_, err = h.eng.SubmitQuote(ctx, rfq.ID, "", quoteItems(100), terms())
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	_, err = h.eng.SubmitQuote(ctx, rfq.ID, "v1", nil, terms())
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	h.clk.Advance(30 * time.Minute)
	_, err = h.eng.SubmitQuote(ctx, rfq.ID, "v1", quoteItems(100), terms())
	assert.ErrorIs(t, err, model.ErrClosed, "matching window elapsed")
}

func TestSubmitQuote_ClosedRFQ(t *testing.T) {
	h := newHarness(t, Config{})
	rfq := h.open(t, "b1")
	_, err := h.eng.CancelRFQ(context.Background(), rfq.ID, "b1")
	require.NoError(t, err)

	_, err = h.eng.SubmitQuote(context.Background(), rfq.ID, "v1", quoteItems(100), terms())
	assert.ErrorIs(t, err, model.ErrClosed)
}

func TestScenarioA_AcceptClosesSiblings(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	rfq := h.open(t, "b1")

	h.clk.Advance(time.Second)
	q1 := h.submit(t, rfq.ID, "v1", 100)
	assert.Equal(t, t0.Add(1801*time.Second), q1.ExpiresAt)
	h.clk.Advance(time.Second)
	q2 := h.submit(t, rfq.ID, "v2", 90)

	h.clk.Set(t0.Add(10 * time.Second))
	intent, err := h.eng.AcceptQuote(ctx, q2.ID, "b1")
	require.NoError(t, err)
	assert.Equal(t, q2.ID, intent.QuoteID)
	assert.Equal(t, "v2", intent.VendorID)
	assert.Equal(t, "90", intent.Total.String())

	assert.Equal(t, model.QuoteStatusAccepted, h.status(t, q2.ID))
	assert.Equal(t, model.QuoteStatusRejected, h.status(t, q1.ID))
	got, _ := h.eng.GetRFQ(ctx, rfq.ID)
	assert.Equal(t, model.RFQStatusClosed, got.Status)
	assert.Equal(t, q2.ID, got.AcceptedQuoteID)

	_, err = h.eng.AcceptQuote(ctx, q1.ID, "b1")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	accepted := h.notifier.ofType(model.NotifyQuoteAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "v2", accepted[0].Recipients[0].ID)
	assert.Equal(t, model.PriorityCritical, accepted[0].Priority)

	closed := h.notifier.ofType(model.NotifyRFQClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, []model.Recipient{{ID: "v1", Kind: model.RecipientVendor}}, closed[0].Recipients)

	require.Len(t, h.sink.intents, 1)
	assert.Equal(t, intent.ID, h.sink.intents[0].ID)
}

func TestScenarioB_AcceptAfterDeadline_SchedulerAlreadyFired(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)

	h.clk.Advance(1801 * time.Second)
	require.Eventually(t, func() bool { return h.status(t, q.ID) == model.QuoteStatusExpired }, time.Second, 5*time.Millisecond)

	_, err := h.eng.AcceptQuote(context.Background(), q.ID, "b1")
	assert.ErrorIs(t, err, model.ErrExpired)
	assert.Equal(t, model.QuoteStatusExpired, h.status(t, q.ID))
	assert.Equal(t, 1, h.bus.count(model.EventQuoteExpired))
}

func TestScenarioB_AcceptAfterDeadline_BeforeSchedulerTick(t *testing.T) {
	h := newHarness(t, Config{})
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)

	h.clk.Advance(1801 * time.Second)
	_, err := h.eng.AcceptQuote(context.Background(), q.ID, "b1")
	assert.ErrorIs(t, err, model.ErrExpired)
	assert.Equal(t, model.QuoteStatusExpired, h.status(t, q.ID), "expired synchronously")
	assert.Equal(t, 0, h.sched.Pending(), "timer cancelled")

	require.NoError(t, h.eng.ExpireQuote(context.Background(), q.ID))
	assert.Equal(t, 1, h.bus.count(model.EventQuoteExpired))
	assert.Len(t, h.notifier.ofType(model.NotifyQuoteExpired), 1)
	got, _ := h.eng.GetRFQ(context.Background(), rfq.ID)
	assert.Equal(t, model.RFQStatusOpen, got.Status, "expiry alone does not close the rfq")
}

func TestScenarioC_DuplicateVendor(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)

	_, err := h.eng.SubmitQuote(ctx, rfq.ID, "v1", quoteItems(95), terms())
	assert.ErrorIs(t, err, model.ErrDuplicateVendor)

	_, err = h.eng.RejectQuote(ctx, q.ID, "b1", "")
	require.NoError(t, err)

	again := h.submit(t, rfq.ID, "v1", 95)
	assert.NotEqual(t, q.ID, again.ID)
}

func TestAcceptQuote_Forbidden(t *testing.T) {
	h := newHarness(t, Config{})
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)

	_, err := h.eng.AcceptQuote(context.Background(), q.ID, "someone-else")
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.Equal(t, model.QuoteStatusSubmitted, h.status(t, q.ID))

	_, err = h.eng.AcceptQuote(context.Background(), "nope", "b1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestExpireQuote_Idempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)
	h.clk.Advance(30 * time.Minute)

	require.NoError(t, h.eng.ExpireQuote(ctx, q.ID))
	require.NoError(t, h.eng.ExpireQuote(ctx, q.ID))

	assert.Equal(t, model.QuoteStatusExpired, h.status(t, q.ID))
	assert.Equal(t, 1, h.bus.count(model.EventQuoteExpired))
	expired := h.notifier.ofType(model.NotifyQuoteExpired)
	require.Len(t, expired, 1)
	assert.Len(t, expired[0].Recipients, 2)
	assert.Equal(t, "v1", expired[0].DataFor("b1")["vendor_id"])
}

func TestExpireQuote_EarlyCallReschedules(t *testing.T) {
	h := newHarness(t, Config{})
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)
	h.sched.Cancel(q.ID)

	require.NoError(t, h.eng.ExpireQuote(context.Background(), q.ID))
	assert.Equal(t, model.QuoteStatusSubmitted, h.status(t, q.ID))
	d, ok := h.sched.Deadline(q.ID)
	require.True(t, ok)
	assert.Equal(t, q.ExpiresAt, d)
}

func TestExpireQuote_UnknownQuoteIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	assert.NoError(t, h.eng.ExpireQuote(context.Background(), "ghost"))
}

func TestSiblingClosure_CancelsTimers(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	ctx := context.Background()
	rfq := h.open(t, "b1")
	q1 := h.submit(t, rfq.ID, "v1", 100)
	q2 := h.submit(t, rfq.ID, "v2", 90)
	q3 := h.submit(t, rfq.ID, "v3", 95)
	require.Equal(t, 3, h.sched.Pending())

	_, err := h.eng.AcceptQuote(ctx, q2.ID, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, h.sched.Pending())

	for _, id := range []string{q1.ID, q3.ID} {
		assert.Equal(t, model.QuoteStatusRejected, h.status(t, id))
	}

	h.clk.Advance(31 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	for _, id := range []string{q1.ID, q2.ID, q3.ID} {
		assert.Zero(t, h.firedCount(id), "no expire callback after closure")
	}
	assert.Zero(t, h.bus.count(model.EventQuoteExpired))
}

func TestAtMostOneAccepted_ConcurrentAccepts(t *testing.T) {
	h := newHarness(t, Config{})
	rfq := h.open(t, "b1")
	var ids []string
	for _, v := range []string{"v1", "v2", "v3"} {
		ids = append(ids, h.submit(t, rfq.ID, v, 100).ID)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.eng.AcceptQuote(context.Background(), id, "b1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, model.ErrAlreadyResolved), errors.Is(err, model.ErrClosed):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(ids[i%3])
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	quotes, err := h.eng.ListQuotes(context.Background(), rfq.ID)
	require.NoError(t, err)
	accepted := 0
	for _, q := range quotes {
		if q.Status == model.QuoteStatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.bus.count(model.EventQuoteAccepted))
}

func TestAcceptVersusExpire_SingleWinner(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t, Config{})
		h.start(t)
		rfq := h.open(t, "b1")
		q := h.submit(t, rfq.ID, "v1", 100)
		h.clk.Set(q.ExpiresAt.Add(-time.Millisecond))

		var acceptErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = h.eng.AcceptQuote(context.Background(), q.ID, "b1")
		}()
		go func() {
			defer wg.Done()
			h.clk.Advance(time.Millisecond)
		}()
		wg.Wait()

		if acceptErr == nil {
			assert.Equal(t, model.QuoteStatusAccepted, h.status(t, q.ID))
			time.Sleep(10 * time.Millisecond)
			assert.Zero(t, h.bus.count(model.EventQuoteExpired))
		} else {
			require.ErrorIs(t, acceptErr, model.ErrExpired)
			require.Eventually(t, func() bool { return h.status(t, q.ID) == model.QuoteStatusExpired }, time.Second, 5*time.Millisecond)
			require.Eventually(t, func() bool { return h.bus.count(model.EventQuoteExpired) == 1 }, time.Second, 5*time.Millisecond)
			assert.Zero(t, h.bus.count(model.EventQuoteAccepted))
		}
	}
}

func TestRejectQuote(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)

	_, err := h.eng.RejectQuote(ctx, q.ID, "b2", "")
	assert.ErrorIs(t, err, model.ErrForbidden)

	got, err := h.eng.RejectQuote(ctx, q.ID, "b1", "price too high")
	require.NoError(t, err)
	assert.Equal(t, model.QuoteStatusRejected, got.Status)
	assert.Equal(t, "price too high", got.StatusReason)
	assert.Equal(t, 0, h.sched.Pending())

	r, _ := h.eng.GetRFQ(ctx, rfq.ID)
	assert.Equal(t, model.RFQStatusOpen, r.Status)

	_, err = h.eng.RejectQuote(ctx, q.ID, "b1", "")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
	_, err = h.eng.AcceptQuote(ctx, q.ID, "b1")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	rejected := h.notifier.ofType(model.NotifyQuoteRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "price too high", rejected[0].DataFor("v1")["reason"])
}

func TestCancelRFQ(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	rfq := h.open(t, "b1")
	q1 := h.submit(t, rfq.ID, "v1", 100)
	q2 := h.submit(t, rfq.ID, "v2", 90)
	_, err := h.eng.RejectQuote(ctx, q2.ID, "b1", "")
	require.NoError(t, err)

	_, err = h.eng.CancelRFQ(ctx, rfq.ID, "b2")
	assert.ErrorIs(t, err, model.ErrForbidden)

	got, err := h.eng.CancelRFQ(ctx, rfq.ID, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.RFQStatusClosed, got.Status)
	assert.Equal(t, model.ReasonRFQCancelled, got.CloseReason)

	q, _ := h.eng.GetQuote(ctx, q1.ID)
	assert.Equal(t, model.QuoteStatusRejected, q.Status)
	assert.Equal(t, model.ReasonRFQCancelled, q.StatusReason)
	assert.Equal(t, 0, h.sched.Pending())

	closed := h.notifier.ofType(model.NotifyRFQClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, []model.Recipient{{ID: "v1", Kind: model.RecipientVendor}}, closed[0].Recipients)

	_, err = h.eng.CancelRFQ(ctx, rfq.ID, "b1")
	assert.ErrorIs(t, err, model.ErrClosed)
}

func TestNotifierFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(t, Config{})
	h.notifier.err = model.ErrConfiguration
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)

	_, err := h.eng.AcceptQuote(context.Background(), q.ID, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.QuoteStatusAccepted, h.status(t, q.ID))
}

func TestOrderSinkFailureDoesNotFailAccept(t *testing.T) {
	h := newHarness(t, Config{})
	h.sink.err = errors.New("broker down")
	rfq := h.open(t, "b1")
	q := h.submit(t, rfq.ID, "v1", 100)

	intent, err := h.eng.AcceptQuote(context.Background(), q.ID, "b1")
	require.NoError(t, err)
	assert.NotEmpty(t, intent.ID)
	assert.Len(t, h.sink.intents, 1)
}

func TestListQuotes_UnknownRFQ(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.eng.ListQuotes(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRehydrateAfterRestart(t *testing.T) {
	h := newHarness(t, Config{})
	rfq := h.open(t, "b1")
	q1 := h.submit(t, rfq.ID, "v1", 100)
	h.clk.Advance(20 * time.Minute)
	q2 := h.submit(t, rfq.ID, "v2", 90)

	// A new process: fresh scheduler and engine over the same store.
	sched := scheduler.New(h.clk, zap.NewNop(), scheduler.Config{})
	eng := New(h.store, sched, h.clk, Config{}, zap.NewNop(), WithBroadcaster(h.bus))
	sched.SetExpireFunc(eng.ExpireQuote)

	h.clk.Advance(15 * time.Minute)
	n, err := sched.Rehydrate(context.Background(), h.store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sched.Start(context.Background())
	defer sched.Stop()

	require.Eventually(t, func() bool { return h.status(t, q1.ID) == model.QuoteStatusExpired }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.QuoteStatusSubmitted, h.status(t, q2.ID))

	h.clk.Advance(15 * time.Minute)
	require.Eventually(t, func() bool { return h.status(t, q2.ID) == model.QuoteStatusExpired }, time.Second, 5*time.Millisecond)
}

// hookStore runs beforeCreate ahead of every quote insert.
type hookStore struct {
	store.Store
	beforeCreate func()
}

func (s *hookStore) CreateQuote(ctx context.Context, q *model.Quote) error {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	return s.Store.CreateQuote(ctx, q)
}

func TestSubmitQuote_RFQClosedByAnotherReplica(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	rfq := h.open(t, "b1")

	other := New(h.store, scheduler.New(h.clk, zap.NewNop(), scheduler.Config{}), h.clk, Config{}, zap.NewNop())
	shared := &hookStore{Store: h.store}
	shared.beforeCreate = func() {
		shared.beforeCreate = nil
		_, err := other.CancelRFQ(ctx, rfq.ID, "b1")
		require.NoError(t, err)
	}
	replica := New(shared, h.sched, h.clk, Config{}, zap.NewNop())

	_, err := replica.SubmitQuote(ctx, rfq.ID, "v1", quoteItems(100), terms())
	assert.ErrorIs(t, err, model.ErrClosed)

	quotes, err := h.store.ListQuotes(ctx, rfq.ID)
	require.NoError(t, err)
	assert.Empty(t, quotes)
	assert.Equal(t, 0, h.sched.Pending())
}
