package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefresh/quote-engine/pkg/model"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func seedRFQ(t *testing.T, s Store) *model.RFQ {
	t.Helper()
	r := &model.RFQ{
		ID:      uuid.NewString(),
		BuyerID: "buyer-1",
		Items: []model.RFQLineItem{
			{Product: "Hass avocados", Quantity: decimal.NewFromInt(40), Unit: "case"},
		},
		Delivery:  model.DeliveryWindow{Date: epoch.Add(48 * time.Hour), Start: "06:00", End: "09:00"},
		Status:    model.RFQStatusOpen,
		CreatedAt: epoch,
	}
	require.NoError(t, s.CreateRFQ(context.Background(), r))
	return r
}

func seedQuote(t *testing.T, s Store, rfq *model.RFQ, vendorID string, offset time.Duration) *model.Quote {
	t.Helper()
	submitted := epoch.Add(offset)
	q := &model.Quote{
		ID:       uuid.NewString(),
		RFQID:    rfq.ID,
		VendorID: vendorID,
		BuyerID:  rfq.BuyerID,
		Items: []model.QuoteLineItem{{
			Product: "Hass avocados", Quantity: decimal.NewFromInt(40), Unit: "case",
			UnitPrice: decimal.RequireFromString("31.50"), LineTotal: decimal.RequireFromString("1260.00"),
		}},
		Terms:       model.DeliveryTerms{DeliveryDate: epoch.Add(48 * time.Hour), Fee: decimal.NewFromInt(25)},
		Total:       decimal.RequireFromString("1285.00"),
		Status:      model.QuoteStatusSubmitted,
		SubmittedAt: submitted,
		ExpiresAt:   submitted.Add(30 * time.Minute),
	}
	require.NoError(t, s.CreateQuote(context.Background(), q))
	return q
}

// runStoreContract exercises the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get unknown returns not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRFQ(ctx, uuid.NewString())
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.GetQuote(ctx, uuid.NewString())
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("round trips rfq and quote", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		q := seedQuote(t, s, r, "vendor-1", time.Second)

		gotR, err := s.GetRFQ(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RFQStatusOpen, gotR.Status)
		assert.Equal(t, "06:00", gotR.Delivery.Start)
		require.Len(t, gotR.Items, 1)

		gotQ, err := s.GetQuote(ctx, q.ID)
		require.NoError(t, err)
		assert.True(t, q.ExpiresAt.Equal(gotQ.ExpiresAt))
		assert.True(t, q.Total.Equal(gotQ.Total))
		assert.Equal(t, model.QuoteStatusSubmitted, gotQ.Status)
	})

	t.Run("one active quote per vendor", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		q := seedQuote(t, s, r, "vendor-1", 0)

		dup := *q
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, s.CreateQuote(ctx, &dup), model.ErrDuplicateVendor)

		require.NoError(t, s.TransitionQuote(ctx, QuoteTransition{
			QuoteID: q.ID, From: model.QuoteStatusSubmitted, To: model.QuoteStatusRejected,
			Reason: model.ReasonRejectedByBuyer, At: epoch,
		}))
		assert.NoError(t, s.CreateQuote(ctx, &dup), "vendor may quote again once the first is terminal")
	})

	t.Run("no quote lands on a closed rfq", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		_, err := s.CloseRFQ(ctx, Closure{RFQID: r.ID, Reason: model.ReasonRFQCancelled,
			SiblingReason: model.ReasonRFQCancelled, At: epoch})
		require.NoError(t, err)

		q := &model.Quote{
			ID: uuid.NewString(), RFQID: r.ID, VendorID: "vendor-1", BuyerID: r.BuyerID,
			Total: decimal.NewFromInt(10), Status: model.QuoteStatusSubmitted,
			SubmittedAt: epoch, ExpiresAt: epoch.Add(30 * time.Minute),
		}
		assert.ErrorIs(t, s.CreateQuote(ctx, q), model.ErrClosed)
		_, err = s.GetQuote(ctx, q.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)

		q.RFQID = uuid.NewString()
		assert.ErrorIs(t, s.CreateQuote(ctx, q), model.ErrNotFound)
	})

	t.Run("transition is compare and set", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		q := seedQuote(t, s, r, "vendor-1", 0)

		tr := QuoteTransition{QuoteID: q.ID, From: model.QuoteStatusSubmitted, To: model.QuoteStatusExpired,
			Reason: model.ReasonDeadlinePassed, At: epoch.Add(30 * time.Minute)}
		require.NoError(t, s.TransitionQuote(ctx, tr))
		assert.ErrorIs(t, s.TransitionQuote(ctx, tr), model.ErrConflict)

		got, err := s.GetQuote(ctx, q.ID)
		require.NoError(t, err)
		assert.Equal(t, model.QuoteStatusExpired, got.Status)
		assert.Equal(t, model.ReasonDeadlinePassed, got.StatusReason)
		require.NotNil(t, got.ResolvedAt)

		tr.QuoteID = uuid.NewString()
		assert.ErrorIs(t, s.TransitionQuote(ctx, tr), model.ErrNotFound)
	})

	t.Run("close with acceptance rejects siblings", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		q1 := seedQuote(t, s, r, "vendor-1", time.Second)
		q2 := seedQuote(t, s, r, "vendor-2", 2*time.Second)
		q3 := seedQuote(t, s, r, "vendor-3", 3*time.Second)
		require.NoError(t, s.TransitionQuote(ctx, QuoteTransition{
			QuoteID: q3.ID, From: model.QuoteStatusSubmitted, To: model.QuoteStatusExpired, At: epoch,
		}))

		rejected, err := s.CloseRFQ(ctx, Closure{
			RFQID: r.ID, Reason: model.ReasonAcceptedByBuyer, AcceptedQuoteID: q2.ID,
			SiblingReason: model.ReasonRFQClosed, At: epoch.Add(10 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{q1.ID}, rejected, "already-terminal siblings are left alone")

		gotR, _ := s.GetRFQ(ctx, r.ID)
		assert.Equal(t, model.RFQStatusClosed, gotR.Status)
		assert.Equal(t, q2.ID, gotR.AcceptedQuoteID)

		quotes, err := s.ListQuotes(ctx, r.ID)
		require.NoError(t, err)
		status := map[string]model.QuoteStatus{}
		for _, q := range quotes {
			status[q.ID] = q.Status
		}
		assert.Equal(t, model.QuoteStatusRejected, status[q1.ID])
		assert.Equal(t, model.QuoteStatusAccepted, status[q2.ID])
		assert.Equal(t, model.QuoteStatusExpired, status[q3.ID])
	})

	t.Run("close twice conflicts", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		c := Closure{RFQID: r.ID, Reason: model.ReasonRFQCancelled, SiblingReason: model.ReasonRFQCancelled, At: epoch}
		_, err := s.CloseRFQ(ctx, c)
		require.NoError(t, err)
		_, err = s.CloseRFQ(ctx, c)
		assert.ErrorIs(t, err, model.ErrConflict)
	})

	t.Run("close with non-submitted quote changes nothing", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		q1 := seedQuote(t, s, r, "vendor-1", 0)
		q2 := seedQuote(t, s, r, "vendor-2", 0)
		require.NoError(t, s.TransitionQuote(ctx, QuoteTransition{
			QuoteID: q1.ID, From: model.QuoteStatusSubmitted, To: model.QuoteStatusExpired, At: epoch,
		}))

		_, err := s.CloseRFQ(ctx, Closure{RFQID: r.ID, AcceptedQuoteID: q1.ID, SiblingReason: model.ReasonRFQClosed, At: epoch})
		assert.ErrorIs(t, err, model.ErrConflict)

		gotR, _ := s.GetRFQ(ctx, r.ID)
		assert.Equal(t, model.RFQStatusOpen, gotR.Status)
		gotQ2, _ := s.GetQuote(ctx, q2.ID)
		assert.Equal(t, model.QuoteStatusSubmitted, gotQ2.Status)
	})

	t.Run("lists submitted and overdue", func(t *testing.T) {
		s := newStore(t)
		r := seedRFQ(t, s)
		early := seedQuote(t, s, r, "vendor-1", 0)
		late := seedQuote(t, s, r, "vendor-2", 10*time.Minute)

		submitted, err := s.ListSubmittedQuotes(ctx)
		require.NoError(t, err)
		ids := map[string]bool{}
		for _, q := range submitted {
			ids[q.ID] = true
		}
		assert.True(t, ids[early.ID] && ids[late.ID])

		overdue, err := s.ListOverdueQuotes(ctx, epoch.Add(35*time.Minute), 10)
		require.NoError(t, err)
		var overdueIDs []string
		for _, q := range overdue {
			if q.RFQID == r.ID {
				overdueIDs = append(overdueIDs, q.ID)
			}
		}
		assert.Equal(t, []string{early.ID}, overdueIDs)
	})
}
