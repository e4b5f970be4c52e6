package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/model"
)

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func intent() model.OrderIntent {
	return model.OrderIntent{
		ID:       "ord-1",
		RFQID:    "rfq-1",
		QuoteID:  "q-1",
		BuyerID:  "b1",
		VendorID: "v1",
		Items: []model.QuoteLineItem{{
			Product:   "tomatoes",
			Quantity:  decimal.NewFromInt(20),
			Unit:      "kg",
			UnitPrice: decimal.RequireFromString("4.00"),
			LineTotal: decimal.RequireFromString("80.00"),
		}},
		Terms:      model.DeliveryTerms{Fee: decimal.RequireFromString("8")},
		Total:      decimal.RequireFromString("88"),
		AcceptedAt: time.Date(2025, 3, 1, 9, 12, 0, 0, time.UTC),
	}
}

func TestOrderIntentWriter_Upsert(t *testing.T) {
	db := &fakeExecer{}
	w := NewOrderIntentWriter(db, zap.NewNop(), "quote-engine")

	require.NoError(t, w.HandleOrderIntent(context.Background(), intent()))

	assert.True(t, strings.Contains(db.sql, "INSERT INTO order_intents"))
	assert.True(t, strings.Contains(db.sql, "ON CONFLICT (id)"))
	require.Len(t, db.args, 10)
	assert.Equal(t, "ord-1", db.args[0])
	assert.Equal(t, "88.00", db.args[7])
	assert.Equal(t, "quote-engine", db.args[9])

	var items []model.QuoteLineItem
	require.NoError(t, json.Unmarshal(db.args[5].([]byte), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "tomatoes", items[0].Product)
}

func TestOrderIntentWriter_ExecError(t *testing.T) {
	db := &fakeExecer{err: errors.New("relation \"order_intents\" does not exist")}
	w := NewOrderIntentWriter(db, zap.NewNop(), "quote-engine")

	err := w.HandleOrderIntent(context.Background(), intent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order_intents")
}
