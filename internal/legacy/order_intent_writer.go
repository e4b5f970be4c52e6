package legacy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// Execer is the subset of pgxpool.Pool the writer needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertOrderIntent = `
	INSERT INTO order_intents (
		id,
		rfq_id,
		quote_id,
		buyer_id,
		vendor_id,
		items,
		terms,
		total,
		accepted_at,
		source
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id)
	DO UPDATE SET
		items = EXCLUDED.items,
		terms = EXCLUDED.terms,
		total = EXCLUDED.total,
		source = EXCLUDED.source,
		synced_at = NOW();
`

// OrderIntentWriter records accepted quotes in the order_intents table read
// by the back-office order tooling.
type OrderIntentWriter struct {
	db     Execer
	logger *zap.Logger
	source string
}

// NewOrderIntentWriter constructs a writer. source identifies the service
// writing the record.
func NewOrderIntentWriter(db Execer, logger *zap.Logger, source string) *OrderIntentWriter {
	return &OrderIntentWriter{
		db:     db,
		logger: logger,
		source: source,
	}
}

// HandleOrderIntent upserts intent. Replays of the same intent are no-ops
// apart from refreshing synced_at.
func (w *OrderIntentWriter) HandleOrderIntent(ctx context.Context, intent model.OrderIntent) error {
	items, err := json.Marshal(intent.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	terms, err := json.Marshal(intent.Terms)
	if err != nil {
		return fmt.Errorf("marshal terms: %w", err)
	}

	_, err = w.db.Exec(ctx, upsertOrderIntent,
		intent.ID,
		intent.RFQID,
		intent.QuoteID,
		intent.BuyerID,
		intent.VendorID,
		items,
		terms,
		intent.Total.StringFixed(2),
		intent.AcceptedAt,
		w.source,
	)
	if err != nil {
		w.logger.Error("legacy.order_intent_sync_failed",
			zap.String("order_id", intent.ID),
			zap.String("quote_id", intent.QuoteID),
			zap.Error(err),
		)
		return err
	}

	w.logger.Info("legacy.order_intent_upsert",
		zap.String("order_id", intent.ID),
		zap.String("rfq_id", intent.RFQID),
		zap.String("vendor_id", intent.VendorID),
		zap.Time("accepted_at", intent.AcceptedAt),
	)
	return nil
}
