package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/model"
)

const uniqueViolation = "23505"

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// PostgresStore persists RFQs and quotes. Status changes are conditional
// UPDATEs on the prior status, and the partial unique indexes on quotes
// back the one-active-quote-per-vendor and one-accepted-per-RFQ rules.
type PostgresStore struct {
	PG     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pool to pgURL.
func NewPostgres(ctx context.Context, pgURL string, poolCfg PGPoolConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}
	if poolCfg.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = poolCfg.HealthCheckPeriod
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{PG: pool, logger: logger}, nil
}

func (s *PostgresStore) CreateRFQ(ctx context.Context, rfq *model.RFQ) error {
	items, err := json.Marshal(rfq.Items)
	if err != nil {
		return err
	}
	delivery, err := json.Marshal(rfq.Delivery)
	if err != nil {
		return err
	}

	_, err = s.PG.Exec(ctx, `
		INSERT INTO rfqs (id, buyer_id, items, delivery, notes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rfq.ID, rfq.BuyerID, items, delivery, rfq.Notes, string(rfq.Status), rfq.CreatedAt)
	if err != nil {
		s.logger.Error("store.pg.insert_rfq_failed", zap.String("rfq_id", rfq.ID), zap.Error(err))
		return fmt.Errorf("insert rfq: %w", err)
	}
	return nil
}

const rfqColumns = `id, buyer_id, items, delivery, notes, status, created_at, closed_at, close_reason, accepted_quote_id`

func (s *PostgresStore) GetRFQ(ctx context.Context, id string) (*model.RFQ, error) {
	row := s.PG.QueryRow(ctx, `SELECT `+rfqColumns+` FROM rfqs WHERE id = $1`, id)
	r, err := scanRFQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rfq %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetRFQ scan failed: %w", err)
	}
	return r, nil
}

// CreateQuote inserts a submitted quote while holding the parent RFQ row
// lock, so a concurrent close on another replica either lands first and the
// insert fails with model.ErrClosed, or waits for this insert and then
// rejects the new quote with the rest of the siblings.
func (s *PostgresStore) CreateQuote(ctx context.Context, q *model.Quote) (err error) {
	items, err := json.Marshal(q.Items)
	if err != nil {
		return err
	}
	terms, err := json.Marshal(q.Terms)
	if err != nil {
		return err
	}

	tx, err := s.PG.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM rfqs WHERE id = $1 FOR UPDATE`, q.RFQID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("rfq %s: %w", q.RFQID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock rfq: %w", err)
	}
	if model.RFQStatus(status) != model.RFQStatusOpen {
		return fmt.Errorf("rfq %s is %s: %w", q.RFQID, status, model.ErrClosed)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO quotes (id, rfq_id, vendor_id, buyer_id, items, terms, total, status, submitted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)
	`, q.ID, q.RFQID, q.VendorID, q.BuyerID, items, terms, q.Total.StringFixed(2),
		string(q.Status), q.SubmittedAt, q.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "quotes_active_vendor_uidx" {
			return fmt.Errorf("vendor %s on rfq %s: %w", q.VendorID, q.RFQID, model.ErrDuplicateVendor)
		}
		s.logger.Error("store.pg.insert_quote_failed", zap.String("quote_id", q.ID), zap.Error(err))
		return fmt.Errorf("insert quote: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const quoteColumns = `id, rfq_id, vendor_id, buyer_id, items, terms, total::text, status, status_reason, submitted_at, expires_at, resolved_at`

func (s *PostgresStore) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	row := s.PG.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("quote %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetQuote scan failed: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) ListQuotes(ctx context.Context, rfqID string) ([]*model.Quote, error) {
	return s.queryQuotes(ctx, `
		SELECT `+quoteColumns+` FROM quotes
		WHERE rfq_id = $1
		ORDER BY submitted_at, id
	`, rfqID)
}

func (s *PostgresStore) TransitionQuote(ctx context.Context, t QuoteTransition) error {
	tag, err := s.PG.Exec(ctx, `
		UPDATE quotes SET status = $3, status_reason = $4, resolved_at = $5
		WHERE id = $1 AND status = $2
	`, t.QuoteID, string(t.From), string(t.To), t.Reason, t.At)
	if err != nil {
		return fmt.Errorf("transition quote: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetQuote(ctx, t.QuoteID); err != nil {
		return err
	}
	return fmt.Errorf("quote %s not %s: %w", t.QuoteID, t.From, model.ErrConflict)
}

func (s *PostgresStore) CloseRFQ(ctx context.Context, c Closure) (rejected []string, err error) {
	tx, err := s.PG.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE rfqs SET status = 'closed', closed_at = $2, close_reason = $3, accepted_quote_id = $4
		WHERE id = $1 AND status = 'open'
	`, c.RFQID, c.At, c.Reason, c.AcceptedQuoteID)
	if err != nil {
		return nil, fmt.Errorf("close rfq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("rfq %s not open: %w", c.RFQID, model.ErrConflict)
	}

	if c.AcceptedQuoteID != "" {
		tag, err = tx.Exec(ctx, `
			UPDATE quotes SET status = 'accepted', status_reason = $3, resolved_at = $4
			WHERE id = $1 AND rfq_id = $2 AND status = 'submitted'
		`, c.AcceptedQuoteID, c.RFQID, model.ReasonAcceptedByBuyer, c.At)
		if err != nil {
			return nil, fmt.Errorf("accept quote: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("quote %s not submitted: %w", c.AcceptedQuoteID, model.ErrConflict)
		}
	}

	rows, err := tx.Query(ctx, `
		UPDATE quotes SET status = 'rejected', status_reason = $2, resolved_at = $3
		WHERE rfq_id = $1 AND status = 'submitted'
		RETURNING id
	`, c.RFQID, c.SiblingReason, c.At)
	if err != nil {
		return nil, fmt.Errorf("reject siblings: %w", err)
	}
	rejected, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reject siblings: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rejected, nil
}

func (s *PostgresStore) ListSubmittedQuotes(ctx context.Context) ([]*model.Quote, error) {
	return s.queryQuotes(ctx, `
		SELECT `+quoteColumns+` FROM quotes
		WHERE status = 'submitted'
		ORDER BY expires_at, id
	`)
}

func (s *PostgresStore) ListOverdueQuotes(ctx context.Context, now time.Time, limit int) ([]*model.Quote, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryQuotes(ctx, `
		SELECT `+quoteColumns+` FROM quotes
		WHERE status = 'submitted' AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`, now, limit)
}

func (s *PostgresStore) queryQuotes(ctx context.Context, sql string, args ...any) ([]*model.Quote, error) {
	rows, err := s.PG.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.PG.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.PG.Close()
	return nil
}

func scanRFQ(row pgx.Row) (*model.RFQ, error) {
	var (
		r        model.RFQ
		items    []byte
		delivery []byte
		status   string
	)
	if err := row.Scan(&r.ID, &r.BuyerID, &items, &delivery, &r.Notes, &status,
		&r.CreatedAt, &r.ClosedAt, &r.CloseReason, &r.AcceptedQuoteID); err != nil {
		return nil, err
	}
	r.Status = model.RFQStatus(status)
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("decode rfq items: %w", err)
	}
	if err := json.Unmarshal(delivery, &r.Delivery); err != nil {
		return nil, fmt.Errorf("decode rfq delivery: %w", err)
	}
	return &r, nil
}

func scanQuote(row pgx.Row) (*model.Quote, error) {
	var (
		q      model.Quote
		items  []byte
		terms  []byte
		total  string
		status string
	)
	if err := row.Scan(&q.ID, &q.RFQID, &q.VendorID, &q.BuyerID, &items, &terms, &total,
		&status, &q.StatusReason, &q.SubmittedAt, &q.ExpiresAt, &q.ResolvedAt); err != nil {
		return nil, err
	}
	q.Status = model.QuoteStatus(status)
	var err error
	if q.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("decode quote total: %w", err)
	}
	if err := json.Unmarshal(items, &q.Items); err != nil {
		return nil, fmt.Errorf("decode quote items: %w", err)
	}
	if err := json.Unmarshal(terms, &q.Terms); err != nil {
		return nil, fmt.Errorf("decode quote terms: %w", err)
	}
	return &q, nil
}
