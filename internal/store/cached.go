package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// CachedStore puts a short-lived Redis snapshot in front of RFQ and quote
// reads. Writes go to the backing store first and then drop the affected
// keys; the backing store's compare-and-set stays the only arbiter of
// status, so a stale snapshot can at worst make a transition fail with
// model.ErrConflict.
type CachedStore struct {
	Store
	redis  redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewCached(backing Store, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Store: backing, redis: rdb, ttl: ttl, logger: logger}
}

func rfqKey(id string) string   { return "quote-engine:rfq:" + id }
func quoteKey(id string) string { return "quote-engine:quote:" + id }

func (s *CachedStore) GetRFQ(ctx context.Context, id string) (*model.RFQ, error) {
	var r model.RFQ
	if s.getJSON(ctx, "rfq", rfqKey(id), &r) {
		return &r, nil
	}
	rfq, err := s.Store.GetRFQ(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, rfqKey(id), rfq)
	return rfq, nil
}

func (s *CachedStore) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	var q model.Quote
	if s.getJSON(ctx, "quote", quoteKey(id), &q) {
		return &q, nil
	}
	quote, err := s.Store.GetQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, quoteKey(id), quote)
	return quote, nil
}

func (s *CachedStore) CreateQuote(ctx context.Context, q *model.Quote) error {
	if err := s.Store.CreateQuote(ctx, q); err != nil {
		return err
	}
	s.invalidate(ctx, quoteKey(q.ID))
	return nil
}

func (s *CachedStore) TransitionQuote(ctx context.Context, t QuoteTransition) error {
	err := s.Store.TransitionQuote(ctx, t)
	s.invalidate(ctx, quoteKey(t.QuoteID))
	return err
}

func (s *CachedStore) CloseRFQ(ctx context.Context, c Closure) ([]string, error) {
	rejected, err := s.Store.CloseRFQ(ctx, c)
	keys := []string{rfqKey(c.RFQID)}
	if c.AcceptedQuoteID != "" {
		keys = append(keys, quoteKey(c.AcceptedQuoteID))
	}
	for _, id := range rejected {
		keys = append(keys, quoteKey(id))
	}
	s.invalidate(ctx, keys...)
	return rejected, err
}

func (s *CachedStore) HealthCheck(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return s.Store.HealthCheck(ctx)
}

func (s *CachedStore) getJSON(ctx context.Context, cache, key string, dest any) bool {
	data, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCache(cache, "miss")
		return false
	}
	if err != nil {
		s.logger.Warn("store.cache.get_failed", zap.String("key", key), zap.Error(err))
		metrics.IncCache(cache, "error")
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn("store.cache.decode_failed", zap.String("key", key), zap.Error(err))
		return false
	}
	metrics.IncCache(cache, "hit")
	return true
}

func (s *CachedStore) setJSON(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("store.cache.set_failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("store.cache.invalidate_failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
