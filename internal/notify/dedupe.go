package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// Deduper claims a delivery key before a send so a redelivered event does not
// notify the same recipient twice on the same channel. A failed send releases
// its claim so the next redelivery can try again.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// DeliveryKey identifies one event delivered to one recipient on one channel.
func DeliveryKey(eventID, recipientID string, ch model.Channel) string {
	return eventID + "|" + recipientID + "|" + string(ch)
}

type MemoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock clock.Clock
}

func NewMemoryDeduper(ttl time.Duration, clk clock.Clock) *MemoryDeduper {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, clock: clk}
}

func (m *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)
	if len(m.seen) > 4096 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryDeduper) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.seen, key)
	m.mu.Unlock()
	return nil
}

// RedisDeduper shares claims across replicas with SET NX + TTL.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(k string) string { return "quote-engine:delivery:" + k }

func (r *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
}

func (r *RedisDeduper) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
