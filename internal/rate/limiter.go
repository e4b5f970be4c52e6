package rate

import (
	"context"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/tradefresh/quote-engine/pkg/clock"
)

// Config defines token bucket parameters. RequestsPerSecond may be
// fractional, e.g. 0.1 for six notifications a minute.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Allower is the check the dispatcher runs before each send. Implementations
// must be safe for concurrent use by every dispatcher worker.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Key scopes a limit to one recipient and notification type.
func Key(recipientID, notificationType string) string {
	return recipientID + "|" + notificationType
}

// Limiter is a token bucket driven by the injected clock so refill can be
// tested without sleeping.
type Limiter struct {
	lim   *xrate.Limiter
	clock clock.Clock
}

// New creates a new limiter.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		lim:   xrate.NewLimiter(xrate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		clock: clk,
	}
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	return l.lim.AllowN(l.clock.Now(), 1)
}

// full reports whether the bucket has refilled to its burst, at which point
// it behaves exactly like a fresh one.
func (l *Limiter) full(now time.Time) bool {
	return l.lim.TokensAt(now) >= float64(l.lim.Burst())
}

// Wait blocks until a token becomes available or context is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Manager holds per-key limiters. Buckets that have refilled completely are
// dropped by the cleaner, so the map tracks active keys rather than every
// recipient ever seen.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
	clock    clock.Clock
}

func NewManager(defaults Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
		clock:    clk,
	}
}

func (m *Manager) GetLimiter(key string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	lim := New(m.defaults, m.clock)
	m.limiters[key] = lim
	return lim
}

// Allow implements Allower with in-process buckets.
func (m *Manager) Allow(_ context.Context, key string) (bool, error) {
	return m.GetLimiter(key).Allow(), nil
}

// Wait ensures rate limit compliance for a given key.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}

// RunCleaner drops refilled buckets every interval until ctx is done.
func (m *Manager) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, lim := range m.limiters {
		if lim.full(now) {
			delete(m.limiters, key)
			removed++
		}
	}
	return removed
}

// Len reports how many keys currently hold a bucket.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.limiters)
}
