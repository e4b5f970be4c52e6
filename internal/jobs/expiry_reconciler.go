package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
)

// OverdueSource lists submitted quotes whose acceptance window has passed.
type OverdueSource interface {
	ListOverdueQuotes(ctx context.Context, now time.Time, limit int) ([]*model.Quote, error)
}

// Expirer expires one quote. It must be idempotent.
type Expirer interface {
	ExpireQuote(ctx context.Context, quoteID string) error
}

// ExpiryReconciler periodically expires quotes the scheduler missed, for
// example after exhausting its retries, and exports how many it found.
type ExpiryReconciler struct {
	logger   *zap.Logger
	source   OverdueSource
	expirer  Expirer
	clock    clock.Clock
	interval time.Duration
	batch    int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewExpiryReconciler constructs a background job that runs every interval
// and handles at most batch quotes per run.
func NewExpiryReconciler(logger *zap.Logger, source OverdueSource, expirer Expirer, clk clock.Clock, interval time.Duration, batch int) *ExpiryReconciler {
	if batch <= 0 {
		batch = 500
	}
	return &ExpiryReconciler{
		logger:   logger,
		source:   source,
		expirer:  expirer,
		clock:    clk,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop or ctx ends.
func (r *ExpiryReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("expiry_reconciler.started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("expiry_reconciler.stopped", zap.String("reason", "manual stop"))
			return
		case <-ctx.Done():
			r.logger.Info("expiry_reconciler.stopped", zap.String("reason", "context canceled"))
			return
		}
	}
}

func (r *ExpiryReconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RunOnce executes one reconcile cycle and returns how many quotes it
// expired.
func (r *ExpiryReconciler) RunOnce(ctx context.Context) int {
	start := time.Now()
	overdue, err := r.source.ListOverdueQuotes(ctx, r.clock.Now(), r.batch)
	if err != nil {
		metrics.IncError("expiry_reconciler", "list_failed")
		r.logger.Error("expiry_reconciler.list_failed", zap.Error(err))
		return 0
	}
	metrics.StuckQuotes.Set(float64(len(overdue)))
	if len(overdue) == 0 {
		return 0
	}

	r.logger.Warn("expiry_reconciler.overdue_found", zap.Int("count", len(overdue)))

	expired := 0
	for _, q := range overdue {
		err := r.expirer.ExpireQuote(ctx, q.ID)
		switch {
		case err == nil:
			expired++
			metrics.IncExpiry("reconciled")
		case errors.Is(err, model.ErrNotFound):
		default:
			metrics.IncExpiry("reconcile_failed")
			r.logger.Error("expiry_reconciler.expire_failed",
				zap.String("quote_id", q.ID),
				zap.Time("expires_at", q.ExpiresAt),
				zap.Error(err))
		}
	}

	metrics.StuckQuotes.Set(float64(len(overdue) - expired))
	r.logger.Info("expiry_reconciler.success",
		zap.Int("expired", expired),
		zap.Duration("duration", time.Since(start)))
	return expired
}
