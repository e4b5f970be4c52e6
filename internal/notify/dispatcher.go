// Package notify delivers domain-event notifications to buyers and vendors.
// Publish fans a notification out into one task per recipient on a
// priority-ordered queue. A worker resolves the recipient's channels and
// applies the rate limit once, sends one job per channel concurrently with a
// bounded per-attempt timeout, then fails over for critical events.
package notify

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/internal/metrics"
	"github.com/tradefresh/quote-engine/internal/rate"
	"github.com/tradefresh/quote-engine/pkg/clock"
	"github.com/tradefresh/quote-engine/pkg/model"
	"github.com/tradefresh/quote-engine/pkg/utils"
)

// Skip and failure reasons recorded on jobs beyond the model's own.
const (
	ReasonNoChannel = "no_channel"
	ReasonTimeout   = "timeout"
	ReasonQueueFull = "queue_full"
)

type Config struct {
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
}

type Option func(*Dispatcher)

// WithDeduper claims (event, recipient, channel) keys before each send.
func WithDeduper(d Deduper) Option { return func(x *Dispatcher) { x.dedupe = d } }

// WithRecorder observes every job once it reaches a terminal outcome.
func WithRecorder(fn func(model.NotificationJob)) Option {
	return func(x *Dispatcher) { x.record = fn }
}

// WithLimiter overrides the rate limiter. A nil limiter disables limiting.
func WithLimiter(l rate.Allower) Option { return func(x *Dispatcher) { x.limiter = l } }

type Dispatcher struct {
	senders  Registry
	renderer *renderer
	prefs    PreferenceStore
	limiter  rate.Allower
	dedupe   Deduper
	record   func(model.NotificationJob)
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskQueue
	seq     uint64
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func New(
	senders Registry,
	templates TemplateStore,
	prefs PreferenceStore,
	limiter rate.Allower,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Dispatcher {
	cfg.defaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefs == nil {
		prefs = NewMemoryPreferences(DefaultPreferences)
	}
	d := &Dispatcher{
		senders:  senders,
		renderer: newRenderer(templates),
		prefs:    prefs,
		limiter:  limiter,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish enqueues n for asynchronous delivery and returns without waiting
// on any sender. A notification type without a template is reported to the
// caller as model.ErrConfiguration.
func (d *Dispatcher) Publish(ctx context.Context, n model.Notification) error {
	if err := d.renderer.check(ctx, n.Type); err != nil {
		return err
	}
	if len(n.Recipients) == 0 {
		return nil
	}

	note := n
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatcher stopped: %w", model.ErrDeliveryFailed)
	}
	for _, r := range n.Recipients {
		if len(d.queue) >= d.cfg.QueueSize && n.Priority < model.PriorityCritical {
			metrics.IncNotificationJob("", string(model.OutcomeSkipped), ReasonQueueFull)
			d.logger.Warn("notify.queue_full",
				zap.String("event_id", n.Event.ID.String()),
				zap.String("recipient_id", r.ID),
				zap.String("priority", n.Priority.String()))
			continue
		}
		d.seq++
		heap.Push(&d.queue, &task{note: &note, recipient: r, seq: d.seq})
	}
	metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))
	d.cond.Broadcast()
	return nil
}

// Deliver runs the full pipeline for n on the caller's goroutine and returns
// the outcome of every job it produced.
func (d *Dispatcher) Deliver(ctx context.Context, n model.Notification) (model.DeliveryReport, error) {
	report := model.DeliveryReport{EventID: n.Event.ID.String()}
	if err := d.renderer.check(ctx, n.Type); err != nil {
		return report, err
	}
	for _, r := range n.Recipients {
		report.Jobs = append(report.Jobs, d.deliverTo(ctx, &n, r)...)
	}
	report.Status = model.Summarise(report.Jobs)
	return report, nil
}

// Start launches the worker pool. Jobs published before Start wait on the
// queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Info("notify.dispatcher_started", zap.Int("workers", d.cfg.Workers))
}

// Stop refuses new work, lets workers drain the queue and waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("notify.dispatcher_stopped")
}

// Pending is the number of recipient tasks waiting on the queue.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		t := heap.Pop(&d.queue).(*task)
		metrics.DispatcherQueueDepth.Set(float64(len(d.queue)))
		d.mu.Unlock()

		jobs := d.deliverTo(ctx, t.note, t.recipient)
		d.logger.Debug("notify.task_done",
			zap.Int("worker", id),
			zap.String("event_id", t.note.Event.ID.String()),
			zap.String("recipient_id", t.recipient.ID),
			zap.String("status", string(model.Summarise(jobs))))
	}
}

// deliverTo sends n to one recipient on every eligible channel. For critical
// notifications with no successful send it fails over through the remaining
// channels, one superseding job at a time, until one succeeds.
func (d *Dispatcher) deliverTo(ctx context.Context, n *model.Notification, r model.Recipient) []model.NotificationJob {
	prefs, err := d.prefs.Preferences(ctx, r)
	if err != nil {
		d.logger.Warn("notify.preferences_failed", zap.String("recipient_id", r.ID), zap.Error(err))
		prefs = DefaultPreferences
	}

	channels := d.eligible(prefs)
	critical := n.Priority == model.PriorityCritical
	if len(channels) == 0 && critical {
		if ch, ok := d.nextChannel(prefs, "", nil); ok {
			channels = []model.Channel{ch}
		}
	}
	if len(channels) == 0 {
		job := d.newJob(n, r, "", 1, "")
		return []model.NotificationJob{d.finish(job, model.OutcomeSkipped, ReasonNoChannel)}
	}

	if !critical && !d.allow(ctx, n, r) {
		jobs := make([]model.NotificationJob, 0, len(channels))
		for _, ch := range channels {
			jobs = append(jobs, d.finish(d.newJob(n, r, ch, 1, ""), model.OutcomeSkipped, model.SkipRateLimited))
		}
		return jobs
	}

	tried := make(map[model.Channel]bool, len(channels))
	jobs := d.attemptAll(ctx, n, r, prefs, channels)
	lastFailed := -1
	delivered := false
	for i, job := range jobs {
		tried[job.Channel] = true
		switch job.Outcome {
		case model.OutcomeSucceeded:
			delivered = true
		case model.OutcomeFailed:
			lastFailed = i
		}
	}
	if !critical || delivered || lastFailed < 0 {
		return jobs
	}

	prev := jobs[lastFailed]
	for {
		next, ok := d.nextChannel(prefs, prev.Channel, tried)
		if !ok {
			d.logger.Error("notify.failover_exhausted",
				zap.String("event_id", n.Event.ID.String()),
				zap.String("recipient_id", r.ID),
				zap.Int("jobs", len(jobs)))
			return jobs
		}
		tried[next] = true
		metrics.IncFailover(string(prev.Channel), string(next))
		d.logger.Warn("notify.failover",
			zap.String("event_id", n.Event.ID.String()),
			zap.String("recipient_id", r.ID),
			zap.String("from", string(prev.Channel)),
			zap.String("to", string(next)),
			zap.String("reason", prev.Reason))

		job := d.attempt(ctx, n, r, prefs, next, prev.Attempt+1, prev.ID)
		jobs = append(jobs, job)
		if job.Outcome == model.OutcomeSucceeded {
			return jobs
		}
		prev = job
	}
}

// attemptAll sends the first job on every chosen channel at once, so a hung
// channel only costs its own attempt timeout. Jobs come back in channel order.
func (d *Dispatcher) attemptAll(ctx context.Context, n *model.Notification, r model.Recipient, p Preferences, channels []model.Channel) []model.NotificationJob {
	jobs := make([]model.NotificationJob, len(channels))
	if len(channels) == 1 {
		jobs[0] = d.attempt(ctx, n, r, p, channels[0], 1, "")
		return jobs
	}
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch model.Channel) {
			defer wg.Done()
			jobs[i] = d.attempt(ctx, n, r, p, ch, 1, "")
		}(i, ch)
	}
	wg.Wait()
	return jobs
}

// eligible is the recipient's enabled channels that have a sender and a
// usable contact point.
func (d *Dispatcher) eligible(p Preferences) []model.Channel {
	seen := make(map[model.Channel]bool)
	var out []model.Channel
	for _, ch := range p.Channels {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		if _, ok := d.senders[ch]; !ok {
			continue
		}
		if _, ok := p.Address(ch); ok {
			out = append(out, ch)
		}
	}
	return out
}

// nextChannel walks model.FailoverOrder from the channel after from,
// wrapping once, and returns the first reachable channel not yet tried.
// Failover ignores opt-in preferences but still needs a contact point.
func (d *Dispatcher) nextChannel(p Preferences, from model.Channel, tried map[model.Channel]bool) (model.Channel, bool) {
	start := 0
	for i, ch := range model.FailoverOrder {
		if ch == from {
			start = i + 1
			break
		}
	}
	n := len(model.FailoverOrder)
	for i := 0; i < n; i++ {
		ch := model.FailoverOrder[(start+i)%n]
		if tried[ch] {
			continue
		}
		if _, ok := d.senders[ch]; !ok {
			continue
		}
		if _, ok := p.Address(ch); ok {
			return ch, true
		}
	}
	return "", false
}

// allow checks the per-(recipient, type) limit. A limiter backend error
// fails open so an outage cannot silence notifications.
func (d *Dispatcher) allow(ctx context.Context, n *model.Notification, r model.Recipient) bool {
	if d.limiter == nil {
		return true
	}
	ok, err := d.limiter.Allow(ctx, rate.Key(r.ID, string(n.Type)))
	if err != nil {
		metrics.IncError("notify", "rate_limiter")
		d.logger.Warn("notify.rate_limiter_failed", zap.String("recipient_id", r.ID), zap.Error(err))
		return true
	}
	return ok
}

func (d *Dispatcher) newJob(n *model.Notification, r model.Recipient, ch model.Channel, attempt int, supersedes string) model.NotificationJob {
	return model.NotificationJob{
		ID:         uuid.NewString(),
		EventID:    n.Event.ID.String(),
		Recipient:  r,
		Type:       n.Type,
		Channel:    ch,
		Priority:   n.Priority,
		Attempt:    attempt,
		Supersedes: supersedes,
		Outcome:    model.OutcomePending,
		EnqueuedAt: d.clock.Now(),
	}
}

// attempt renders and sends one job and returns it in its terminal state.
func (d *Dispatcher) attempt(ctx context.Context, n *model.Notification, r model.Recipient, p Preferences, ch model.Channel, attempt int, supersedes string) model.NotificationJob {
	job := d.newJob(n, r, ch, attempt, supersedes)

	sender, ok := d.senders[ch]
	if !ok {
		return d.finish(job, model.OutcomeFailed, model.ErrorCode(model.ErrConfiguration))
	}
	msg, err := d.renderer.render(ctx, n.Type, ch, n.DataFor(r.ID))
	if err != nil {
		d.logger.Error("notify.render_failed",
			zap.String("job_id", job.ID),
			zap.String("channel", string(ch)),
			zap.Error(err))
		return d.finish(job, model.OutcomeFailed, failureReason(err))
	}
	job.Message = msg

	key := DeliveryKey(job.EventID, r.ID, ch)
	if d.dedupe != nil {
		claimed, err := d.dedupe.Claim(ctx, key)
		if err != nil {
			d.logger.Warn("notify.dedupe_failed", zap.String("key", key), zap.Error(err))
		} else if !claimed {
			return d.finish(job, model.OutcomeSkipped, model.SkipDuplicate)
		}
	}

	address, _ := p.Address(ch)
	err = d.send(ctx, sender, Message{
		JobID:     job.ID,
		Event:     n.Event,
		Type:      n.Type,
		Recipient: r,
		Address:   address,
		Priority:  n.Priority,
		Content:   msg,
	})
	if err != nil {
		if d.dedupe != nil {
			if rerr := d.dedupe.Release(context.WithoutCancel(ctx), key); rerr != nil {
				d.logger.Warn("notify.dedupe_release_failed", zap.String("key", key), zap.Error(rerr))
			}
		}
		d.logger.Warn("notify.send_failed",
			zap.String("job_id", job.ID),
			zap.String("channel", string(ch)),
			zap.String("recipient_id", r.ID),
			zap.String("address", utils.MaskContact(address)),
			zap.Error(err))
		return d.finish(job, model.OutcomeFailed, failureReason(err))
	}
	return d.finish(job, model.OutcomeSucceeded, "")
}

// send bounds one attempt by AttemptTimeout even when the sender ignores its
// context.
func (d *Dispatcher) send(ctx context.Context, s Sender, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- s.Send(ctx, msg) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	metrics.ObserveDuration(metrics.NotificationSendDuration, start, string(s.Channel()))
	return err
}

func (d *Dispatcher) finish(job model.NotificationJob, outcome model.JobOutcome, reason string) model.NotificationJob {
	job = job.Finish(outcome, reason, d.clock.Now())
	metrics.IncNotificationJob(string(job.Channel), string(outcome), reason)
	if outcome != model.OutcomeSucceeded {
		d.logger.Info("notify.job_"+string(outcome),
			zap.String("job_id", job.ID),
			zap.String("event_id", job.EventID),
			zap.String("recipient_id", job.Recipient.ID),
			zap.String("channel", string(job.Channel)),
			zap.String("reason", reason))
	} else {
		d.logger.Debug("notify.job_succeeded",
			zap.String("job_id", job.ID),
			zap.String("channel", string(job.Channel)))
	}
	if d.record != nil {
		d.record(job)
	}
	return job
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, model.ErrConfiguration):
		return model.ErrorCode(model.ErrConfiguration)
	default:
		return model.ErrorCode(model.ErrDeliveryFailed)
	}
}

type task struct {
	note      *model.Notification
	recipient model.Recipient
	seq       uint64
	index     int
}

// taskQueue orders by priority, highest first, then by publish order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].note.Priority != q[j].note.Priority {
		return q[i].note.Priority > q[j].note.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
