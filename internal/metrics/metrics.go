package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counts applied RFQ/quote state transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_engine_transitions_total",
			Help: "Applied RFQ and quote state transitions.",
		},
		[]string{"entity", "to"}, // entity = rfq | quote
	)

	// Counts engine operations that returned a domain error.
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_engine_operation_errors_total",
			Help: "Matching engine operations rejected, by operation and error code.",
		},
		[]string{"operation", "code"},
	)

	SchedulerPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quote_engine_scheduler_pending",
			Help: "Expiry timers currently waiting in the scheduler heap.",
		},
	)

	ExpiryFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_engine_expiry_fired_total",
			Help: "Expiry callbacks invoked by the scheduler.",
		},
		[]string{"result"}, // ok | error | exhausted
	)

	// Quotes still submitted after their deadline, as seen by the reconciler.
	StuckQuotes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quote_engine_stuck_quotes",
			Help: "Submitted quotes whose expires_at has already passed.",
		},
	)

	NotificationJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_engine_notification_jobs_total",
			Help: "Finished notification jobs by channel and outcome.",
		},
		[]string{"channel", "outcome", "reason"},
	)

	NotificationFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_engine_notification_failovers_total",
			Help: "Failover jobs created after a critical send failed.",
		},
		[]string{"from", "to"},
	)

	NotificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quote_engine_notification_send_seconds",
			Help:    "Channel send latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms → ~10s
		},
		[]string{"channel"},
	)

	DispatcherQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quote_engine_dispatcher_queue_depth",
			Help: "Notification jobs waiting for a worker.",
		},
	)

	// Tracks NATS messages processed by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	// Tracks cache hits and misses for quote snapshots and secrets.
	CacheAccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_engine_cache_access_total",
			Help: "Number of cache hits/misses.",
		},
		[]string{"cache", "result"}, // hit | miss
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quote_engine_websocket_clients",
			Help: "Connected dashboard websocket clients.",
		},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_engine_errors_total",
			Help: "Count of infrastructure errors by component.",
		},
		[]string{"component", "reason"},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
	}
}

func IncTransition(entity, to string) {
	TransitionsTotal.WithLabelValues(entity, to).Inc()
}

func IncOperationError(operation, code string) {
	OperationErrors.WithLabelValues(operation, code).Inc()
}

func IncExpiry(result string) {
	ExpiryFired.WithLabelValues(result).Inc()
}

func IncNotificationJob(channel, outcome, reason string) {
	NotificationJobs.WithLabelValues(channel, outcome, reason).Inc()
}

func IncFailover(from, to string) {
	NotificationFailovers.WithLabelValues(from, to).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncCache(cache, result string) {
	CacheAccess.WithLabelValues(cache, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}
