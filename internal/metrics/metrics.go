package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// Metrics groups all Prometheus instruments used across the engine.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	JobsProcessed        *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	JobRetries           *prometheus.CounterVec
	DeadLetters          *prometheus.CounterVec
	NotificationsCreated *prometheus.CounterVec
	Deliveries           *prometheus.CounterVec
	SchedulerEnqueued    *prometheus.CounterVec
	SchedulerScanErrors  *prometheus.CounterVec
	SchedulerTicks       prometheus.Counter
	QueueDepth           *prometheus.GaugeVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_jobs_processed_total",
			Help: "Jobs finished by a worker pool, by category and outcome.",
		}, []string{"category", "outcome"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reminder_job_duration_seconds",
			Help:    "Handler execution time per job attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"category"}),

		JobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_job_retries_total",
			Help: "Transient failures re-queued with backoff.",
		}, []string{"category"}),

		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_dead_letters_total",
			Help: "Jobs moved to the dead-letter queue, by error kind.",
		}, []string{"category", "kind"}),

		NotificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_notifications_created_total",
			Help: "Notification records created.",
		}, []string{"type"}),

		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_deliveries_total",
			Help: "Channel send attempts by result (sent, gone, failed, skipped).",
		}, []string{"channel", "result"}),

		SchedulerEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_scheduler_enqueued_total",
			Help: "Reminder jobs newly enqueued by the scheduler.",
		}, []string{"category"}),

		SchedulerScanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_scheduler_scan_errors_total",
			Help: "Failed scans of one entity kind during a tick.",
		}, []string{"category"}),

		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminder_scheduler_ticks_total",
			Help: "Scheduler ticks run.",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reminder_queue_depth",
			Help: "Jobs per category and state (ready, delayed, active).",
		}, []string{"category", "state"}),
	}

	reg.MustRegister(
		m.JobsProcessed,
		m.JobDuration,
		m.JobRetries,
		m.DeadLetters,
		m.NotificationsCreated,
		m.Deliveries,
		m.SchedulerEnqueued,
		m.SchedulerScanErrors,
		m.SchedulerTicks,
		m.QueueDepth,
	)

	return m
}

// WorkerHooks returns the metric callback functions expected by worker.MetricHooks.
// Centralises the prometheus observation calls so the worker package stays import-free.
func (m *Metrics) WorkerHooks() (
	onDone func(domain.Category, string, time.Duration),
	onRetry func(domain.Category),
	onDeadLetter func(domain.Category, domain.Kind),
) {
	onDone = func(cat domain.Category, outcome string, d time.Duration) {
		m.JobsProcessed.WithLabelValues(string(cat), outcome).Inc()
		m.JobDuration.WithLabelValues(string(cat)).Observe(d.Seconds())
	}
	onRetry = func(cat domain.Category) {
		m.JobRetries.WithLabelValues(string(cat)).Inc()
	}
	onDeadLetter = func(cat domain.Category, k domain.Kind) {
		m.DeadLetters.WithLabelValues(string(cat), k.String()).Inc()
	}
	return
}

// SchedulerHooks returns the callbacks used by the scheduler.
func (m *Metrics) SchedulerHooks() (
	onTick func(),
	onEnqueued func(domain.Category),
	onScanError func(domain.Category),
) {
	onTick = m.SchedulerTicks.Inc
	onEnqueued = func(cat domain.Category) {
		m.SchedulerEnqueued.WithLabelValues(string(cat)).Inc()
	}
	onScanError = func(cat domain.Category) {
		m.SchedulerScanErrors.WithLabelValues(string(cat)).Inc()
	}
	return
}

// NotificationCreated counts one new notification row.
func (m *Metrics) NotificationCreated(t domain.NotificationType) {
	m.NotificationsCreated.WithLabelValues(string(t)).Inc()
}

// Delivery counts one send attempt on a channel.
func (m *Metrics) Delivery(ch domain.ChannelKind, result string) {
	m.Deliveries.WithLabelValues(string(ch), result).Inc()
}

// RecordDepth publishes one category's queue snapshot.
func (m *Metrics) RecordDepth(cat domain.Category, d queue.Depth) {
	m.QueueDepth.WithLabelValues(string(cat), "ready").Set(float64(d.Ready))
	m.QueueDepth.WithLabelValues(string(cat), "delayed").Set(float64(d.Delayed))
	m.QueueDepth.WithLabelValues(string(cat), "active").Set(float64(d.Active))
}

// PollDepth refreshes the queue depth gauges every interval until ctx is
// cancelled. Broker errors are logged and the previous values kept.
func (m *Metrics) PollDepth(ctx context.Context, b queue.Broker, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, cat := range domain.AllCategories() {
			d, err := b.Depth(ctx, cat)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("queue depth poll failed", zap.String("category", string(cat)), zap.Error(err))
				}
				continue
			}
			m.RecordDepth(cat, d)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
