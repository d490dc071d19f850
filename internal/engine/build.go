package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/config"
	"github.com/notifyhub/reminder-engine/internal/deadletter"
	"github.com/notifyhub/reminder-engine/internal/dispatch"
	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/metrics"
	"github.com/notifyhub/reminder-engine/internal/provider"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/ratelimiter"
	"github.com/notifyhub/reminder-engine/internal/reminder"
	"github.com/notifyhub/reminder-engine/internal/repository"
	"github.com/notifyhub/reminder-engine/internal/worker"
)

// Deps are the external collaborators the engine runs against.
type Deps struct {
	Store   repository.Store
	Broker  queue.Broker
	Sinks   dispatch.Sinks
	Alert   provider.AlertSink
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Build wires the scheduler, the category handlers and all six pools from
// configuration.
func Build(cfg *config.Config, deps Deps) *Engine {
	logger := deps.Logger
	m := deps.Metrics

	onTick, onEnqueued, onScanError := m.SchedulerHooks()
	scheduler := worker.NewScheduler(deps.Store, deps.Broker, worker.SchedulerConfig{
		Interval:              cfg.Scheduler.Interval,
		MedicationOffsets:     cfg.Scheduler.MedicationOffsets,
		AppointmentOffsets:    cfg.Scheduler.AppointmentOffsets,
		ShiftOffsets:          cfg.Scheduler.ShiftOffsets,
		RefillCheckTime:       cfg.Scheduler.RefillCheckTime,
		RefillUrgentThreshold: cfg.Scheduler.RefillUrgentThreshold,
		DefaultTimeZone:       cfg.Scheduler.DefaultTimeZone,
		MaxAttempts:           cfg.MaxAttempts(),
	}, logger.Named("scheduler"), worker.SchedulerHooks{
		OnTick:      onTick,
		OnEnqueued:  onEnqueued,
		OnScanError: onScanError,
	})

	notifier := reminder.NewNotifier(deps.Store, deps.Broker, reminder.Config{
		DefaultTimeZone:       cfg.Scheduler.DefaultTimeZone,
		RefillUrgentThreshold: cfg.Scheduler.RefillUrgentThreshold,
		DispatchMaxAttempts:   cfg.Policy(domain.CategoryDispatch).MaxAttempts,
	}, logger.Named("reminder"), m.NotificationCreated)

	handlers := map[domain.Category]worker.Handler{
		domain.CategoryMedication:  reminder.NewMedicationHandler(notifier),
		domain.CategoryAppointment: reminder.NewAppointmentHandler(notifier),
		domain.CategoryShift:       reminder.NewShiftHandler(notifier),
		domain.CategoryRefill:      reminder.NewRefillHandler(notifier),
		domain.CategoryDispatch: dispatch.New(deps.Store, deps.Sinks, ratelimiter.New(cfg.Channels.RateLimit),
			logger.Named("dispatch"), m.Delivery),
		domain.CategoryDeadLetter: deadletter.New(deps.Store, deps.Alert, logger.Named("dead-letter")),
	}

	onDone, onRetry, onDeadLetter := m.WorkerHooks()
	hooks := worker.MetricHooks{OnDone: onDone, OnRetry: onRetry, OnDeadLetter: onDeadLetter}

	e := New(deps.Store, deps.Broker, scheduler, logger)
	for _, cat := range domain.AllCategories() {
		e.Register(worker.PoolConfig{
			Category:     cat,
			Concurrency:  cfg.Concurrency(cat),
			Visibility:   cfg.Queue.VisibilityTimeout,
			PollInterval: pollInterval(cfg, cat),
			Policy:       cfg.Policy(cat),
		}, handlers[cat], hooks)
	}
	return e
}

// The dead-letter pool is idle almost always; polling it slowly keeps the
// broker traffic down.
func pollInterval(cfg *config.Config, cat domain.Category) time.Duration {
	if cat == domain.CategoryDeadLetter {
		return 4 * cfg.Queue.PollInterval
	}
	return cfg.Queue.PollInterval
}
