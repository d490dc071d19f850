package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

const tracerName = "github.com/notifyhub/reminder-engine/internal/worker"

// finalizeTimeout bounds the broker call that settles a job after its
// handler returned, even when the pool is being torn down.
const finalizeTimeout = 5 * time.Second

// Handler processes one job. A nil error completes the job; the Outcome
// says whether work was done or legitimately skipped.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) (domain.Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	return f(ctx, job)
}

// Worker is a single goroutine that reserves jobs of one category, runs the
// handler with a heartbeat, and settles each job according to the retry
// state machine:
//
//	pending -> active -> completed
//	                  -> retry-wait -> pending   (transient, attempts left)
//	                  -> dead-lettered            (validation, permanent, or exhausted)
type Worker struct {
	id      int
	cfg     PoolConfig
	broker  queue.Broker
	handler Handler
	logger  *zap.Logger
	hooks   MetricHooks
	tracer  trace.Tracer
	now     func() time.Time
}

func newWorker(id int, cfg PoolConfig, broker queue.Broker, handler Handler, logger *zap.Logger, hooks MetricHooks) *Worker {
	return &Worker{
		id:      id,
		cfg:     cfg,
		broker:  broker,
		handler: handler,
		logger:  logger,
		hooks:   hooks,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

// Run blocks until loopCtx is cancelled, processing one job per iteration.
// Handlers run under jobCtx so an in-flight job outlives the stop signal.
func (w *Worker) Run(loopCtx, jobCtx context.Context) {
	w.logger.Debug("worker started", zap.Int("id", w.id))
	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-loopCtx.Done():
			w.logger.Debug("worker stopping", zap.Int("id", w.id))
			return
		case <-idle.C:
		}
		if loopCtx.Err() != nil {
			return
		}

		job, err := w.broker.Reserve(loopCtx, w.cfg.Category, w.cfg.Visibility)
		if err != nil {
			if loopCtx.Err() == nil {
				w.logger.Warn("reserve failed", zap.Error(err))
			}
			idle.Reset(w.cfg.PollInterval)
			continue
		}
		if job == nil {
			idle.Reset(w.cfg.PollInterval)
			continue
		}

		w.process(jobCtx, job)
		idle.Reset(0)
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	start := w.now()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = w.cfg.Policy.MaxAttempts
	}
	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
	)

	ctx, span := w.tracer.Start(ctx, "job "+string(job.Category), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.category", string(job.Category)),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	// Redelivered by stall recovery more often than allowed.
	if job.Exhausted() {
		err := fmt.Errorf("attempts exhausted: delivered %d times, max %d", job.Attempt, job.MaxAttempts)
		span.SetStatus(codes.Error, err.Error())
		w.deadLetter(ctx, log, job, err, domain.KindTransient)
		return
	}

	outcome, err := w.runWithHeartbeat(ctx, job)
	elapsed := w.now().Sub(start)

	if err == nil {
		if cerr := w.settle(ctx, func(fctx context.Context) error { return w.broker.Complete(fctx, job) }); cerr != nil {
			log.Error("failed to complete job", zap.Error(cerr))
		}
		label := string(outcome.Status)
		if label == "" {
			label = string(domain.OutcomeSuccess)
		}
		span.SetAttributes(attribute.String("job.outcome", label))
		w.hooks.OnDone(job.Category, label, elapsed)
		if outcome.IsSkipped() {
			log.Debug("job skipped", zap.String("reason", outcome.Reason))
		} else {
			log.Debug("job completed", zap.Int("count", outcome.Count), zap.Duration("latency", elapsed))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Shutdown interrupted the handler: hand the job back without spending
	// an attempt.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		log.Info("job interrupted by shutdown, releasing")
		if rerr := w.settle(ctx, func(fctx context.Context) error { return w.broker.Release(fctx, job) }); rerr != nil {
			log.Error("failed to requeue interrupted job", zap.Error(rerr))
		}
		return
	}

	w.handleFailure(ctx, log, job, err, elapsed)
}

// handleFailure either schedules a retry (transient, attempts left) or
// dead-letters the job.
func (w *Worker) handleFailure(ctx context.Context, log *zap.Logger, job *queue.Job, jobErr error, elapsed time.Duration) {
	kind := domain.Classify(jobErr)
	policy := w.cfg.Policy
	policy.MaxAttempts = job.MaxAttempts
	if !kind.Retryable() || !policy.ShouldRetry(job.Attempt) {
		w.deadLetter(ctx, log, job, jobErr, kind)
		return
	}

	delay := policy.Delay(job.Attempt)
	log.Warn("job failed, retrying",
		zap.Error(jobErr),
		zap.Duration("backoff", delay),
	)
	if err := w.settle(ctx, func(fctx context.Context) error { return w.broker.Retry(fctx, job, delay, jobErr) }); err != nil {
		log.Error("failed to schedule retry", zap.Error(err))
	}
	w.hooks.OnRetry(job.Category)
	w.hooks.OnDone(job.Category, "retried", elapsed)
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, job *queue.Job, jobErr error, kind domain.Kind) {
	// A dead-letter job that cannot be handled is dropped, never looped.
	if job.Category == domain.CategoryDeadLetter {
		log.Error("dropping unprocessable dead-letter job", zap.Error(jobErr))
		if err := w.settle(ctx, func(fctx context.Context) error { return w.broker.Complete(fctx, job) }); err != nil {
			log.Error("failed to drop dead-letter job", zap.Error(err))
		}
		return
	}

	rec := domain.DeadLetterRecord{
		ID:               uuid.NewString(),
		OriginalCategory: job.Category,
		OriginalJobID:    job.ID,
		OriginalPayload:  job.Payload,
		Error:            jobErr.Error(),
		ErrorKind:        kind.String(),
		FailedAt:         w.now().UTC(),
		AttemptsMade:     job.Attempt,
	}
	log.Warn("job dead-lettered",
		zap.Error(jobErr),
		zap.String("kind", kind.String()),
	)
	if err := w.settle(ctx, func(fctx context.Context) error { return w.broker.MoveToDeadLetter(fctx, job, rec) }); err != nil {
		log.Error("failed to move job to dead-letter queue", zap.Error(err))
		return
	}
	w.hooks.OnDeadLetter(job.Category, kind)
	w.hooks.OnDone(job.Category, "dead_lettered", 0)
}

// settle runs a broker call that must happen even if ctx was cancelled.
func (w *Worker) settle(ctx context.Context, fn func(context.Context) error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return fn(fctx)
}

// runWithHeartbeat extends the job's visibility every half timeout while the
// handler runs, so long jobs are not mistaken for stalled ones.
func (w *Worker) runWithHeartbeat(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	interval := w.cfg.Visibility / 2
	if interval <= 0 {
		return w.safeHandle(ctx, job)
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.broker.Touch(ctx, job, w.cfg.Visibility); err != nil {
					w.logger.Warn("heartbeat failed", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()

	outcome, err := w.safeHandle(ctx, job)
	close(done)
	<-stopped
	return outcome, err
}

// safeHandle turns a handler panic into a transient failure.
func (w *Worker) safeHandle(ctx context.Context, job *queue.Job) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Transient("handle "+string(job.Category), fmt.Errorf("panic: %v", r))
		}
	}()
	return w.handler.Handle(ctx, job)
}
