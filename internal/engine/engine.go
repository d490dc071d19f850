package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/repository"
	"github.com/notifyhub/reminder-engine/internal/worker"
)

// Engine owns the scheduler and one worker pool per category.
type Engine struct {
	store     repository.Store
	broker    queue.Broker
	scheduler *worker.Scheduler
	pools     []*worker.Pool
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
}

func New(store repository.Store, broker queue.Broker, scheduler *worker.Scheduler, logger *zap.Logger) *Engine {
	return &Engine{store: store, broker: broker, scheduler: scheduler, logger: logger}
}

// Register adds a pool for cfg.Category. It must be called before Start.
func (e *Engine) Register(cfg worker.PoolConfig, h worker.Handler, hooks worker.MetricHooks) {
	e.pools = append(e.pools, worker.NewPool(cfg, e.broker, h, e.logger, hooks))
}

// Start launches every pool and then the scheduler, so the first tick's
// jobs already have consumers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	for _, p := range e.pools {
		p.Start(ctx)
	}
	if e.scheduler != nil {
		e.scheduler.Start(ctx)
	}
	e.logger.Info("engine started", zap.Int("pools", len(e.pools)))
}

// Shutdown stops the scheduler first so no new work is produced, then
// drains all pools in parallel until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	if e.scheduler != nil {
		e.scheduler.Stop()
	}

	var wg sync.WaitGroup
	errs := make([]error, len(e.pools))
	for i, p := range e.pools {
		wg.Add(1)
		go func(i int, p *worker.Pool) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("stop %s pool: %w", p.Category(), err)
			}
		}(i, p)
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Warn("engine stopped with in-flight jobs cancelled", zap.Error(err))
	} else {
		e.logger.Info("engine stopped")
	}
	return err
}

// Ready is nil when both the queue broker and the domain store respond.
func (e *Engine) Ready(ctx context.Context) error {
	var errs []error
	if err := e.broker.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue broker: %w", err))
	}
	if err := e.store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("domain store: %w", err))
	}
	return errors.Join(errs...)
}

// Status reports IsRunning for the scheduler and every pool.
func (e *Engine) Status() map[string]bool {
	out := make(map[string]bool, len(e.pools)+1)
	if e.scheduler != nil {
		out["scheduler"] = e.scheduler.IsRunning()
	}
	for _, p := range e.pools {
		out[string(p.Category())] = p.IsRunning()
	}
	return out
}

// Categories lists the registered pools in start order.
func (e *Engine) Categories() []domain.Category {
	out := make([]domain.Category, len(e.pools))
	for i, p := range e.pools {
		out[i] = p.Category()
	}
	return out
}
