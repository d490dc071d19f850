package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the pool constructor signature clean. Nil fields are no-ops.
type MetricHooks struct {
	OnDone       func(cat domain.Category, outcome string, latency time.Duration)
	OnRetry      func(cat domain.Category)
	OnDeadLetter func(cat domain.Category, kind domain.Kind)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnDone == nil {
		h.OnDone = func(domain.Category, string, time.Duration) {}
	}
	if h.OnRetry == nil {
		h.OnRetry = func(domain.Category) {}
	}
	if h.OnDeadLetter == nil {
		h.OnDeadLetter = func(domain.Category, domain.Kind) {}
	}
	return h
}

// PoolConfig describes how one category is consumed.
type PoolConfig struct {
	Category    domain.Category
	Concurrency int
	// Visibility is how long a reserved job stays invisible to other
	// workers without a heartbeat before it is redelivered.
	Visibility   time.Duration
	PollInterval time.Duration
	Policy       queue.BackoffPolicy
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Policy.MaxAttempts < 1 {
		c.Policy = queue.DefaultBackoff
	}
	return c
}

// Pool manages the workers draining one category. Each worker holds at most
// one job at a time, so Concurrency bounds in-flight jobs.
type Pool struct {
	cfg     PoolConfig
	workers []*Worker
	logger  *zap.Logger

	mu         sync.Mutex
	running    bool
	done       chan struct{}
	stopLoop   context.CancelFunc
	cancelJobs context.CancelFunc
}

// NewPool creates Concurrency identical workers for cfg.Category.
func NewPool(cfg PoolConfig, broker queue.Broker, handler Handler, logger *zap.Logger, hooks MetricHooks) *Pool {
	cfg = cfg.withDefaults()
	hooks = hooks.withDefaults()
	logger = logger.With(zap.String("category", string(cfg.Category)))

	workers := make([]*Worker, cfg.Concurrency)
	for i := range workers {
		workers[i] = newWorker(i, cfg, broker, handler, logger.With(zap.Int("worker_id", i)), hooks)
	}
	return &Pool{cfg: cfg, workers: workers, logger: logger}
}

// Consume creates a pool and starts it. The returned pool is the handle used
// to stop consumption.
func Consume(ctx context.Context, cfg PoolConfig, broker queue.Broker, handler Handler, logger *zap.Logger, hooks MetricHooks) *Pool {
	p := NewPool(cfg, broker, handler, logger, hooks)
	p.Start(ctx)
	return p
}

func (p *Pool) Category() domain.Category { return p.cfg.Category }

// Start launches all workers as goroutines. Cancelling ctx stops the pool
// the same way Stop does, but without waiting. Calling Start on a running
// pool does nothing.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	p.stopLoop, p.cancelJobs, p.done = stopLoop, cancelJobs, done
	p.running = true

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(loopCtx, jobCtx)
		}(w)
	}

	// Workers also exit when the parent ctx ends; the pool is no longer
	// running once they have all returned.
	go func() {
		wg.Wait()
		p.mu.Lock()
		if p.done == done {
			p.running = false
		}
		p.mu.Unlock()
		close(done)
	}()

	// Parent cancellation also ends in-flight jobs.
	go func() {
		select {
		case <-ctx.Done():
			cancelJobs()
		case <-jobCtx.Done():
		}
	}()

	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("max_attempts", p.cfg.Policy.MaxAttempts),
	)
}

// Stop stops pulling new jobs and waits for in-flight jobs to finish. When
// ctx expires first, running handlers are cancelled and Stop returns
// ctx.Err() once they have returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.done == nil {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopLoop, cancelJobs, done := p.stopLoop, p.cancelJobs, p.done
	p.done = nil
	p.mu.Unlock()

	stopLoop()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("shutdown deadline reached, cancelling in-flight jobs")
		cancelJobs()
		<-done
	}
	cancelJobs()
	p.logger.Info("worker pool stopped")
	return err
}

// IsRunning reports whether the pool has been started and not stopped.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
