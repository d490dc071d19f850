package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// MemoryBroker is an in-process Broker for development and tests. Ready jobs
// sit in one FIFO per priority tier; Reserve always drains high before
// normal and normal before low.
//
// Nothing survives a restart.
type MemoryBroker struct {
	mu     sync.Mutex
	now    func() time.Time
	closed bool

	jobs   map[string]*Job
	queues map[domain.Category]*memQueue

	dlq    []domain.DeadLetterRecord
	dlqCap int
}

type memQueue struct {
	ready   map[domain.Priority][]string
	delayed map[string]time.Time
	active  map[string]time.Time
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// WithDeadLetterCap bounds the dead-letter archive. Oldest records are dropped first.
func WithDeadLetterCap(n int) MemoryOption {
	return func(b *MemoryBroker) { b.dlqCap = n }
}

func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		now:    time.Now,
		jobs:   make(map[string]*Job),
		queues: make(map[domain.Category]*memQueue),
		dlqCap: 10000,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) queue(cat domain.Category) *memQueue {
	q, ok := b.queues[cat]
	if !ok {
		q = &memQueue{
			ready:   make(map[domain.Priority][]string),
			delayed: make(map[string]time.Time),
			active:  make(map[string]time.Time),
		}
		b.queues[cat] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(_ context.Context, cat domain.Category, jobID string, payload []byte, opts EnqueueOptions) (bool, error) {
	if !cat.IsValid() {
		return false, domain.Invalid("enqueue", fmt.Errorf("%w: %q", domain.ErrUnknownCategory, cat))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, domain.ErrBrokerClosed
	}
	if _, exists := b.jobs[jobID]; exists {
		return false, nil
	}
	b.insert(cat, jobID, payload, opts)
	return true, nil
}

func (b *MemoryBroker) insert(cat domain.Category, jobID string, payload []byte, opts EnqueueOptions) {
	prio := opts.Priority
	if !prio.IsValid() {
		prio = domain.PriorityNormal
	}
	now := b.now()
	b.jobs[jobID] = &Job{
		ID:          jobID,
		Category:    cat,
		Payload:     append([]byte(nil), payload...),
		Priority:    prio,
		MaxAttempts: opts.MaxAttempts,
		CreatedAt:   now,
	}
	q := b.queue(cat)
	if opts.Delay > 0 {
		q.delayed[jobID] = now.Add(opts.Delay)
		return
	}
	q.ready[prio] = append(q.ready[prio], jobID)
}

func (b *MemoryBroker) Reserve(_ context.Context, cat domain.Category, visibility time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.ErrBrokerClosed
	}
	now := b.now()
	q := b.queue(cat)
	b.promote(q, q.delayed, now)
	b.promote(q, q.active, now)

	for _, prio := range domain.Priorities() {
		for len(q.ready[prio]) > 0 {
			id := q.ready[prio][0]
			q.ready[prio] = q.ready[prio][1:]
			job, ok := b.jobs[id]
			if !ok {
				continue
			}
			job.Attempt++
			q.active[id] = now.Add(visibility)
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

// promote moves every id in set whose deadline has passed back to its ready
// tier, oldest deadline first.
func (b *MemoryBroker) promote(q *memQueue, set map[string]time.Time, now time.Time) {
	var due []string
	for id, at := range set {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return set[due[i]].Before(set[due[j]]) })
	for _, id := range due {
		delete(set, id)
		job, ok := b.jobs[id]
		if !ok {
			continue
		}
		q.ready[job.Priority] = append(q.ready[job.Priority], id)
	}
}

// owns reports whether job still holds the lease it was reserved with.
func (b *MemoryBroker) owns(job *Job) (*Job, bool) {
	cur, ok := b.jobs[job.ID]
	if !ok || cur.Attempt != job.Attempt {
		return nil, false
	}
	_, active := b.queue(cur.Category).active[job.ID]
	return cur, active
}

func (b *MemoryBroker) Touch(_ context.Context, job *Job, visibility time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.owns(job); ok {
		b.queue(cur.Category).active[job.ID] = b.now().Add(visibility)
	}
	return nil
}

func (b *MemoryBroker) Complete(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.owns(job); ok {
		delete(b.queue(cur.Category).active, job.ID)
		delete(b.jobs, job.ID)
	}
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job *Job, delay time.Duration, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.owns(job)
	if !ok {
		return nil
	}
	q := b.queue(cur.Category)
	delete(q.active, job.ID)
	if cause != nil {
		cur.LastError = cause.Error()
	}
	if delay > 0 {
		q.delayed[job.ID] = b.now().Add(delay)
		return nil
	}
	q.ready[cur.Priority] = append(q.ready[cur.Priority], job.ID)
	return nil
}

func (b *MemoryBroker) Release(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.owns(job)
	if !ok {
		return nil
	}
	q := b.queue(cur.Category)
	delete(q.active, job.ID)
	if cur.Attempt > 0 {
		cur.Attempt--
	}
	q.ready[cur.Priority] = append([]string{job.ID}, q.ready[cur.Priority]...)
	return nil
}

func (b *MemoryBroker) MoveToDeadLetter(_ context.Context, job *Job, rec domain.DeadLetterRecord) error {
	payload, err := deadLetterPayload(rec)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrBrokerClosed
	}
	cur, ok := b.owns(job)
	if !ok {
		return nil
	}
	delete(b.queue(cur.Category).active, job.ID)
	delete(b.jobs, job.ID)

	b.dlq = append(b.dlq, rec)
	if b.dlqCap > 0 && len(b.dlq) > b.dlqCap {
		b.dlq = b.dlq[len(b.dlq)-b.dlqCap:]
	}

	dlID := domain.DeadLetterJobID(rec.OriginalJobID, rec.FailedAt)
	if _, exists := b.jobs[dlID]; !exists {
		b.insert(domain.CategoryDeadLetter, dlID, payload, EnqueueOptions{MaxAttempts: DeadLetterMaxAttempts})
	}
	return nil
}

// DeadLetters returns archived records, newest first.
func (b *MemoryBroker) DeadLetters(_ context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.dlq)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.DeadLetterRecord, 0, n)
	for i := len(b.dlq) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.dlq[i])
	}
	return out, nil
}

func (b *MemoryBroker) Depth(_ context.Context, cat domain.Category) (Depth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(cat)
	var d Depth
	for _, ids := range q.ready {
		d.Ready += int64(len(ids))
	}
	d.Delayed = int64(len(q.delayed))
	d.Active = int64(len(q.active))
	return d, nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrBrokerClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
