package queue

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// Job is the unit of work held by a Broker. Attempt counts deliveries and is
// incremented each time the job is reserved; it doubles as the lease token
// for Complete, Retry and MoveToDeadLetter.
type Job struct {
	ID          string
	Category    domain.Category
	Payload     []byte
	Priority    domain.Priority
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time
	LastError   string
}

// Exhausted reports whether the job has been delivered more times than allowed.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempt > j.MaxAttempts
}

type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	Priority    domain.Priority
}

// Depth is a snapshot of one category's queue.
type Depth struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
}

// Broker is the durable job queue the engine runs on.
//
// Enqueue is a no-op returning false while a job with the same id is ready,
// delayed or active. Reserve never blocks: it returns nil when nothing is due.
// Release hands an interrupted job back to the front of its ready tier and
// undoes the attempt Reserve added, so a shutdown does not spend retry budget.
type Broker interface {
	Enqueue(ctx context.Context, cat domain.Category, jobID string, payload []byte, opts EnqueueOptions) (bool, error)
	Reserve(ctx context.Context, cat domain.Category, visibility time.Duration) (*Job, error)
	Touch(ctx context.Context, job *Job, visibility time.Duration) error
	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error
	Release(ctx context.Context, job *Job) error
	MoveToDeadLetter(ctx context.Context, job *Job, rec domain.DeadLetterRecord) error
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error)
	Depth(ctx context.Context, cat domain.Category) (Depth, error)
	Ping(ctx context.Context) error
	Close() error
}

// DeadLetterMaxAttempts bounds redelivery of dead-letter jobs themselves.
const DeadLetterMaxAttempts = 3

// BackoffPolicy is the explicit retry contract of a category.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff is used for any category without its own policy.
var DefaultBackoff = BackoffPolicy{
	BaseDelay:   5 * time.Second,
	Multiplier:  2,
	MaxDelay:    10 * time.Minute,
	MaxAttempts: 5,
}

// Delay returns how long to wait before the next delivery after the given
// (1-based) attempt failed: BaseDelay * Multiplier^(attempt-1), capped.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a transient failure on attempt may be retried.
func (p BackoffPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// deadLetterPayload builds the dead-letter job body. A payload that is not
// valid JSON is carried as a JSON string so the record is never lost.
func deadLetterPayload(rec domain.DeadLetterRecord) ([]byte, error) {
	orig := json.RawMessage(rec.OriginalPayload)
	if !json.Valid(orig) {
		quoted, err := json.Marshal(string(rec.OriginalPayload))
		if err != nil {
			return nil, err
		}
		orig = quoted
	}
	return domain.EncodePayload(domain.DeadLetterPayload{
		OriginalCategory: rec.OriginalCategory,
		OriginalJobID:    rec.OriginalJobID,
		OriginalPayload:  orig,
		Error:            rec.Error,
		ErrorKind:        rec.ErrorKind,
		FailedAt:         rec.FailedAt,
		AttemptsMade:     rec.AttemptsMade,
	})
}
