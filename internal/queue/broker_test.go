package queue_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 13, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokerFactory func(t *testing.T, clock *fakeClock) queue.Broker

func memoryFactory(t *testing.T, clock *fakeClock) queue.Broker {
	return queue.NewMemoryBroker(queue.WithClock(clock.Now))
}

func redisFactory(t *testing.T, clock *fakeClock) queue.Broker {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := queue.NewRedisBrokerFromClient(client, "test", 100, zap.NewNop())
	b.SetClock(clock.Now)
	return b
}

func forEachBroker(t *testing.T, fn func(t *testing.T, b queue.Broker, clock *fakeClock)) {
	for name, factory := range map[string]brokerFactory{
		"memory": memoryFactory,
		"redis":  redisFactory,
	} {
		t.Run(name, func(t *testing.T) {
			clock := newClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

var visibility = 30 * time.Second

func TestBroker_EnqueueIsIdempotentUntilCompleted(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, _ *fakeClock) {
		ctx := context.Background()
		opts := queue.EnqueueOptions{MaxAttempts: 5}

		added, err := b.Enqueue(ctx, domain.CategoryMedication, "medication-s1-2024-06-01-30", []byte(`{}`), opts)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = b.Enqueue(ctx, domain.CategoryMedication, "medication-s1-2024-06-01-30", []byte(`{}`), opts)
		require.NoError(t, err)
		assert.False(t, added, "duplicate enqueue must be a no-op")

		job, err := b.Reserve(ctx, domain.CategoryMedication, visibility)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, 5, job.MaxAttempts)

		added, err = b.Enqueue(ctx, domain.CategoryMedication, job.ID, []byte(`{}`), opts)
		require.NoError(t, err)
		assert.False(t, added, "active job must still deduplicate")

		require.NoError(t, b.Complete(ctx, job))

		added, err = b.Enqueue(ctx, domain.CategoryMedication, job.ID, []byte(`{}`), opts)
		require.NoError(t, err)
		assert.True(t, added)
	})
}

func TestBroker_HighPriorityServedFirst(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, _ *fakeClock) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, domain.CategoryRefill, "low", nil, queue.EnqueueOptions{Priority: domain.PriorityLow})
		require.NoError(t, err)
		_, err = b.Enqueue(ctx, domain.CategoryRefill, "normal", nil, queue.EnqueueOptions{})
		require.NoError(t, err)
		_, err = b.Enqueue(ctx, domain.CategoryRefill, "high", nil, queue.EnqueueOptions{Priority: domain.PriorityHigh})
		require.NoError(t, err)

		var order []string
		for i := 0; i < 3; i++ {
			job, err := b.Reserve(ctx, domain.CategoryRefill, visibility)
			require.NoError(t, err)
			require.NotNil(t, job)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{"high", "normal", "low"}, order)

		job, err := b.Reserve(ctx, domain.CategoryRefill, visibility)
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestBroker_DelayedJobBecomesReady(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, clock *fakeClock) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, domain.CategoryShift, "shift-1-15", []byte(`{}`), queue.EnqueueOptions{Delay: 10 * time.Second})
		require.NoError(t, err)

		job, err := b.Reserve(ctx, domain.CategoryShift, visibility)
		require.NoError(t, err)
		assert.Nil(t, job)

		d, err := b.Depth(ctx, domain.CategoryShift)
		require.NoError(t, err)
		assert.Equal(t, queue.Depth{Delayed: 1}, d)

		clock.Advance(10 * time.Second)
		job, err = b.Reserve(ctx, domain.CategoryShift, visibility)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "shift-1-15", job.ID)
	})
}

func TestBroker_RetryIncrementsAttempt(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, clock *fakeClock) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, domain.CategoryDispatch, "d1", []byte(`{"x":1}`), queue.EnqueueOptions{MaxAttempts: 3})
		require.NoError(t, err)

		job, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, b.Retry(ctx, job, 5*time.Second, errors.New("connection reset")))

		job2, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		assert.Nil(t, job2, "retry must wait for its backoff")

		clock.Advance(5 * time.Second)
		job2, err = b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		require.NotNil(t, job2)
		assert.Equal(t, 2, job2.Attempt)
		assert.Equal(t, "connection reset", job2.LastError)
		assert.Equal(t, `{"x":1}`, string(job2.Payload))
	})
}

func TestBroker_StalledJobIsRedelivered(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, clock *fakeClock) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, domain.CategoryAppointment, "appointment-a1-60", []byte(`{}`), queue.EnqueueOptions{MaxAttempts: 3})
		require.NoError(t, err)

		stale, err := b.Reserve(ctx, domain.CategoryAppointment, visibility)
		require.NoError(t, err)
		require.NotNil(t, stale)

		clock.Advance(visibility + time.Second)
		fresh, err := b.Reserve(ctx, domain.CategoryAppointment, visibility)
		require.NoError(t, err)
		require.NotNil(t, fresh)
		assert.Equal(t, stale.ID, fresh.ID)
		assert.Equal(t, 2, fresh.Attempt)

		// The stalled worker lost its lease; its completion must not remove the job.
		require.NoError(t, b.Complete(ctx, stale))
		d, err := b.Depth(ctx, domain.CategoryAppointment)
		require.NoError(t, err)
		assert.EqualValues(t, 1, d.Active)

		require.NoError(t, b.Complete(ctx, fresh))
		d, err = b.Depth(ctx, domain.CategoryAppointment)
		require.NoError(t, err)
		assert.Equal(t, queue.Depth{}, d)
	})
}

func TestBroker_ReleaseRestoresAttemptAndOrder(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, clock *fakeClock) {
		ctx := context.Background()
		for _, id := range []string{"d1", "d2"} {
			_, err := b.Enqueue(ctx, domain.CategoryDispatch, id, nil, queue.EnqueueOptions{MaxAttempts: 1})
			require.NoError(t, err)
		}

		job, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, "d1", job.ID)
		require.Equal(t, 1, job.Attempt)
		require.NoError(t, b.Release(ctx, job))

		again, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, "d1", again.ID, "released job goes back to the front")
		assert.Equal(t, 1, again.Attempt)
		assert.False(t, again.Exhausted())

		other, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		require.NotNil(t, other)
		require.Equal(t, "d2", other.ID)
		require.NoError(t, b.Complete(ctx, other))

		// A worker whose lease expired cannot hand the job back.
		clock.Advance(visibility + time.Second)
		fresh, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		require.NotNil(t, fresh)
		require.Equal(t, "d1", fresh.ID)
		require.Equal(t, 2, fresh.Attempt)
		require.NoError(t, b.Release(ctx, again))

		d, err := b.Depth(ctx, domain.CategoryDispatch)
		require.NoError(t, err)
		assert.Equal(t, queue.Depth{Active: 1}, d)
	})
}

func TestBroker_TouchExtendsVisibility(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, clock *fakeClock) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, domain.CategoryDispatch, "d1", nil, queue.EnqueueOptions{})
		require.NoError(t, err)
		job, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		require.NotNil(t, job)

		clock.Advance(20 * time.Second)
		require.NoError(t, b.Touch(ctx, job, visibility))
		clock.Advance(20 * time.Second)

		again, err := b.Reserve(ctx, domain.CategoryDispatch, visibility)
		require.NoError(t, err)
		assert.Nil(t, again, "heartbeat should keep the job reserved")
	})
}

func TestBroker_MoveToDeadLetter(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, clock *fakeClock) {
		ctx := context.Background()
		_, err := b.Enqueue(ctx, domain.CategoryMedication, "medication-s1-2024-06-01-0", []byte(`{"scheduleId":"s1"}`), queue.EnqueueOptions{MaxAttempts: 1})
		require.NoError(t, err)
		job, err := b.Reserve(ctx, domain.CategoryMedication, visibility)
		require.NoError(t, err)
		require.NotNil(t, job)

		rec := domain.DeadLetterRecord{
			ID:               "rec-1",
			OriginalCategory: job.Category,
			OriginalJobID:    job.ID,
			OriginalPayload:  job.Payload,
			Error:            "get medication: not found",
			ErrorKind:        domain.KindPermanent.String(),
			FailedAt:         clock.Now(),
			AttemptsMade:     job.Attempt,
		}
		require.NoError(t, b.MoveToDeadLetter(ctx, job, rec))

		d, err := b.Depth(ctx, domain.CategoryMedication)
		require.NoError(t, err)
		assert.Equal(t, queue.Depth{}, d)

		archived, err := b.DeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, job.ID, archived[0].OriginalJobID)
		assert.Equal(t, `{"scheduleId":"s1"}`, string(archived[0].OriginalPayload))

		dl, err := b.Reserve(ctx, domain.CategoryDeadLetter, visibility)
		require.NoError(t, err)
		require.NotNil(t, dl)
		assert.Equal(t, domain.DeadLetterJobID(job.ID, rec.FailedAt), dl.ID)

		p, err := domain.DecodePayload(domain.CategoryDeadLetter, dl.Payload)
		require.NoError(t, err)
		dlp := p.(domain.DeadLetterPayload)
		assert.Equal(t, 1, dlp.AttemptsMade)
		assert.Equal(t, domain.CategoryMedication, dlp.OriginalCategory)
	})
}

func TestBroker_RejectsUnknownCategory(t *testing.T) {
	forEachBroker(t, func(t *testing.T, b queue.Broker, _ *fakeClock) {
		_, err := b.Enqueue(context.Background(), domain.Category("billing"), "x", nil, queue.EnqueueOptions{})
		assert.Equal(t, domain.KindValidation, domain.Classify(err))
	})
}

// TestMemoryBroker_ConcurrentEnqueueReserve verifies there are no races
// when multiple goroutines enqueue and reserve simultaneously.
func TestMemoryBroker_ConcurrentEnqueueReserve(t *testing.T) {
	b := queue.NewMemoryBroker()
	ctx := context.Background()

	const producers = 5
	const jobsPerProducer = 100
	const total = producers * jobsPerProducer

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for j := 0; j < jobsPerProducer; j++ {
				id := time.Duration(p*jobsPerProducer + j).String()
				_, _ = b.Enqueue(ctx, domain.CategoryDispatch, id, nil, queue.EnqueueOptions{})
			}
		}(i)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	deadline := time.Now().Add(5 * time.Second)
	var consumers sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for time.Now().Before(deadline) {
				job, err := b.Reserve(ctx, domain.CategoryDispatch, time.Minute)
				if err != nil || job == nil {
					mu.Lock()
					done := len(seen) == total
					mu.Unlock()
					if done {
						return
					}
					time.Sleep(time.Millisecond)
					continue
				}
				mu.Lock()
				seen[job.ID] = true
				mu.Unlock()
				_ = b.Complete(ctx, job)
			}
		}()
	}
	wg.Wait()
	consumers.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct jobs, got %d", total, len(seen))
	}
}

func TestMemoryBroker_DeadLetterArchiveIsCapped(t *testing.T) {
	clock := newClock()
	b := queue.NewMemoryBroker(queue.WithClock(clock.Now), queue.WithDeadLetterCap(2))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := b.Enqueue(ctx, domain.CategoryShift, id, []byte(`{}`), queue.EnqueueOptions{})
		require.NoError(t, err)
		job, err := b.Reserve(ctx, domain.CategoryShift, visibility)
		require.NoError(t, err)
		require.NoError(t, b.MoveToDeadLetter(ctx, job, domain.DeadLetterRecord{
			OriginalCategory: domain.CategoryShift,
			OriginalJobID:    id,
			FailedAt:         clock.Now(),
		}))
	}

	recs, err := b.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].OriginalJobID)
	assert.Equal(t, "b", recs[1].OriginalJobID)
}

func TestRedisBroker_KeysShareHashSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := queue.NewRedisBrokerFromClient(client, "reminders", 10, zap.NewNop())
	ctx := context.Background()

	_, err := b.Enqueue(ctx, domain.CategoryShift, "shift-1", []byte(`{}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, domain.CategoryShift, "shift-2", []byte(`{}`), queue.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)
	job, err := b.Reserve(ctx, domain.CategoryShift, visibility)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, b.MoveToDeadLetter(ctx, job, domain.DeadLetterRecord{
		ID: "r1", OriginalCategory: domain.CategoryShift, OriginalJobID: job.ID,
		Error: "decode shift: invalid payload", ErrorKind: "validation",
		FailedAt: time.Now().UTC(), AttemptsMade: 1,
	}))

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "{reminders}:"), k)
	}

	// A prefix that already carries a hash tag is kept as is.
	tagged := queue.NewRedisBrokerFromClient(client, "{care}:q", 10, zap.NewNop())
	_, err = tagged.Enqueue(ctx, domain.CategoryShift, "shift-3", []byte(`{}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	assert.True(t, mr.Exists("{care}:q:job:shift-3"))
}
