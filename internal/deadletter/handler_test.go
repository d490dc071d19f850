package deadletter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/deadletter"
	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/provider"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/repository"
)

type fakeAlert struct {
	posted []provider.AlertMessage
	err    error
}

func (f *fakeAlert) Post(_ context.Context, msg provider.AlertMessage) error {
	f.posted = append(f.posted, msg)
	return f.err
}

var failedAt = time.Date(2024, 6, 1, 13, 31, 0, 0, time.UTC)

// deadLetterJob moves a failed job through a real broker so the payload is
// exactly what the dead-letter pool receives.
func deadLetterJob(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	b := queue.NewMemoryBroker()
	_, err := b.Enqueue(ctx, domain.CategoryMedication, "medication-s1-2024-06-01-30", []byte(`{"scheduleId":"s1"}`), queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := b.Reserve(ctx, domain.CategoryMedication, time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.MoveToDeadLetter(ctx, job, domain.DeadLetterRecord{
		ID:               "r1",
		OriginalCategory: domain.CategoryMedication,
		OriginalJobID:    job.ID,
		OriginalPayload:  job.Payload,
		Error:            "decode medication: invalid payload",
		ErrorKind:        domain.KindValidation.String(),
		FailedAt:         failedAt,
		AttemptsMade:     job.Attempt,
	}))
	dl, err := b.Reserve(ctx, domain.CategoryDeadLetter, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, dl)
	return dl
}

func TestHandle_AlertsAndPersists(t *testing.T) {
	store := repository.NewMockStore()
	alert := &fakeAlert{}
	h := deadletter.New(store, alert, zap.NewNop())
	job := deadLetterJob(t)

	out, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, out.IsSkipped())

	require.Len(t, alert.posted, 1)
	assert.Equal(t, provider.AlertMessage{
		Category:  "medication",
		JobID:     "medication-s1-2024-06-01-30",
		Error:     "decode medication: invalid payload",
		ErrorKind: "validation",
		Attempts:  1,
		FailedAt:  "2024-06-01T13:31:00Z",
	}, alert.posted[0])

	saved := store.SavedDeadLetters()
	require.Len(t, saved, 1)
	assert.Equal(t, "medication-s1-2024-06-01-30", saved[0].OriginalJobID)
	assert.JSONEq(t, `{"scheduleId":"s1"}`, string(saved[0].OriginalPayload))
	assert.True(t, saved[0].FailedAt.Equal(failedAt))

	// Redelivery maps to the same record id.
	_, err = h.Handle(context.Background(), job)
	require.NoError(t, err)
	saved = store.SavedDeadLetters()
	require.Len(t, saved, 2)
	assert.Equal(t, saved[0].ID, saved[1].ID)
}

func TestHandle_NeverFails(t *testing.T) {
	store := repository.NewMockStore()
	store.SaveDeadLetterErr = errors.New("connection refused")
	alert := &fakeAlert{err: errors.New("webhook returned 500")}
	h := deadletter.New(store, alert, zap.NewNop())

	_, err := h.Handle(context.Background(), deadLetterJob(t))
	require.NoError(t, err)
	assert.Len(t, alert.posted, 1)

	// No alert sink configured and an unreadable payload.
	h = deadletter.New(store, nil, zap.NewNop())
	out, err := h.Handle(context.Background(), &queue.Job{ID: "dead-letter-x", Category: domain.CategoryDeadLetter, Payload: []byte(`nope`)})
	require.NoError(t, err)
	assert.True(t, out.IsSkipped())
}
