package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/provider"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/repository"
)

// Handler is the terminal consumer of failed jobs. It logs, alerts and
// persists each record, and never fails: a problem here would otherwise be
// invisible.
type Handler struct {
	store  repository.Store
	alert  provider.AlertSink
	logger *zap.Logger
}

// New returns a Handler. alert may be nil when no webhook is configured.
func New(store repository.Store, alert provider.AlertSink, logger *zap.Logger) *Handler {
	return &Handler{store: store, alert: alert, logger: logger}
}

// Handle implements worker.Handler. The returned error is always nil.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	raw, err := domain.DecodePayload(domain.CategoryDeadLetter, job.Payload)
	if err != nil {
		h.logger.Error("unreadable dead-letter job",
			zap.String("job_id", job.ID),
			zap.ByteString("payload", job.Payload),
			zap.Error(err),
		)
		return domain.Skipped("unreadable"), nil
	}
	p := raw.(domain.DeadLetterPayload)

	h.logger.Error("job dead-lettered",
		zap.String("original_category", string(p.OriginalCategory)),
		zap.String("original_job_id", p.OriginalJobID),
		zap.String("error", p.Error),
		zap.String("error_kind", p.ErrorKind),
		zap.Int("attempts", p.AttemptsMade),
		zap.Time("failed_at", p.FailedAt),
	)

	if h.alert != nil {
		msg := provider.AlertMessage{
			Category:  string(p.OriginalCategory),
			JobID:     p.OriginalJobID,
			Error:     p.Error,
			ErrorKind: p.ErrorKind,
			Attempts:  p.AttemptsMade,
			FailedAt:  p.FailedAt.UTC().Format(time.RFC3339),
		}
		if err := h.alert.Post(ctx, msg); err != nil {
			h.logger.Warn("dead-letter alert failed", zap.String("original_job_id", p.OriginalJobID), zap.Error(err))
		}
	}

	// The job id is unique per failure, so it keeps the insert idempotent
	// across redeliveries of this job.
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID)).String()
	if err := h.store.SaveDeadLetter(ctx, p.Record(id)); err != nil {
		h.logger.Error("failed to persist dead-letter record", zap.String("original_job_id", p.OriginalJobID), zap.Error(err))
	}
	return domain.Success(1), nil
}
