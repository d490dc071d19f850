package reminder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// MedicationHandler sends dose reminders to every active family member.
type MedicationHandler struct {
	n *Notifier
}

func NewMedicationHandler(n *Notifier) *MedicationHandler {
	return &MedicationHandler{n: n}
}

func (h *MedicationHandler) Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	p, err := decode[domain.MedicationPayload](job)
	if err != nil {
		return domain.Outcome{}, err
	}

	sched, found, err := lookup(ctx, h.n.store.GetSchedule, p.ScheduleID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !found {
		return domain.Skipped(domain.ReasonEntityNotFound), nil
	}
	med := sched.Medication
	if !sched.Active || med == nil || !med.Active {
		return domain.Skipped(domain.ReasonNotActive), nil
	}

	taken, err := h.n.store.HasMedicationLog(ctx, sched.ID, p.ScheduledAt)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("check medication log: %w", err)
	}
	if taken {
		return domain.Skipped(domain.ReasonAlreadyTaken), nil
	}

	recipients, err := h.n.store.ActiveRecipients(ctx, med.FamilyID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("resolve recipients: %w", err)
	}

	out, err := h.n.notify(ctx, job, recipients, message{
		typ:      domain.TypeMedicationReminder,
		key:      p.IdempotencyKey,
		entityID: sched.ID,
		zone:     med.TimeZone,
		priority: domain.PriorityNormal,
		channels: []domain.ChannelKind{domain.ChannelPush},
		data:     offsetData(p.OffsetMinutes),
		render: func(loc *time.Location) (string, string) {
			title := "Medication reminder: " + med.Name
			at := p.ScheduledAt.In(loc).Format(clockLayout)
			if p.OffsetMinutes == 0 {
				return title, fmt.Sprintf("Time to take %s %s (scheduled for %s).", med.Name, med.Dosage, at)
			}
			return title, fmt.Sprintf("%s %s is due %s, at %s.", med.Name, med.Dosage, leadTime(p.OffsetMinutes), at)
		},
	})
	if err == nil && !out.IsSkipped() {
		h.n.logger.Info("medication reminder created",
			zap.String("schedule_id", sched.ID),
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.Int("recipients", out.Count),
		)
	}
	return out, err
}
